package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Local tools (devicebridge-ctl, scripts) submit commands without going
// through HTTP.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "x10|ir|gpio_set|gpio_toggle|status", "data": {...}}
//   - Server responds: {"status": "ok", "results": [...]} or
//     {"status": "error", "error": "msg"}
//
// Each request is answered after its commands resolve.
// ============================================================================

// IPCRequest is one line sent by a client.
type IPCRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status  string `json:"status"`            // "ok" or "error"
	Results any    `json:"results,omitempty"` // command output
	Error   string `json:"error,omitempty"`   // error message if status == "error"
}

const (
	ipcTypeX10        = "x10"
	ipcTypeIR         = "ir"
	ipcTypeGPIOSet    = "gpio_set"
	ipcTypeGPIOToggle = "gpio_toggle"
	ipcTypeStatus     = "status"

	ipcRequestTimeout = 30 * time.Second
)

// IPCServer dispatches IPC requests to the device services.
type IPCServer struct {
	X10  x10API
	IR   irAPI
	GPIO gpioAPI

	ToggleHold time.Duration
	Logger     *slog.Logger
}

// Run starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func (s *IPCServer) Run(ctx context.Context, socketPath string) error {
	if s.Logger == nil {
		s.Logger = discardLogger()
	}
	logger := s.Logger

	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go s.handleConn(ctx, conn)
	}
}

// handleConn processes a single IPC client connection.
func (s *IPCServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := s.Logger
	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		logger.Debug("IPC received", "line", string(line))

		resp := s.dispatch(ctx, line)
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

func ipcError(err error) IPCResponse {
	return IPCResponse{Status: "error", Error: err.Error()}
}

// dispatch handles one request line.
func (s *IPCServer) dispatch(ctx context.Context, line []byte) IPCResponse {
	var req IPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return ipcError(fmt.Errorf("parse request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, ipcRequestTimeout)
	defer cancel()

	switch req.Type {
	case ipcTypeX10:
		if s.X10 == nil {
			return ipcError(errors.New("x10 is not enabled"))
		}
		var cmd X10Command
		if err := json.Unmarshal(req.Data, &cmd); err != nil {
			return ipcError(fmt.Errorf("parse x10 data: %w", err))
		}
		vals, err := s.X10.Send(cmd.Code, cmd.Function).Wait(ctx)
		if err != nil {
			return ipcError(err)
		}
		return IPCResponse{Status: "ok", Results: vals}

	case ipcTypeStatus:
		if s.X10 == nil {
			return ipcError(errors.New("x10 is not enabled"))
		}
		states, err := s.X10.Status(ctx)
		if err != nil {
			return ipcError(err)
		}
		return IPCResponse{Status: "ok", Results: states}

	case ipcTypeIR:
		if s.IR == nil {
			return ipcError(errors.New("ir is not enabled"))
		}
		var list IRCommandList
		if err := json.Unmarshal(req.Data, &list); err != nil {
			return ipcError(fmt.Errorf("parse ir data: %w", err))
		}
		vals, err := WaitAll(ctx, s.IR.Send(list.Commands))
		if err != nil {
			return ipcError(err)
		}
		return IPCResponse{Status: "ok", Results: vals}

	case ipcTypeGPIOSet:
		if s.GPIO == nil {
			return ipcError(errors.New("gpio is not enabled"))
		}
		var set gpioSetRequest
		if err := json.Unmarshal(req.Data, &set); err != nil {
			return ipcError(fmt.Errorf("parse gpio data: %w", err))
		}
		if err := s.GPIO.SetPin(set.Pin, bool(set.State)); err != nil {
			return ipcError(err)
		}
		return IPCResponse{Status: "ok"}

	case ipcTypeGPIOToggle:
		if s.GPIO == nil {
			return ipcError(errors.New("gpio is not enabled"))
		}
		var tg struct {
			Pin string `json:"pin"`
		}
		if err := json.Unmarshal(req.Data, &tg); err != nil {
			return ipcError(fmt.Errorf("parse gpio data: %w", err))
		}
		hold := s.ToggleHold
		if hold <= 0 {
			hold = time.Duration(defaultToggleMS) * time.Millisecond
		}
		if err := s.GPIO.Toggle(ctx, tg.Pin, hold); err != nil {
			return ipcError(err)
		}
		return IPCResponse{Status: "ok"}

	default:
		return ipcError(fmt.Errorf("unknown request type %q", req.Type))
	}
}
