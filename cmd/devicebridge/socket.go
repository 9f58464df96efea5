package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Socket Transport - one persistent TCP connection for the queue's lifetime
// ============================================================================
// Used for the IR blaster (iTach). A command is rendered, written, and resolved
// by the next inbound line through the single-slot exchange. The connection is
// not re-established when it closes; pending and future commands fail with
// ErrConnectionClosed.
// ============================================================================

// ErrNoIRCode is returned when no code is configured for device+action.
var ErrNoIRCode = errors.New("no ir code found")

// IRCodebook resolves IR addresses, code sequences and pre-send pauses.
type IRCodebook interface {
	Address(device string) string
	Code(device, action string) (string, bool)
	Pause(device, action string) (time.Duration, bool)
}

const dialTimeout = 5 * time.Second

// SocketTransport writes commands to a persistent connection.
type SocketTransport struct {
	addr    string
	conn    net.Conn
	codes   IRCodebook
	logger  *slog.Logger
	metrics *Metrics

	writeMu sync.Mutex
	xchg    exchange

	txid func() int
	done chan struct{}
}

// DialSocketTransport opens the connection. Failure here should fail startup.
func DialSocketTransport(ctx context.Context, addr string, codes IRCodebook, logger *slog.Logger, metrics *Metrics) (*SocketTransport, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t := newSocketTransport(conn, codes, logger, metrics)
	t.logger.Info("connected")
	return t, nil
}

func newSocketTransport(conn net.Conn, codes IRCodebook, logger *slog.Logger, metrics *Metrics) *SocketTransport {
	if logger == nil {
		logger = discardLogger()
	}
	addr := conn.RemoteAddr().String()
	t := &SocketTransport{
		addr:    addr,
		conn:    conn,
		codes:   codes,
		logger:  logger.With("transport", "socket", "addr", addr),
		metrics: metrics,
		txid:    func() int { return rand.IntN(65535) + 1 },
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Done is closed when the connection is gone.
func (t *SocketTransport) Done() <-chan struct{} { return t.done }

// Close closes the connection; the read loop then fails any outstanding command.
func (t *SocketTransport) Close() error {
	return t.conn.Close()
}

// Connected reports whether the connection is still open.
func (t *SocketTransport) Connected() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// render turns cmd into its wire string plus an optional pre-send pause.
func (t *SocketTransport) render(cmd Command) (string, time.Duration, error) {
	switch c := cmd.(type) {
	case RawCommand:
		if c.Payload == "" {
			return "", 0, errors.New("raw command is empty")
		}
		return c.Payload, 0, nil

	case IRCommand:
		if c.Device == "" {
			return "", 0, errors.New("ir command has no device")
		}
		addr := t.codes.Address(c.Device)
		if c.Code != "" {
			return sendIR(addr, t.txid(), c.Code), 0, nil
		}
		seq, ok := t.codes.Code(c.Device, c.Action)
		if !ok {
			return "", 0, fmt.Errorf("%w matching key %s.%s", ErrNoIRCode, c.Device, c.Action)
		}
		pause, _ := t.codes.Pause(c.Device, c.Action)
		return sendIR(addr, t.txid(), seq), pause, nil

	default:
		return "", 0, fmt.Errorf("%w: %s", errUnsupportedCommand, cmd.String())
	}
}

func sendIR(addr string, txid int, code string) string {
	return fmt.Sprintf("sendir,%s,%d,%s\r", addr, txid, strings.TrimSpace(code))
}

// Execute implements Transport.
func (t *SocketTransport) Execute(ctx context.Context, cmd Command, sink *Handle) error {
	payload, pause, err := t.render(cmd)
	if err != nil {
		// Configuration misses resolve before any I/O and never arm the exchange.
		return err
	}

	if pause > 0 {
		t.logger.Debug("delay before send", "id", sink.ID(), "pause", pause)
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	replies, err := t.xchg.arm(sink.ID())
	if err != nil {
		return err
	}

	t.logger.Debug("sending", "id", sink.ID(), "payload", strings.TrimSpace(payload))
	if err := t.write(payload); err != nil {
		t.xchg.release(sink.ID())
		return fmt.Errorf("write %s: %w", t.addr, err)
	}

	select {
	case r := <-replies:
		if r.err != nil {
			return r.err
		}
		sink.emit(r.data)
		return nil
	case <-ctx.Done():
		t.xchg.release(sink.ID())
		return ctx.Err()
	}
}

func (t *SocketTransport) write(payload string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.conn.Write([]byte(payload))
	return err
}

// readLoop attributes every inbound line to the outstanding command.
func (t *SocketTransport) readLoop() {
	defer close(t.done)

	sc := bufio.NewScanner(t.conn)
	sc.Split(scanCRLines)
	for sc.Scan() {
		line := sc.Text()
		t.logger.Debug("socket input", "data", line)

		if id, ok := t.xchg.deliver(line); ok {
			t.logger.Debug("reply correlated", "id", id)
			continue
		}
		t.metrics.unsolicitedReply()
		t.logger.Warn("socket data with no outstanding request; dropped", "data", line)
	}

	_ = t.conn.Close()

	err := ErrConnectionClosed
	if scanErr := sc.Err(); scanErr != nil && !errors.Is(scanErr, net.ErrClosed) {
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, scanErr)
		t.logger.Warn("connection closed", "error", scanErr)
	} else {
		t.logger.Warn("connection closed")
	}
	t.xchg.fail(err)
}

// scanCRLines splits on '\r' or '\n' and skips empty lines.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if atEOF && start == len(data) {
		return len(data), nil, nil
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}
