package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// devicebridge-ctl - Command-line IPC Client
// ============================================================================
// Sends commands to the devicebridge daemon via IPC.
//
// Usage:
//   devicebridge-ctl x10 A1 on
//   devicebridge-ctl status
//   devicebridge-ctl ir tv power [av_receiver power ...]
//   devicebridge-ctl gpio-set garage_door high
//   devicebridge-ctl gpio-toggle garage_door
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/devicebridge.sock)
// ============================================================================

const defaultSocketPath = "/tmp/devicebridge.sock"

// Request types (duplicated from the daemon for a standalone binary)
type x10Data struct {
	Code     string `json:"housecodeunit"`
	Function string `json:"function"`
}

type irCommand struct {
	Device string `json:"device"`
	Action string `json:"action"`
}

type irData struct {
	Commands []irCommand `json:"commands"`
}

type gpioSetData struct {
	Pin   string `json:"pin"`
	State string `json:"state"`
}

type gpioToggleData struct {
	Pin string `json:"pin"`
}

// Request wraps a command for the IPC protocol.
type Request struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Response represents the daemon's response
type Response struct {
	Status  string          `json:"status"`
	Results json.RawMessage `json:"results,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func main() {
	socketPath := defaultSocketPath

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		os.Exit(0)
	}

	req, err := buildRequest(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	resp, err := send(socketPath, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(resp.Results) > 0 {
		var pretty any
		if err := json.Unmarshal(resp.Results, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return
		}
	}
	fmt.Println("ok")
}

func buildRequest(args []string) (Request, error) {
	switch args[0] {
	case "x10":
		if len(args) != 3 {
			return Request{}, errors.New("x10 requires <code> <function>")
		}
		return Request{Type: "x10", Data: x10Data{Code: args[1], Function: args[2]}}, nil

	case "status":
		return Request{Type: "status"}, nil

	case "ir":
		rest := args[1:]
		if len(rest) == 0 || len(rest)%2 != 0 {
			return Request{}, errors.New("ir requires <device> <action> pairs")
		}
		var d irData
		for i := 0; i < len(rest); i += 2 {
			d.Commands = append(d.Commands, irCommand{Device: rest[i], Action: rest[i+1]})
		}
		return Request{Type: "ir", Data: d}, nil

	case "gpio-set":
		if len(args) != 3 {
			return Request{}, errors.New("gpio-set requires <label> <high|low>")
		}
		return Request{Type: "gpio_set", Data: gpioSetData{Pin: args[1], State: strings.ToLower(args[2])}}, nil

	case "gpio-toggle":
		if len(args) != 2 {
			return Request{}, errors.New("gpio-toggle requires <label>")
		}
		return Request{Type: "gpio_toggle", Data: gpioToggleData{Pin: args[1]}}, nil

	default:
		return Request{}, fmt.Errorf("unknown command: %s", args[0])
	}
}

func send(socketPath string, req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return Response{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	// Line-delimited JSON
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}

	if resp.Status == "error" {
		return resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `devicebridge-ctl - Control the devicebridge daemon via IPC

Usage:
  devicebridge-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/devicebridge.sock)

Commands:
  x10 <code> <function>            Send an X10 function (e.g. x10 A1 on)
  status                           Show on/off state of known X10 codes
  ir <device> <action> [...]       Send one or more IR actions
  gpio-set <label> <high|low>      Drive an output pin
  gpio-toggle <label>              Pulse an output pin high then low
  help, -h, --help                 Show this help message

Examples:
  devicebridge-ctl x10 A3 off
  devicebridge-ctl ir tv power receiver power
  devicebridge-ctl -socket /run/devicebridge.sock status
`)
}
