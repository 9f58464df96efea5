package main

import (
	"fmt"
	"strings"
)

// ==============================
// Commands (units of work for a queue)
// ==============================

// Command is a unit of work submitted to a CommandQueue and executed by the
// queue's Transport.
type Command interface {
	commandMarker()
	String() string
}

// X10Command switches an X10 device, e.g. Function "on" for Code "A1".
type X10Command struct {
	Code     string `json:"housecodeunit"`
	Function string `json:"function"`
}

func (X10Command) commandMarker() {}
func (c X10Command) String() string {
	return fmt.Sprintf("X10Command(code=%s, function=%s)", c.Code, c.Function)
}

// X10StatusCommand dumps the controller's housecode state table.
type X10StatusCommand struct{}

func (X10StatusCommand) commandMarker() {}
func (X10StatusCommand) String() string { return "X10StatusCommand()" }

// RawCommand carries a literal wire string. Process transports split it into
// an argument vector; socket transports write it verbatim.
type RawCommand struct {
	Payload string
}

func (RawCommand) commandMarker() {}
func (c RawCommand) String() string {
	return fmt.Sprintf("RawCommand(%q)", strings.TrimSpace(c.Payload))
}

// IRCommand is a semantic IR action. When Code is empty the code sequence is
// resolved from configuration keyed by Device+Action.
type IRCommand struct {
	Device   string `json:"device"`
	Action   string `json:"action"`
	Location string `json:"location,omitempty"`
	Code     string `json:"ircode,omitempty"`
}

func (IRCommand) commandMarker() {}
func (c IRCommand) String() string {
	if c.Code != "" {
		return fmt.Sprintf("IRCommand(device=%s, explicit code)", c.Device)
	}
	return fmt.Sprintf("IRCommand(device=%s, action=%s)", c.Device, c.Action)
}

// IRCommandList is the request body for a batch of IR actions.
type IRCommandList struct {
	Commands []IRCommand `json:"commands"`
}
