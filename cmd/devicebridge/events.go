package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Events - observed device state changes
// ============================================================================
// Events are produced by the X10 monitor parser and the GPIO poller and pushed
// to every registered listener through the EventBridge. They are immutable
// once constructed.
// ============================================================================

// EventType tags the producer of an Event.
type EventType string

const (
	EventTypeX10  EventType = "x10"
	EventTypeGPIO EventType = "gpio"
)

// Pin levels as reported in GPIO events.
const (
	LevelHigh = "HIGH"
	LevelLow  = "LOW"
)

// Event is a structured state change.
//
// Subject is the X10 house/unit code or the GPIO pin label; Outcome is the
// lowercased X10 function name or the GPIO level (HIGH/LOW).
type Event struct {
	Type    EventType
	At      time.Time
	Subject string
	Outcome string
}

// NewX10Event builds an X10 state change event.
func NewX10Event(at time.Time, code, function string) Event {
	return Event{Type: EventTypeX10, At: at, Subject: code, Outcome: function}
}

// NewGPIOEvent builds a GPIO state change event.
func NewGPIOEvent(at time.Time, label string, high bool) Event {
	return Event{Type: EventTypeGPIO, At: at, Subject: label, Outcome: levelString(high)}
}

func levelString(high bool) string {
	if high {
		return LevelHigh
	}
	return LevelLow
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s=%s @ %s)", e.Type, e.Subject, e.Outcome, e.At.Format(time.RFC3339))
}

// ============================================================================
// JSON wire format
// ============================================================================
// Listeners receive:
//   {"status":"success","event":{"eventtype":"x10","ts":"...","code":"A1","function":"on"}}
//   {"status":"success","event":{"eventtype":"gpio","ts":"...","pin":"door","state":"HIGH"}}
// ============================================================================

type eventEnvelope struct {
	Status string          `json:"status"`
	Event  json.RawMessage `json:"event"`
}

type x10EventBody struct {
	EventType string `json:"eventtype"`
	Ts        string `json:"ts"`
	Code      string `json:"code"`
	Function  string `json:"function"`
}

type gpioEventBody struct {
	EventType string `json:"eventtype"`
	Ts        string `json:"ts"`
	Pin       string `json:"pin"`
	State     string `json:"state"`
}

const eventTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// MarshalJSON renders the listener wire format.
func (e Event) MarshalJSON() ([]byte, error) {
	ts := e.At.UTC().Format(eventTimeLayout)

	var (
		body []byte
		err  error
	)
	switch e.Type {
	case EventTypeX10:
		body, err = json.Marshal(x10EventBody{EventType: string(e.Type), Ts: ts, Code: e.Subject, Function: e.Outcome})
	case EventTypeGPIO:
		body, err = json.Marshal(gpioEventBody{EventType: string(e.Type), Ts: ts, Pin: e.Subject, State: e.Outcome})
	default:
		return nil, fmt.Errorf("unsupported event type: %q", e.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}

	return json.Marshal(eventEnvelope{Status: "success", Event: body})
}

// UnmarshalJSON parses the listener wire format back into an Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	var head struct {
		EventType string `json:"eventtype"`
		Ts        string `json:"ts"`
	}
	if err := json.Unmarshal(env.Event, &head); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, head.Ts)
	if err != nil {
		return fmt.Errorf("parse event ts: %w", err)
	}

	switch EventType(head.EventType) {
	case EventTypeX10:
		var b x10EventBody
		if err := json.Unmarshal(env.Event, &b); err != nil {
			return fmt.Errorf("unmarshal x10 event: %w", err)
		}
		*e = NewX10Event(at, b.Code, b.Function)
	case EventTypeGPIO:
		var b gpioEventBody
		if err := json.Unmarshal(env.Event, &b); err != nil {
			return fmt.Errorf("unmarshal gpio event: %w", err)
		}
		*e = Event{Type: EventTypeGPIO, At: at, Subject: b.Pin, Outcome: b.State}
	default:
		return fmt.Errorf("unknown event type: %q", head.EventType)
	}
	return nil
}
