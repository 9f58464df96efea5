package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// X10Service controls the power-line interface through heyu.
type X10Service struct {
	queue     *CommandQueue
	transport *ProcessTransport
	known     []string
	publisher EventPublisher
	parser    *MonitorParser
	logger    *slog.Logger
}

// NewX10Service wires the service onto an existing queue/transport pair and
// installs the status line filter on the transport.
func NewX10Service(queue *CommandQueue, transport *ProcessTransport, known []string, publisher EventPublisher, logger *slog.Logger, metrics *Metrics) *X10Service {
	if logger == nil {
		logger = discardLogger()
	}
	transport.Transform = x10LineFilter
	return &X10Service{
		queue:     queue,
		transport: transport,
		known:     append([]string(nil), known...),
		publisher: publisher,
		parser:    NewMonitorParser(logger, metrics),
		logger:    logger.With("component", "x10"),
	}
}

// x10LineFilter keeps only housecode lines of a status dump.
func x10LineFilter(cmd Command) TextTransformer {
	if _, ok := cmd.(X10StatusCommand); !ok {
		return nil
	}
	return func(line string) (string, bool) {
		line = strings.TrimSpace(line)
		return line, strings.Contains(line, "Housecode")
	}
}

// Start launches the heyu engine daemon. Failure is logged, not fatal; heyu
// starts the engine on demand for most commands.
func (s *X10Service) Start(ctx context.Context) {
	if err := s.transport.Run(ctx, "start"); err != nil {
		s.logger.Warn("heyu start failed", "error", err)
		return
	}
	s.logger.Info("heyu engine started")
}

// Send queues one X10 function for a house/unit code.
func (s *X10Service) Send(code, function string) *Handle {
	cmd := X10Command{Code: strings.ToUpper(strings.TrimSpace(code)), Function: strings.TrimSpace(function)}
	if !validX10Target(cmd.Code) {
		return failedHandle(cmd, fmt.Errorf("invalid x10 code %q", code))
	}
	if cmd.Function == "" {
		return failedHandle(cmd, fmt.Errorf("missing x10 function for %s", cmd.Code))
	}
	return s.queue.Enqueue(cmd)
}

// Status queues a state dump and reports every known code as on or off.
func (s *X10Service) Status(ctx context.Context) ([]X10Status, error) {
	h := s.queue.Enqueue(X10StatusCommand{})
	lines, err := h.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("x10 status: %w", err)
	}
	return ParseStatusDump(lines, s.known), nil
}

// Monitor streams "heyu monitor" output through the monitor parser and
// publishes every event. It returns when ctx is canceled or heyu exits.
func (s *X10Service) Monitor(ctx context.Context) error {
	s.logger.Info("x10 monitor starting")
	err := s.transport.Stream(ctx, s.feed, "monitor")
	if err != nil {
		return fmt.Errorf("x10 monitor: %w", err)
	}
	s.logger.Info("x10 monitor stopped")
	return nil
}

func (s *X10Service) feed(line string) {
	ev, ok := s.parser.Feed(line)
	if !ok {
		return
	}
	if s.publisher != nil {
		s.publisher.Publish(ev)
	}
}

// validX10Target accepts a house code optionally followed by a heyu unit
// list, e.g. "A", "A1", "B1,3" or "C2-5".
func validX10Target(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'P' {
		return false
	}
	for _, r := range s[1:] {
		if (r < '0' || r > '9') && r != ',' && r != '-' {
			return false
		}
	}
	return true
}
