package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ============================================================================
// Process Transport - one spawned process per command
// ============================================================================
// Used for the X10 controller (heyu). Correlation is implicit: each process
// instance belongs to exactly one command.
//
//   - every stdout line is an intermediate value (optionally transformed)
//   - any stderr output resolves the command as an error
//   - process exit resolves the command as complete
// ============================================================================

// TextTransformer rewrites one stdout line. Returning false drops the line.
type TextTransformer func(line string) (string, bool)

// ProcessError reports a process that wrote to its error stream.
type ProcessError struct {
	Args   []string
	Stderr string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s: %s", strings.Join(e.Args, " "), strings.TrimSpace(e.Stderr))
}

var errUnsupportedCommand = errors.New("unsupported command")

// ProcessTransport spawns Binary once per command.
type ProcessTransport struct {
	binary string
	logger *slog.Logger

	// Transform picks a per-invocation line transformer; nil means no transform.
	Transform func(cmd Command) TextTransformer
}

// NewProcessTransport constructs a transport for binary.
func NewProcessTransport(binary string, logger *slog.Logger) *ProcessTransport {
	if logger == nil {
		logger = discardLogger()
	}
	return &ProcessTransport{
		binary: binary,
		logger: logger.With("transport", "process", "binary", binary),
	}
}

// argv renders cmd into the argument vector passed after the binary.
func (p *ProcessTransport) argv(cmd Command) ([]string, error) {
	switch c := cmd.(type) {
	case X10Command:
		code := strings.ToUpper(strings.TrimSpace(c.Code))
		fn := strings.ToLower(strings.TrimSpace(c.Function))
		if code == "" || fn == "" {
			return nil, fmt.Errorf("x10 command needs code and function: %s", c.String())
		}
		return []string{fn, code}, nil

	case X10StatusCommand:
		return []string{"show", "h"}, nil

	case RawCommand:
		args := strings.Fields(c.Payload)
		if len(args) == 0 {
			return nil, errors.New("raw command is empty")
		}
		return args, nil

	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedCommand, cmd.String())
	}
}

// Execute implements Transport.
func (p *ProcessTransport) Execute(ctx context.Context, cmd Command, sink *Handle) error {
	args, err := p.argv(cmd)
	if err != nil {
		return err
	}

	var tt TextTransformer
	if p.Transform != nil {
		tt = p.Transform(cmd)
	}

	return p.run(ctx, args, func(line string) {
		if tt != nil {
			var keep bool
			if line, keep = tt(line); !keep {
				return
			}
		}
		sink.emit(line)
	}, nil)
}

// Run executes a one-off invocation outside any queue (e.g. "heyu start"),
// discarding its output.
func (p *ProcessTransport) Run(ctx context.Context, args ...string) error {
	return p.run(ctx, args, func(string) {}, nil)
}

// Stream runs a long-lived invocation (monitor mode) and hands every stdout
// line to onLine until the process exits or ctx is canceled. Stderr lines are
// logged instead of failing the stream.
func (p *ProcessTransport) Stream(ctx context.Context, onLine func(string), args ...string) error {
	err := p.run(ctx, args, onLine, func(line string) {
		p.logger.Warn("process stderr", "args", args, "line", line)
	})
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		return fmt.Errorf("%s %s exited", p.binary, strings.Join(args, " "))
	}
	return err
}

// processWaitDelay bounds how long Wait keeps copying output after the child
// exits. heyu forks its engine with the inherited pipes still open.
const processWaitDelay = 250 * time.Millisecond

// lineWriter splits written bytes into lines and hands each complete line to
// fn. exec.Cmd drives it from a single copying goroutine.
type lineWriter struct {
	fn  func(string)
	buf []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(b), nil
}

// flush emits a trailing unterminated line.
func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.fn(strings.TrimRight(string(w.buf), "\r"))
		w.buf = nil
	}
}

// run spawns the process and pumps both output streams. It returns once the
// process has exited; output still held open by its descendants is abandoned
// after processWaitDelay.
//
// With onStderr == nil the stderr text is collected and returned as a
// *ProcessError; otherwise each stderr line goes to onStderr.
func (p *ProcessTransport) run(ctx context.Context, args []string, onLine func(string), onStderr func(string)) error {
	c := exec.CommandContext(ctx, p.binary, args...)
	c.WaitDelay = processWaitDelay

	var errText strings.Builder
	if onStderr == nil {
		onStderr = func(line string) {
			errText.WriteString(line)
			errText.WriteByte('\n')
		}
	}
	stdout := &lineWriter{fn: onLine}
	stderr := &lineWriter{fn: onStderr}
	c.Stdout = stdout
	c.Stderr = stderr

	p.logger.Debug("invoke child process", "args", args)
	if err := c.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.binary, err)
	}

	waitErr := c.Wait()
	stdout.flush()
	stderr.flush()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if strings.TrimSpace(errText.String()) != "" {
		return &ProcessError{Args: append([]string{p.binary}, args...), Stderr: errText.String()}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(waitErr, exec.ErrWaitDelay):
			p.logger.Debug("child process left output open", "args", args)
			return nil
		case errors.As(waitErr, &exitErr):
			// Exit status alone does not fail the command; only stderr output does.
			p.logger.Debug("child process exited", "args", args, "code", exitErr.ExitCode())
			return nil
		}
		return fmt.Errorf("wait %s: %w", p.binary, waitErr)
	}
	return nil
}
