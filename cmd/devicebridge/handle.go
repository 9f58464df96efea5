package main

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Handle is the result sink of one enqueued Command.
//
// The caller observes zero or more intermediate values followed by exactly one
// terminal signal: completion (Err() == nil) or an error. Emitting never blocks
// the producer; values are buffered until the caller reads them.
type Handle struct {
	id  string
	cmd Command

	mu     sync.Mutex
	values []string
	err    error

	once sync.Once
	done chan struct{}
}

func newHandle(cmd Command) *Handle {
	return &Handle{
		id:   uuid.NewString(),
		cmd:  cmd,
		done: make(chan struct{}),
	}
}

// ID returns the handle's correlation id (used in logs).
func (h *Handle) ID() string { return h.id }

// Command returns the command this handle belongs to.
func (h *Handle) Command() Command { return h.cmd }

// Done is closed once the handle is resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error, or nil while pending or after completion.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Values returns a copy of the intermediate values emitted so far.
func (h *Handle) Values() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.values))
	copy(out, h.values)
	return out
}

// Wait blocks until the handle is resolved or ctx is done.
func (h *Handle) Wait(ctx context.Context) ([]string, error) {
	select {
	case <-h.done:
		return h.Values(), h.Err()
	case <-ctx.Done():
		return h.Values(), ctx.Err()
	}
}

// emit appends an intermediate value. Values after resolution are dropped.
func (h *Handle) emit(v string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.values = append(h.values, v)
}

// resolve sets the terminal outcome. Only the first call has an effect.
func (h *Handle) resolve(err error) bool {
	resolved := false
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		close(h.done)
		h.mu.Unlock()
		resolved = true
	})
	return resolved
}

// WaitAll waits for every handle and collects values in order. The first
// error encountered is returned alongside everything collected.
func WaitAll(ctx context.Context, handles []*Handle) ([]string, error) {
	var (
		all      []string
		firstErr error
	)
	for _, h := range handles {
		vals, err := h.Wait(ctx)
		all = append(all, vals...)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return all, firstErr
}

// failedHandle returns a handle already resolved with err, for commands
// rejected before reaching a queue.
func failedHandle(cmd Command, err error) *Handle {
	h := newHandle(cmd)
	h.resolve(err)
	return h
}
