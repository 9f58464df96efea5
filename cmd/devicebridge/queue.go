package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Command Queue - single-worker FIFO bound to one Transport
// ============================================================================
//
// Rules enforced here:
//   - Enqueue never blocks; it appends to the FIFO tail and returns a Handle.
//   - Exactly one worker goroutine (Run) executes commands, one at a time.
//   - The next command is dequeued only after the previous Handle is resolved.
//   - A failed command resolves only its own Handle; it is never re-enqueued.
//
// ============================================================================

// ErrQueueClosed resolves handles that were still queued at shutdown.
var ErrQueueClosed = errors.New("command queue closed")

var errQueueRunning = errors.New("command queue already running")

// Transport executes one command against an external device.
//
// Execute blocks for the command's whole execution slot. Intermediate values are
// emitted on sink; the returned error (or nil for completion) is the command's
// terminal outcome. Implementations must not resolve sink themselves.
type Transport interface {
	Execute(ctx context.Context, cmd Command, sink *Handle) error
}

// CommandQueue serializes commands for one Transport.
type CommandQueue struct {
	name      string
	transport Transport
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.Mutex
	pending []*Handle
	closed  bool
	running bool

	wake chan struct{}
}

// NewCommandQueue constructs a queue. Call Run(ctx) to start its worker.
func NewCommandQueue(name string, transport Transport, logger *slog.Logger, metrics *Metrics) *CommandQueue {
	if logger == nil {
		logger = discardLogger()
	}
	return &CommandQueue{
		name:      name,
		transport: transport,
		logger:    logger.With("queue", name),
		metrics:   metrics,
		wake:      make(chan struct{}, 1),
	}
}

// Name returns the queue name used in logs and metrics.
func (q *CommandQueue) Name() string { return q.name }

// Enqueue appends cmd to the FIFO and returns its Handle immediately.
func (q *CommandQueue) Enqueue(cmd Command) *Handle {
	h := newHandle(cmd)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		h.resolve(ErrQueueClosed)
		q.metrics.commandFinished(q.name, ErrQueueClosed, 0)
		return h
	}
	q.pending = append(q.pending, h)
	depth := len(q.pending)
	q.mu.Unlock()

	q.metrics.setQueueDepth(q.name, depth)
	q.logger.Debug("command enqueued", "id", h.ID(), "command", cmd.String(), "depth", depth)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return h
}

// Len reports the number of commands waiting to be dequeued.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run is the queue worker. It returns when ctx is canceled, resolving every
// command still queued with ErrQueueClosed. A queue has at most one worker.
func (q *CommandQueue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errQueueRunning
	}
	q.running = true
	q.mu.Unlock()

	q.logger.Info("command queue started")
	defer q.logger.Info("command queue stopped")

	for {
		if ctx.Err() != nil {
			q.close()
			return nil
		}

		h, ok := q.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				q.close()
				return nil
			case <-q.wake:
			}
			continue
		}

		q.execute(ctx, h)
	}
}

func (q *CommandQueue) dequeue() (*Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	h := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.metrics.setQueueDepth(q.name, len(q.pending))
	return h, true
}

// execute runs one command in the in-flight slot and resolves its Handle.
func (q *CommandQueue) execute(ctx context.Context, h *Handle) {
	start := time.Now()
	q.logger.Debug("command executing", "id", h.ID(), "command", h.cmd.String())

	err := q.transport.Execute(ctx, h.cmd, h)
	h.resolve(err)

	elapsed := time.Since(start)
	q.metrics.commandFinished(q.name, err, elapsed)

	if err != nil {
		q.logger.Warn("command failed", "id", h.ID(), "command", h.cmd.String(), "error", err, "elapsed", elapsed)
		return
	}
	q.logger.Debug("command completed", "id", h.ID(), "command", h.cmd.String(), "elapsed", elapsed)
}

func (q *CommandQueue) close() {
	q.mu.Lock()
	q.closed = true
	rest := q.pending
	q.pending = nil
	q.mu.Unlock()

	q.metrics.setQueueDepth(q.name, 0)
	for _, h := range rest {
		h.resolve(ErrQueueClosed)
		q.metrics.commandFinished(q.name, ErrQueueClosed, 0)
	}
	if len(rest) > 0 {
		q.logger.Info("dropped queued commands on shutdown", "count", len(rest))
	}
}
