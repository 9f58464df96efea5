package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ============================================================================
// Event Bridge - fan-out of events to remote listeners
// ============================================================================
//
// Rules enforced here:
//   - Publish never blocks the producer.
//   - Each listener has its own buffered queue and worker, so a slow or failing
//     listener never delays another.
//   - Per-listener order follows publish order; across producers there is none.
//   - Push failures are logged and counted, never returned to the producer.
//
// ============================================================================

// Listener receives every published event.
type Listener interface {
	Name() string
	Push(ctx context.Context, ev Event) error
}

const (
	defaultListenerBuffer = 64
	pushTimeout           = 10 * time.Second
)

type outlet struct {
	listener Listener
	queue    chan Event
}

// EventBridge delivers events to a fixed set of listeners registered at startup.
type EventBridge struct {
	outlets []*outlet
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	running bool
}

// NewEventBridge constructs a bridge. Events published before Run are buffered.
func NewEventBridge(listeners []Listener, buffer int, logger *slog.Logger, metrics *Metrics) *EventBridge {
	if logger == nil {
		logger = discardLogger()
	}
	if buffer <= 0 {
		buffer = defaultListenerBuffer
	}
	b := &EventBridge{
		logger:  logger.With("component", "event-bridge"),
		metrics: metrics,
	}
	for _, l := range listeners {
		if l == nil {
			continue
		}
		b.outlets = append(b.outlets, &outlet{listener: l, queue: make(chan Event, buffer)})
	}
	return b
}

// Listeners returns the registered listener names.
func (b *EventBridge) Listeners() []string {
	names := make([]string, 0, len(b.outlets))
	for _, o := range b.outlets {
		names = append(names, o.listener.Name())
	}
	return names
}

// Publish hands ev to every listener's queue. A full queue drops ev for that
// listener only.
func (b *EventBridge) Publish(ev Event) {
	b.metrics.eventPublished(ev.Type)
	b.logger.Debug("publish event", "event", ev.String(), "listeners", len(b.outlets))

	for _, o := range b.outlets {
		select {
		case o.queue <- ev:
		default:
			b.metrics.listenerPush(o.listener.Name(), errListenerBacklog)
			b.logger.Warn("listener queue full, dropping event", "listener", o.listener.Name(), "event", ev.String())
		}
	}
}

var errListenerBacklog = errors.New("listener backlog full")

// Run starts one worker per listener and blocks until ctx is canceled.
func (b *EventBridge) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("event bridge already running")
	}
	b.running = true
	b.mu.Unlock()

	b.logger.Info("event bridge started", "listeners", b.Listeners())

	var wg sync.WaitGroup
	for _, o := range b.outlets {
		wg.Add(1)
		go func(o *outlet) {
			defer wg.Done()
			b.drain(ctx, o)
		}(o)
	}
	<-ctx.Done()
	wg.Wait()

	b.logger.Info("event bridge stopped")
	return nil
}

func (b *EventBridge) drain(ctx context.Context, o *outlet) {
	name := o.listener.Name()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.queue:
			pctx, cancel := context.WithTimeout(ctx, pushTimeout)
			err := o.listener.Push(pctx, ev)
			cancel()

			b.metrics.listenerPush(name, err)
			if err != nil {
				b.logger.Warn("listener push failed", "listener", name, "event", ev.String(), "error", err)
				continue
			}
			b.logger.Debug("listener push ok", "listener", name, "event", ev.String())
		}
	}
}

// ============================================================================
// HTTP listener - POST the JSON form of each event
// ============================================================================

// HTTPListener posts events to a URL.
type HTTPListener struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPListener(name, url string, client *http.Client) *HTTPListener {
	if client == nil {
		client = &http.Client{Timeout: pushTimeout}
	}
	return &HTTPListener{name: name, url: url, client: client}
}

func (l *HTTPListener) Name() string { return l.name }

// Push implements Listener. Any non-2xx status is an error.
func (l *HTTPListener) Push(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", l.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: unexpected status %s", l.url, resp.Status)
	}
	return nil
}
