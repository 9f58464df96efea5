package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// GPIO Poller
// ============================================================================
//
// Input pins are checked on edge notification (when the driver supports it)
// and on a fallback poll interval. A check reads the level, compares it with
// the last recorded level, publishes an event on change, and records the new
// level unconditionally.
//
// Output pins are written directly; there is no queue and last write wins.
//
// ============================================================================

var (
	// ErrUnknownPin is returned for labels not present in the configuration.
	ErrUnknownPin = errors.New("unknown pin")

	// ErrNotOutput is returned when writing a pin configured as an input.
	ErrNotOutput = errors.New("pin is not an output")
)

// PinDriver performs raw pin I/O.
type PinDriver interface {
	Setup(pin int, output bool) error
	Read(pin int) (bool, error)
	Write(pin int, high bool) error
}

// EdgeWatcher is implemented by drivers that can signal level changes.
// notify is called with the pin number after every edge.
type EdgeWatcher interface {
	WatchEdges(ctx context.Context, pins []int, notify func(pin int)) error
}

// EventPublisher receives events produced by the poller.
type EventPublisher interface {
	Publish(ev Event)
}

// PinStatus is the externally visible state of one pin.
type PinStatus struct {
	Address int    `json:"address"`
	Label   string `json:"label"`
	Mode    string `json:"mode"`
	State   string `json:"state"`
}

type pin struct {
	cfg  PinConfig
	high bool
}

func (p *pin) output() bool { return p.cfg.Mode == pinModeOutput }

// GPIOPoller owns the configured pins.
type GPIOPoller struct {
	driver    PinDriver
	publisher EventPublisher
	interval  time.Duration
	logger    *slog.Logger

	now func() time.Time

	order   []string
	byLabel map[string]*pin
	byPin   map[int]string

	// mu guards recorded levels and serializes checks.
	mu sync.Mutex

	wake chan string
}

// NewGPIOPoller sets up every configured pin and records the initial level of
// each input without publishing.
func NewGPIOPoller(driver PinDriver, pins []PinConfig, interval time.Duration, publisher EventPublisher, logger *slog.Logger) (*GPIOPoller, error) {
	if logger == nil {
		logger = discardLogger()
	}
	if interval <= 0 {
		interval = time.Duration(defaultPollMS) * time.Millisecond
	}
	g := &GPIOPoller{
		driver:    driver,
		publisher: publisher,
		interval:  interval,
		logger:    logger.With("component", "gpio"),
		now:       time.Now,
		byLabel:   make(map[string]*pin, len(pins)),
		byPin:     make(map[int]string, len(pins)),
		wake:      make(chan string, len(pins)+1),
	}

	for _, pc := range pins {
		p := &pin{cfg: pc}
		if err := driver.Setup(pc.Pin, p.output()); err != nil {
			return nil, fmt.Errorf("setup pin %d (%s): %w", pc.Pin, pc.Label, err)
		}
		if !p.output() {
			high, err := driver.Read(pc.Pin)
			if err != nil {
				return nil, fmt.Errorf("read pin %d (%s): %w", pc.Pin, pc.Label, err)
			}
			p.high = high
		}
		g.order = append(g.order, pc.Label)
		g.byLabel[pc.Label] = p
		g.byPin[pc.Pin] = pc.Label
		g.logger.Info("pin configured", "pin", pc.Pin, "label", pc.Label, "mode", pc.Mode, "state", levelString(p.high))
	}
	return g, nil
}

// Run checks input pins on edges and every poll interval until ctx is canceled.
func (g *GPIOPoller) Run(ctx context.Context) error {
	var inputs []int
	for _, label := range g.order {
		if p := g.byLabel[label]; !p.output() {
			inputs = append(inputs, p.cfg.Pin)
		}
	}
	if len(inputs) == 0 {
		g.logger.Info("no input pins configured")
		<-ctx.Done()
		return nil
	}

	if w, ok := g.driver.(EdgeWatcher); ok {
		go func() {
			err := w.WatchEdges(ctx, inputs, g.notify)
			if err != nil && ctx.Err() == nil {
				g.logger.Warn("edge detection unavailable, polling only", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.logger.Info("gpio poller started", "inputs", len(inputs), "interval", g.interval)
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("gpio poller stopped")
			return nil
		case label := <-g.wake:
			g.check(label)
		case <-ticker.C:
			g.Poll()
		}
	}
}

// notify is the edge callback; it never blocks the watcher.
func (g *GPIOPoller) notify(pinNum int) {
	label, ok := g.byPin[pinNum]
	if !ok {
		return
	}
	select {
	case g.wake <- label:
	default:
	}
}

// Poll checks every input pin once.
func (g *GPIOPoller) Poll() {
	for _, label := range g.order {
		if !g.byLabel[label].output() {
			g.check(label)
		}
	}
}

// check reads one input pin and publishes an event when its level changed.
func (g *GPIOPoller) check(label string) {
	p, ok := g.byLabel[label]
	if !ok || p.output() {
		return
	}

	g.mu.Lock()
	high, err := g.driver.Read(p.cfg.Pin)
	if err != nil {
		g.mu.Unlock()
		g.logger.Warn("pin read failed", "pin", p.cfg.Pin, "label", label, "error", err)
		return
	}
	changed := high != p.high
	p.high = high
	g.mu.Unlock()

	if !changed {
		return
	}
	ev := NewGPIOEvent(g.now(), label, high)
	g.logger.Info("pin changed", "pin", p.cfg.Pin, "label", label, "state", ev.Outcome)
	if g.publisher != nil {
		g.publisher.Publish(ev)
	}
}

// States reads every configured pin.
func (g *GPIOPoller) States() []PinStatus {
	out := make([]PinStatus, 0, len(g.order))
	for _, label := range g.order {
		st, err := g.State(label)
		if err != nil {
			g.logger.Warn("pin read failed", "label", label, "error", err)
		}
		out = append(out, st)
	}
	return out
}

// State reads one pin by label.
func (g *GPIOPoller) State(label string) (PinStatus, error) {
	p, ok := g.byLabel[label]
	if !ok {
		return PinStatus{}, fmt.Errorf("%w: %q", ErrUnknownPin, label)
	}
	st := PinStatus{Address: p.cfg.Pin, Label: label, Mode: p.cfg.Mode}

	high, err := g.driver.Read(p.cfg.Pin)
	if err != nil {
		g.mu.Lock()
		st.State = levelString(p.high)
		g.mu.Unlock()
		return st, fmt.Errorf("read pin %d: %w", p.cfg.Pin, err)
	}
	st.State = levelString(high)
	return st, nil
}

// SetPin writes an output pin.
func (g *GPIOPoller) SetPin(label string, high bool) error {
	p, ok := g.byLabel[label]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPin, label)
	}
	if !p.output() {
		return fmt.Errorf("%w: %q", ErrNotOutput, label)
	}
	if err := g.driver.Write(p.cfg.Pin, high); err != nil {
		return fmt.Errorf("write pin %d: %w", p.cfg.Pin, err)
	}

	g.mu.Lock()
	p.high = high
	g.mu.Unlock()

	g.logger.Info("pin set", "pin", p.cfg.Pin, "label", label, "state", levelString(high))
	return nil
}

// Toggle drives an output pin high, waits hold, then drives it low. The pin is
// driven low even when ctx is canceled during the hold.
func (g *GPIOPoller) Toggle(ctx context.Context, label string, hold time.Duration) error {
	if err := g.SetPin(label, true); err != nil {
		return err
	}

	timer := time.NewTimer(hold)
	defer timer.Stop()

	var waitErr error
	select {
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-timer.C:
	}

	if err := g.SetPin(label, false); err != nil {
		return err
	}
	return waitErr
}
