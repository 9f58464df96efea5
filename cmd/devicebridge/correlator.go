package main

import (
	"errors"
	"sync"
)

// ============================================================================
// Response Correlator - single-slot request/reply exchange
// ============================================================================
// The socket protocol carries no request ids we can rely on, so a reply is
// attributed to the one outstanding request. This is only sound while at most
// one request is outstanding; arm refuses a second request instead of silently
// misattributing replies.
// ============================================================================

var (
	// ErrOutstandingRequest is returned when arming while a request is in flight.
	ErrOutstandingRequest = errors.New("a request is already outstanding")

	// ErrConnectionClosed resolves requests whose connection went away.
	ErrConnectionClosed = errors.New("connection closed")
)

type reply struct {
	data string
	err  error
}

type outstanding struct {
	id    string
	reply chan reply
}

// exchange holds at most one outstanding request.
type exchange struct {
	mu     sync.Mutex
	slot   *outstanding
	closed error
}

// arm registers request id as the outstanding request.
func (x *exchange) arm(id string) (<-chan reply, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed != nil {
		return nil, x.closed
	}
	if x.slot != nil {
		return nil, ErrOutstandingRequest
	}
	x.slot = &outstanding{id: id, reply: make(chan reply, 1)}
	return x.slot.reply, nil
}

// deliver attributes data to the outstanding request and clears the slot.
// It reports false when nothing was outstanding.
func (x *exchange) deliver(data string) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.slot == nil {
		return "", false
	}
	o := x.slot
	x.slot = nil
	o.reply <- reply{data: data}
	return o.id, true
}

// release clears the slot if it still belongs to id.
func (x *exchange) release(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.slot != nil && x.slot.id == id {
		x.slot = nil
	}
}

// fail resolves the outstanding request with err and refuses future requests.
func (x *exchange) fail(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.closed = err
	if x.slot != nil {
		x.slot.reply <- reply{err: err}
		x.slot = nil
	}
}

// pending reports whether a request is outstanding.
func (x *exchange) pending() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.slot != nil
}
