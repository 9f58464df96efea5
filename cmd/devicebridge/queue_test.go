package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTransport records execution order and the peak number of
// concurrent Execute calls.
type recordingTransport struct {
	mu    sync.Mutex
	calls []string

	inflight    atomic.Int32
	maxInflight atomic.Int32

	delay time.Duration
	fail  map[string]error
}

func (r *recordingTransport) Execute(_ context.Context, cmd Command, sink *Handle) error {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		m := r.maxInflight.Load()
		if n <= m || r.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	payload := cmd.(RawCommand).Payload
	r.mu.Lock()
	r.calls = append(r.calls, payload)
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	sink.emit("ack " + payload)
	return r.fail[payload]
}

func (r *recordingTransport) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func runQueue(t *testing.T, q *CommandQueue) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, q.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func TestCommandQueue_ExecutesInSubmissionOrderOneAtATime(t *testing.T) {
	tr := &recordingTransport{delay: time.Millisecond}
	q := NewCommandQueue("test", tr, nil, nil)

	const n = 25
	var handles []*Handle
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("cmd-%02d", i)
		want = append(want, p)
		handles = append(handles, q.Enqueue(RawCommand{Payload: p}))
	}

	runQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	vals, err := WaitAll(ctx, handles)
	require.NoError(t, err)

	assert.Equal(t, want, tr.Calls(), "transport must see commands in FIFO order exactly once each")
	assert.Equal(t, int32(1), tr.maxInflight.Load(), "never more than one command in flight")
	assert.Len(t, vals, n)
	assert.Equal(t, "ack cmd-00", vals[0])
}

func TestCommandQueue_EnqueueWhileRunning(t *testing.T) {
	tr := &recordingTransport{}
	q := NewCommandQueue("test", tr, nil, nil)
	runQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		vals, err := q.Enqueue(RawCommand{Payload: fmt.Sprint(i)}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"ack " + fmt.Sprint(i)}, vals)
	}
	assert.Equal(t, 0, q.Len())
}

func TestCommandQueue_FailureResolvesOnlyThatHandle(t *testing.T) {
	boom := errors.New("boom")
	tr := &recordingTransport{fail: map[string]error{"b": boom}}
	q := NewCommandQueue("test", tr, nil, nil)

	ha := q.Enqueue(RawCommand{Payload: "a"})
	hb := q.Enqueue(RawCommand{Payload: "b"})
	hc := q.Enqueue(RawCommand{Payload: "c"})
	runQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := ha.Wait(ctx)
	assert.NoError(t, err)
	_, err = hb.Wait(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = hc.Wait(ctx)
	assert.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, tr.Calls(), "failed command is not retried")
}

// blockingTransport blocks every command until ctx is canceled.
type blockingTransport struct {
	started chan struct{}
}

func (b *blockingTransport) Execute(ctx context.Context, _ Command, _ *Handle) error {
	b.started <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func TestCommandQueue_ShutdownResolvesQueuedHandles(t *testing.T) {
	tr := &blockingTransport{started: make(chan struct{}, 1)}
	q := NewCommandQueue("test", tr, nil, nil)

	first := q.Enqueue(RawCommand{Payload: "1"})
	second := q.Enqueue(RawCommand{Payload: "2"})
	third := q.Enqueue(RawCommand{Payload: "3"})

	cancel, done := runQueue(t, q)

	select {
	case <-tr.started:
	case <-time.After(time.Second):
		t.Fatal("first command never started")
	}
	assert.Equal(t, 2, q.Len())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue did not stop")
	}

	ctx := context.Background()
	_, err := first.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = second.Wait(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
	_, err = third.Wait(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)

	late := q.Enqueue(RawCommand{Payload: "late"})
	_, err = late.Wait(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestCommandQueue_SecondRunRefused(t *testing.T) {
	tr := &recordingTransport{}
	q := NewCommandQueue("test", tr, nil, nil)
	runQueue(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := q.Enqueue(RawCommand{Payload: "1"}).Wait(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, q.Run(ctx), errQueueRunning)

	_, err = q.Enqueue(RawCommand{Payload: "2"}).Wait(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, tr.Calls())
}

func TestCommandQueue_Metrics(t *testing.T) {
	m := NewMetrics()
	tr := &recordingTransport{fail: map[string]error{"bad": errors.New("nope")}}
	q := NewCommandQueue("ir", tr, nil, m)

	hs := []*Handle{
		q.Enqueue(RawCommand{Payload: "ok1"}),
		q.Enqueue(RawCommand{Payload: "bad"}),
		q.Enqueue(RawCommand{Payload: "ok2"}),
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(m.queueDepth.WithLabelValues("ir")))

	runQueue(t, q)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = WaitAll(ctx, hs)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.commandsTotal.WithLabelValues("ir", "ok")) == 2 &&
			testutil.ToFloat64(m.commandsTotal.WithLabelValues("ir", "error")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.queueDepth.WithLabelValues("ir")))
}
