package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests drive the hub loop directly with Clients that have a nil
// websocket.Conn; the hub guards every conn.Close() against nil.

func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(slog.Default(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func runHub(t *testing.T, hub *Hub) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func registerTestClient(t *testing.T, hub *Hub, name string, buf int) *Client {
	t.Helper()
	c := &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		remoteAddr: name,
		logger:     slog.Default(),
	}
	hub.register <- c
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, 500*time.Millisecond, time.Millisecond, "%s not registered in time", name)
	return c
}

func TestHub_PushDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	runHub(t, hub)

	c1 := registerTestClient(t, hub, "c1", 4)
	c2 := registerTestClient(t, hub, "c2", 4)
	assert.Equal(t, 2, hub.Clients())

	at := time.Date(2026, 5, 10, 20, 15, 46, 0, time.UTC)
	require.NoError(t, hub.Push(context.Background(), NewGPIOEvent(at, "door", true)))

	want := `{"status":"success","event":{"eventtype":"gpio","ts":"2026-05-10T20:15:46.000Z","pin":"door","state":"HIGH"}}`
	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			assert.JSONEq(t, want, string(got), c.remoteAddr)
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("%s did not receive broadcast", c.remoteAddr)
		}
	}
}

func TestHub_SlowClientDisconnected(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	runHub(t, hub)

	slow := registerTestClient(t, hub, "slow", 1)
	fast := registerTestClient(t, hub, "fast", 4)

	hub.broadcast <- []byte(`{"n":1}`)
	hub.broadcast <- []byte(`{"n":2}`)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 500*time.Millisecond, time.Millisecond)

	hub.mu.Lock()
	_, stillThere := hub.clients[fast]
	hub.mu.Unlock()
	assert.True(t, stillThere)

	// The slow client's send channel is drained then closed.
	<-slow.send
	_, ok := <-slow.send
	assert.False(t, ok)
}

func TestHub_PushWhenQueueFull(t *testing.T) {
	hub := newTestHub(t, 1, 1)

	require.NoError(t, hub.Push(context.Background(), NewX10Event(time.Now(), "A1", "on")))
	assert.Error(t, hub.Push(context.Background(), NewX10Event(time.Now(), "A1", "off")))
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	cancel := runHub(t, hub)

	c := registerTestClient(t, hub, "c", 4)
	cancel()

	select {
	case _, ok := <-c.send:
		assert.False(t, ok)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("client send channel not closed on shutdown")
	}
}

func TestHub_ServeHTTPStreamsEvents(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	runHub(t, hub)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)

	at := time.Date(2026, 5, 10, 20, 15, 46, 0, time.UTC)
	require.NoError(t, hub.Push(context.Background(), NewX10Event(at, "B7", "off")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, NewX10Event(at, "B7", "off"), ev)
}
