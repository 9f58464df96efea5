package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolvedHandle(cmd Command, err error, vals ...string) *Handle {
	h := newHandle(cmd)
	for _, v := range vals {
		h.emit(v)
	}
	h.resolve(err)
	return h
}

type fakeX10 struct {
	mu     sync.Mutex
	sent   []X10Command
	err    error
	states []X10Status
}

func (f *fakeX10) Send(code, function string) *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := X10Command{Code: code, Function: function}
	f.sent = append(f.sent, cmd)
	return resolvedHandle(cmd, f.err)
}

func (f *fakeX10) Sent() []X10Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]X10Command(nil), f.sent...)
}

func (f *fakeX10) Status(context.Context) ([]X10Status, error) {
	return f.states, f.err
}

type fakeIR struct {
	sent []IRCommand
}

func (f *fakeIR) Send(cmds []IRCommand) []*Handle {
	var hs []*Handle
	for _, c := range cmds {
		f.sent = append(f.sent, c)
		if c.Action == "missing" {
			hs = append(hs, resolvedHandle(c, fmt.Errorf("%w matching key %s.%s", ErrNoIRCode, c.Device, c.Action)))
			continue
		}
		hs = append(hs, resolvedHandle(c, nil, "completeir,1:1,1"))
	}
	return hs
}

func (f *fakeIR) NetworkStatus() *Handle {
	return resolvedHandle(RawCommand{Payload: netStatusCommand}, nil, "NET,0:1,LOCKED,DHCP,192.168.1.70")
}

type fakeTemp struct{}

func (fakeTemp) ReadAll(context.Context) ([]Reading, error) {
	c, f := 20.0, 68.0
	return []Reading{{Sensor: "outside", C: &c, F: &f}, {Sensor: "inside", Msg: "no device key configured"}}, nil
}

func (fakeTemp) Read(_ context.Context, sensor string) ([]Reading, error) {
	if sensor != "outside" {
		return []Reading{}, nil
	}
	c, f := 20.0, 68.0
	return []Reading{{Sensor: "outside", C: &c, F: &f}}, nil
}

type fakeGPIO struct {
	mu      sync.Mutex
	sets    map[string]bool
	toggled []string
	hold    time.Duration
}

func (f *fakeGPIO) States() []PinStatus {
	return []PinStatus{{Address: 17, Label: "door", Mode: pinModeInput, State: LevelHigh}}
}

func (f *fakeGPIO) State(label string) (PinStatus, error) {
	if label != "door" {
		return PinStatus{}, fmt.Errorf("%w: %q", ErrUnknownPin, label)
	}
	return f.States()[0], nil
}

func (f *fakeGPIO) SetPin(label string, high bool) error {
	switch label {
	case "door":
		return fmt.Errorf("%w: %q", ErrNotOutput, label)
	case "relay":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPin, label)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets == nil {
		f.sets = map[string]bool{}
	}
	f.sets[label] = high
	return nil
}

func (f *fakeGPIO) Toggle(_ context.Context, label string, hold time.Duration) error {
	if err := f.SetPin(label, true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggled = append(f.toggled, label)
	f.hold = hold
	return nil
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestAPI_Health(t *testing.T) {
	h := (&APIServer{}).Router()

	code, body := doRequest(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = doRequest(t, h, http.MethodGet, "/api/", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["message"], "devicebridge")
}

func TestAPI_DisabledServices(t *testing.T) {
	h := (&APIServer{}).Router()

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/x10"},
		{http.MethodPost, "/api/x10"},
		{http.MethodGet, "/api/itachnet"},
		{http.MethodPost, "/api/sendir"},
		{http.MethodGet, "/api/temp"},
		{http.MethodGet, "/api/gpiostate"},
		{http.MethodPost, "/api/gpioset"},
	} {
		code, body := doRequest(t, h, tc.method, tc.path, "{}")
		assert.Equal(t, http.StatusServiceUnavailable, code, tc.path)
		assert.Equal(t, statusFailed, body["status"], tc.path)
	}
}

func TestAPI_X10Send(t *testing.T) {
	x := &fakeX10{}
	h := (&APIServer{X10: x}).Router()

	code, body := doRequest(t, h, http.MethodPost, "/api/x10", `{"housecodeunit":"A1","function":"on"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, statusSuccess, body["status"])
	assert.Equal(t, []any{}, body["results"])
	assert.Equal(t, []X10Command{{Code: "A1", Function: "on"}}, x.sent)

	x.err = errors.New("heyu: Unable to open tty line")
	code, body = doRequest(t, h, http.MethodPost, "/api/x10", `{"housecodeunit":"A1","function":"on"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, statusFailed, body["status"])
	assert.Equal(t, "heyu: Unable to open tty line", body["message"])

	code, body = doRequest(t, h, http.MethodPost, "/api/x10", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, statusFailed, body["status"])
}

func TestAPI_X10Status(t *testing.T) {
	x := &fakeX10{states: []X10Status{{Code: "A1", Status: "on"}, {Code: "A2", Status: "off"}}}
	h := (&APIServer{X10: x}).Router()

	code, body := doRequest(t, h, http.MethodGet, "/api/x10", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, statusSuccess, body["status"])
	assert.Equal(t, []any{
		map[string]any{"code": "A1", "status": "on"},
		map[string]any{"code": "A2", "status": "off"},
	}, body["x10state"])

	x.err = ErrQueueClosed
	code, body = doRequest(t, h, http.MethodGet, "/api/x10", "")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, statusFailed, body["status"])
}

func TestAPI_SendIR(t *testing.T) {
	ir := &fakeIR{}
	h := (&APIServer{IR: ir}).Router()

	code, body := doRequest(t, h, http.MethodPost, "/api/sendir",
		`{"commands":[{"device":"tv","action":"power"},{"device":"receiver","action":"power","location":"den"}]}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"completeir,1:1,1", "completeir,1:1,1"}, body["rsp"])
	require.Len(t, ir.sent, 2)
	assert.Equal(t, "den", ir.sent[1].Location)

	code, body = doRequest(t, h, http.MethodPost, "/api/sendir",
		`{"commands":[{"device":"tv","action":"missing"}]}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "tv.missing")

	code, _ = doRequest(t, h, http.MethodPost, "/api/sendir", `{"commands":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_ITachNet(t *testing.T) {
	h := (&APIServer{IR: &fakeIR{}}).Router()

	code, body := doRequest(t, h, http.MethodGet, "/api/itachnet", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "NET,0:1,LOCKED,DHCP,192.168.1.70", body["rsp"])
}

func TestAPI_Temp(t *testing.T) {
	h := (&APIServer{Temp: fakeTemp{}}).Router()

	code, body := doRequest(t, h, http.MethodGet, "/api/temp", "")
	assert.Equal(t, http.StatusOK, code)
	readings := body["temperature"].([]any)
	require.Len(t, readings, 2)
	assert.Equal(t, map[string]any{"sensor": "outside", "c": 20.0, "f": 68.0}, readings[0])
	assert.Equal(t, map[string]any{"sensor": "inside", "msg": "no device key configured"}, readings[1])

	_, body = doRequest(t, h, http.MethodGet, "/api/temp/outside", "")
	assert.Len(t, body["temperature"], 1)

	_, body = doRequest(t, h, http.MethodGet, "/api/temp/attic", "")
	assert.Equal(t, []any{}, body["temperature"])
}

func TestAPI_GPIO(t *testing.T) {
	g := &fakeGPIO{}
	h := (&APIServer{GPIO: g, ToggleHold: 250 * time.Millisecond}).Router()

	code, body := doRequest(t, h, http.MethodGet, "/api/gpiostate", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["gpiostate"], 1)

	code, body = doRequest(t, h, http.MethodGet, "/api/gpiostate/door", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"address": 17.0, "label": "door", "mode": pinModeInput, "state": LevelHigh}, body["gpiostate"])

	code, body = doRequest(t, h, http.MethodGet, "/api/gpiostate/attic", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "no pin with label attic", body["message"])

	for _, state := range []string{`true`, `1`, `"HIGH"`, `"on"`} {
		code, _ = doRequest(t, h, http.MethodPost, "/api/gpioset", `{"pin":"relay","state":`+state+`}`)
		assert.Equal(t, http.StatusOK, code, state)
		assert.True(t, g.sets["relay"], state)
	}
	code, _ = doRequest(t, h, http.MethodPost, "/api/gpioset", `{"pin":"relay","state":"low"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, g.sets["relay"])

	code, _ = doRequest(t, h, http.MethodPost, "/api/gpioset", `{"pin":"relay","state":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doRequest(t, h, http.MethodPost, "/api/gpioset", `{"pin":"door","state":1}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = doRequest(t, h, http.MethodPost, "/api/gpioset", `{"pin":"attic","state":1}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = doRequest(t, h, http.MethodPost, "/api/gpiotoggle", `{"pin":"relay"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, statusSuccess, body["status"])
	assert.Equal(t, []string{"relay"}, g.toggled)
	assert.Equal(t, 250*time.Millisecond, g.hold)
}

func TestAPI_MetricsAndEventsMounted(t *testing.T) {
	m := NewMetrics()
	hub := newTestHub(t, 1, 1)
	h := (&APIServer{Metric: m.Handler(), Events: hub}).Router()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	// A plain GET without upgrade headers is rejected by the websocket upgrader.
	req = httptest.NewRequest(http.MethodGet, "/events", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
