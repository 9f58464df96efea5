package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_MarshalJSON(t *testing.T) {
	at := time.Date(2026, 5, 10, 22, 15, 46, 123e6, time.FixedZone("CEST", 2*3600))

	b, err := json.Marshal(NewX10Event(at, "A1", "on"))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"status":"success","event":{"eventtype":"x10","ts":"2026-05-10T20:15:46.123Z","code":"A1","function":"on"}}`,
		string(b))

	b, err = json.Marshal(NewGPIOEvent(at, "garage_door", false))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"status":"success","event":{"eventtype":"gpio","ts":"2026-05-10T20:15:46.123Z","pin":"garage_door","state":"LOW"}}`,
		string(b))
}

func TestEvent_MarshalUnknownType(t *testing.T) {
	_, err := json.Marshal(Event{Type: "zwave", At: time.Now()})
	assert.Error(t, err)
}

func TestEvent_UnmarshalJSON(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal(
		[]byte(`{"status":"success","event":{"eventtype":"gpio","ts":"2026-05-10T20:15:46.123Z","pin":"door","state":"HIGH"}}`),
		&ev))
	assert.Equal(t, EventTypeGPIO, ev.Type)
	assert.Equal(t, "door", ev.Subject)
	assert.Equal(t, LevelHigh, ev.Outcome)
	assert.True(t, ev.At.Equal(time.Date(2026, 5, 10, 20, 15, 46, 123e6, time.UTC)))

	err := json.Unmarshal([]byte(`{"status":"success","event":{"eventtype":"zwave","ts":"2026-05-10T20:15:46Z"}}`), &ev)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"status":"success","event":{"eventtype":"x10","ts":"yesterday"}}`), &ev)
	assert.Error(t, err)
}

func TestEvent_String(t *testing.T) {
	at := time.Date(2026, 5, 10, 20, 15, 46, 0, time.UTC)
	assert.Equal(t, "x10(A1=on @ 2026-05-10T20:15:46Z)", NewX10Event(at, "A1", "on").String())
}
