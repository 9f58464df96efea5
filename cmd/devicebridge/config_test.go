package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
x10:
  enabled: true
  heyu: /usr/local/bin/heyu
  known_codes: [A1, A2, B3]
  monitor: true

ir:
  enabled: true
  host: itach.local
  devices:
    tv:
      address: "1:1"
      codes:
        power: "38000,1,1,343,171,21,21"
      pauses:
        power: 200

gpio:
  enabled: true
  pins:
    - pin: 17
      mode: digitalinput
      label: garage_door
    - pin: 27
      mode: digitaloutput
      label: garage_opener

temp:
  sensors: [outside]
  devices:
    outside: 28-000005e2fdc3

listeners:
  - url: http://hub.local:39500/
  - name: broker
    url: mqtt://broker.local:1883

logging:
  level: debug
`

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/usr/local/bin/heyu", cfg.X10.Heyu)
	assert.Equal(t, []string{"A1", "A2", "B3"}, cfg.X10.KnownCodes)

	// Defaults survive fields the file does not mention.
	assert.Equal(t, defaultIRPort, cfg.IR.Port)
	assert.Equal(t, defaultPollMS, cfg.GPIO.PollIntervalMS)
	assert.Equal(t, defaultW1BaseDir, cfg.Temp.BaseDir)
	assert.Equal(t, defaultHTTPPort, cfg.HTTP.Port)

	assert.Equal(t, "listener-0", cfg.Listeners[0].Name)
	assert.Empty(t, cfg.Listeners[0].Topic)
	assert.Equal(t, defaultMQTTTopic, cfg.Listeners[1].Topic)
}

func TestParseConfig_RejectsUnknownFields(t *testing.T) {
	_, err := parseConfig([]byte("x10:\n  heyuu: /bin/heyu\n"))
	assert.Error(t, err)

	_, err = parseConfig([]byte("http:\n  port: 1\n---\nhttp:\n  port: 2\n"))
	assert.Error(t, err)

	_, err = parseConfig([]byte("http:\n  port: 1\n---\nbogus: true\n"))
	assert.Error(t, err)

	cfg, err := parseConfig([]byte("http:\n  port: 1\n# trailing comment\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.HTTP.Port)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devicebridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.IR.Enabled)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfigFile("")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad known code", func(c *Config) { c.X10.KnownCodes = []string{"Q1"} }},
		{"empty heyu", func(c *Config) { c.X10.Heyu = "" }},
		{"ir without host", func(c *Config) { c.IR.Enabled = true }},
		{"negative pause", func(c *Config) {
			c.IR.Enabled, c.IR.Host = true, "itach"
			c.IR.Devices["tv"] = IRDeviceConfig{Pauses: map[string]int{"power": -1}}
		}},
		{"bad pin mode", func(c *Config) {
			c.GPIO.Enabled = true
			c.GPIO.Pins = []PinConfig{{Pin: 4, Mode: "pwm", Label: "x"}}
		}},
		{"duplicate label", func(c *Config) {
			c.GPIO.Enabled = true
			c.GPIO.Pins = []PinConfig{
				{Pin: 4, Mode: pinModeInput, Label: "x"},
				{Pin: 5, Mode: pinModeInput, Label: "x"},
			}
		}},
		{"sensor without device", func(c *Config) { c.Temp.Sensors = []string{"attic"} }},
		{"listener scheme", func(c *Config) { c.Listeners = []ListenerConfig{{URL: "ftp://x"}} }},
		{"listener url", func(c *Config) { c.Listeners = []ListenerConfig{{URL: "not a url"}} }},
		{"http port", func(c *Config) { c.HTTP.Port = 70000 }},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestFlagOverrides(t *testing.T) {
	cfg := DefaultConfig()
	host, port, url, level := "10.0.0.9", 4999, "http://hub:39500", "warn"

	FlagOverrides{IRHost: &host, IRPort: &port, ListenerURL: &url, LogLevel: &level}.Apply(&cfg)

	assert.True(t, cfg.IR.Enabled)
	assert.Equal(t, "10.0.0.9", cfg.IR.Host)
	assert.Equal(t, 4999, cfg.IR.Port)
	assert.Equal(t, []ListenerConfig{{Name: "hub", URL: "http://hub:39500"}}, cfg.Listeners)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, defaultHTTPPort, cfg.HTTP.Port, "unset overrides leave the config alone")
}

func TestIRConfigLookups(t *testing.T) {
	c := IRConfig{
		Devices: map[string]IRDeviceConfig{
			"tv": {
				Address: "1:1",
				Codes:   map[string]string{"power": "38000,1", "blank": "  "},
				Pauses:  map[string]int{"power": 250},
			},
		},
	}

	assert.Equal(t, "1:1", c.Address("tv"))
	assert.Equal(t, defaultIRAddress, c.Address("radio"))
	c.DefaultAddress = "1:2"
	assert.Equal(t, "1:2", c.Address("radio"))

	code, ok := c.Code("tv", "power")
	assert.True(t, ok)
	assert.Equal(t, "38000,1", code)
	_, ok = c.Code("tv", "blank")
	assert.False(t, ok)
	_, ok = c.Code("radio", "power")
	assert.False(t, ok)

	d, ok := c.Pause("tv", "power")
	assert.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)
	_, ok = c.Pause("tv", "mute")
	assert.False(t, ok)
}

func TestValidX10Code(t *testing.T) {
	for _, s := range []string{"A1", "P16", "C9"} {
		assert.True(t, validX10Code(s), s)
	}
	for _, s := range []string{"", "A", "A0", "A17", "Q1", "a1", "A1x", "A100"} {
		assert.False(t, validX10Code(s), s)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, "", ExpandPath(""))
	assert.Equal(t, "/tmp/x.sock", ExpandPath("/tmp/x.sock"))
	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, filepath.Join(home, "devicebridge.sock"), ExpandPath("~/devicebridge.sock"))
	assert.Equal(t, "~other/x", ExpandPath("~other/x"))
}
