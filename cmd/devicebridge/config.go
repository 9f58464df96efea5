package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the devicebridge daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume a
// well-formed config.
type Config struct {
	// X10 power-line controller (heyu)
	X10 X10Config `yaml:"x10"`

	// Infrared blaster (iTach) reachable over TCP
	IR IRConfig `yaml:"ir"`

	// GPIO pins
	GPIO GPIOConfig `yaml:"gpio"`

	// 1-wire temperature sensors
	Temp TempConfig `yaml:"temp"`

	// Remote listeners receiving state change events
	Listeners []ListenerConfig `yaml:"listeners"`

	// REST API / event websocket / metrics
	HTTP HTTPConfig `yaml:"http"`

	// IPC configuration (used by devicebridge-ctl)
	IPC IPCConfig `yaml:"ipc"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type X10Config struct {
	Enabled    bool     `yaml:"enabled"`
	Heyu       string   `yaml:"heyu"`        // path to the heyu binary
	KnownCodes []string `yaml:"known_codes"` // e.g. ["A1", "A2", "B3"]
	Monitor    bool     `yaml:"monitor"`     // run "heyu monitor" and publish events
}

type IRConfig struct {
	Enabled        bool                      `yaml:"enabled"`
	Host           string                    `yaml:"host"`
	Port           int                       `yaml:"port"`
	DefaultAddress string                    `yaml:"default_address"`
	Devices        map[string]IRDeviceConfig `yaml:"devices"`
}

// IRDeviceConfig holds the code table for one IR-controlled device.
type IRDeviceConfig struct {
	Address string            `yaml:"address"`          // iTach module:port, e.g. "1:3"
	Codes   map[string]string `yaml:"codes"`            // action -> raw sendir code sequence
	Pauses  map[string]int    `yaml:"pauses,omitempty"` // action -> delay in ms before sending
}

type GPIOConfig struct {
	Enabled        bool        `yaml:"enabled"`
	SysfsRoot      string      `yaml:"sysfs_root"`
	PollIntervalMS int         `yaml:"poll_interval_ms"`
	ToggleHoldMS   int         `yaml:"toggle_hold_ms"`
	Pins           []PinConfig `yaml:"pins"`
}

type PinConfig struct {
	Pin   int    `yaml:"pin"`
	Mode  string `yaml:"mode"` // "digitalinput" or "digitaloutput"
	Label string `yaml:"label"`
}

type TempConfig struct {
	Sensors     []string          `yaml:"sensors"`
	Devices     map[string]string `yaml:"devices"` // sensor id -> 1-wire device key
	BaseDir     string            `yaml:"base_dir"`
	LoadModules bool              `yaml:"load_modules"`
}

// ListenerConfig describes one remote event listener.
//
// http(s) URLs receive a JSON POST per event; mqtt/tcp/ssl/tls URLs publish the
// same JSON body to Topic.
type ListenerConfig struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Topic string `yaml:"topic,omitempty"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	pinModeInput  = "digitalinput"
	pinModeOutput = "digitaloutput"

	defaultIRAddress   = "1:3"
	defaultMQTTTopic   = "devicebridge/events"
	defaultIRPort      = 4998
	defaultHTTPPort    = 8080
	defaultPollMS      = 250
	defaultToggleMS    = 500
	defaultSocketPath  = "/tmp/devicebridge.sock"
	defaultW1BaseDir   = "/sys/bus/w1/devices"
	defaultGPIORoot    = "/sys/class/gpio"
	defaultHeyuCommand = "heyu"
)

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		X10: X10Config{
			Enabled: true,
			Heyu:    defaultHeyuCommand,
			Monitor: true,
		},
		IR: IRConfig{
			Enabled:        false,
			Port:           defaultIRPort,
			DefaultAddress: defaultIRAddress,
			Devices:        map[string]IRDeviceConfig{},
		},
		GPIO: GPIOConfig{
			Enabled:        false,
			SysfsRoot:      defaultGPIORoot,
			PollIntervalMS: defaultPollMS,
			ToggleHoldMS:   defaultToggleMS,
		},
		Temp: TempConfig{
			BaseDir: defaultW1BaseDir,
			Devices: map[string]string{},
		},
		HTTP: HTTPConfig{
			Port: defaultHTTPPort,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides carries command line overrides. Each override is only applied
// when its pointer is non-nil.
type FlagOverrides struct {
	HeyuPath      *string
	IRHost        *string
	IRPort        *int
	HTTPPort      *int
	IPCSocketPath *string
	ListenerURL   *string
	LogLevel      *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.HeyuPath != nil {
		cfg.X10.Heyu = *o.HeyuPath
	}
	if o.IRHost != nil {
		cfg.IR.Host = *o.IRHost
		cfg.IR.Enabled = *o.IRHost != ""
	}
	if o.IRPort != nil {
		cfg.IR.Port = *o.IRPort
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.ListenerURL != nil && *o.ListenerURL != "" {
		cfg.Listeners = append(cfg.Listeners, ListenerConfig{Name: "hub", URL: *o.ListenerURL})
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	if c.X10.Enabled {
		if c.X10.Heyu == "" {
			return errors.New("x10.heyu must not be empty when x10 is enabled")
		}
		for i, code := range c.X10.KnownCodes {
			if !validX10Code(code) {
				return fmt.Errorf("x10.known_codes[%d] %q is not a house/unit code", i, code)
			}
		}
	}

	if c.IR.Enabled {
		if c.IR.Host == "" {
			return errors.New("ir.host must not be empty when ir is enabled")
		}
		if c.IR.Port <= 0 || c.IR.Port > 65535 {
			return errors.New("ir.port must be between 1 and 65535")
		}
		for dev, d := range c.IR.Devices {
			for action, ms := range d.Pauses {
				if ms < 0 {
					return fmt.Errorf("ir.devices.%s.pauses.%s must be >= 0", dev, action)
				}
			}
		}
	}

	if c.GPIO.Enabled {
		if c.GPIO.PollIntervalMS <= 0 {
			return errors.New("gpio.poll_interval_ms must be > 0")
		}
		if c.GPIO.ToggleHoldMS < 0 {
			return errors.New("gpio.toggle_hold_ms must be >= 0")
		}
		labels := make(map[string]bool, len(c.GPIO.Pins))
		for i, p := range c.GPIO.Pins {
			if p.Pin <= 0 {
				return fmt.Errorf("gpio.pins[%d].pin must be > 0", i)
			}
			if p.Mode != pinModeInput && p.Mode != pinModeOutput {
				return fmt.Errorf("gpio.pins[%d].mode must be %q or %q", i, pinModeInput, pinModeOutput)
			}
			if p.Label == "" {
				return fmt.Errorf("gpio.pins[%d].label is empty", i)
			}
			if labels[p.Label] {
				return fmt.Errorf("gpio.pins[%d].label %q is duplicated", i, p.Label)
			}
			labels[p.Label] = true
		}
	}

	for _, s := range c.Temp.Sensors {
		if _, ok := c.Temp.Devices[s]; !ok {
			return fmt.Errorf("temp.devices has no device key for sensor %q", s)
		}
	}

	for i := range c.Listeners {
		l := &c.Listeners[i]
		if l.Name == "" {
			l.Name = fmt.Sprintf("listener-%d", i)
		}
		u, err := url.Parse(l.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("listeners[%d].url %q is not a valid URL", i, l.URL)
		}
		switch u.Scheme {
		case "http", "https":
		case "mqtt", "tcp", "ssl", "tls", "ws", "wss":
			if l.Topic == "" {
				l.Topic = defaultMQTTTopic
			}
		default:
			return fmt.Errorf("listeners[%d].url has unsupported scheme %q", i, u.Scheme)
		}
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 and 65535")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// Address returns the iTach connector address for device, falling back to the
// configured default.
func (c IRConfig) Address(device string) string {
	if d, ok := c.Devices[device]; ok && d.Address != "" {
		return d.Address
	}
	if c.DefaultAddress != "" {
		return c.DefaultAddress
	}
	return defaultIRAddress
}

// Code looks up the sendir code sequence for device+action.
func (c IRConfig) Code(device, action string) (string, bool) {
	d, ok := c.Devices[device]
	if !ok {
		return "", false
	}
	code, ok := d.Codes[action]
	if !ok || strings.TrimSpace(code) == "" {
		return "", false
	}
	return code, true
}

// Pause returns the configured delay to apply before sending device+action.
func (c IRConfig) Pause(device, action string) (time.Duration, bool) {
	d, ok := c.Devices[device]
	if !ok {
		return 0, false
	}
	ms, ok := d.Pauses[action]
	if !ok {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// validX10Code reports whether s looks like a house/unit code (A1..P16).
func validX10Code(s string) bool {
	if len(s) < 2 || len(s) > 3 {
		return false
	}
	house := s[0]
	if house < 'A' || house > 'P' {
		return false
	}
	n := 0
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
	}
	return n >= 1 && n <= 16
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
