package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Reading is one 1-wire temperature sample. C and F are nil when the sensor
// content could not be interpreted; Msg then carries the raw content.
type Reading struct {
	Sensor string   `json:"sensor"`
	C      *float64 `json:"c,omitempty"`
	F      *float64 `json:"f,omitempty"`
	Msg    string   `json:"msg,omitempty"`
}

// TemperatureReader reads DS18B20-style sensors from w1_slave files.
type TemperatureReader struct {
	baseDir string
	sensors []string
	devices map[string]string
	logger  *slog.Logger
}

func NewTemperatureReader(cfg TempConfig, logger *slog.Logger) *TemperatureReader {
	if logger == nil {
		logger = discardLogger()
	}
	base := cfg.BaseDir
	if base == "" {
		base = defaultW1BaseDir
	}
	return &TemperatureReader{
		baseDir: base,
		sensors: append([]string(nil), cfg.Sensors...),
		devices: cfg.Devices,
		logger:  logger.With("component", "temperature"),
	}
}

// Sensors returns the configured sensor ids.
func (t *TemperatureReader) Sensors() []string {
	return append([]string(nil), t.sensors...)
}

// ReadAll reads every configured sensor concurrently. Readings are returned in
// configuration order.
func (t *TemperatureReader) ReadAll(ctx context.Context) ([]Reading, error) {
	out := make([]Reading, len(t.sensors))

	g, ctx := errgroup.WithContext(ctx)
	for i, sensor := range t.sensors {
		g.Go(func() error {
			r, err := t.read(ctx, sensor)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Read reads one sensor by id. Unknown ids yield no readings.
func (t *TemperatureReader) Read(ctx context.Context, sensor string) ([]Reading, error) {
	for _, s := range t.sensors {
		if s != sensor {
			continue
		}
		r, err := t.read(ctx, s)
		if err != nil {
			return nil, err
		}
		return []Reading{r}, nil
	}
	return []Reading{}, nil
}

// read only fails on cancellation; I/O and content problems become Msg.
func (t *TemperatureReader) read(ctx context.Context, sensor string) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	key, ok := t.devices[sensor]
	if !ok {
		return Reading{Sensor: sensor, Msg: "no device key configured"}, nil
	}

	path := filepath.Join(t.baseDir, key, "w1_slave")
	b, err := os.ReadFile(path)
	if err != nil {
		t.logger.Warn("sensor read failed", "sensor", sensor, "path", path, "error", err)
		return Reading{Sensor: sensor, Msg: err.Error()}, nil
	}

	r := parseReading(sensor, string(b))
	if r.Msg != "" {
		t.logger.Warn("unexpected sensor content", "sensor", sensor, "content", r.Msg)
	}
	return r, nil
}

// parseReading interprets w1_slave content:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func parseReading(sensor, content string) Reading {
	r := Reading{Sensor: sensor}
	if strings.TrimSpace(content) == "" {
		r.Msg = "empty sensor output"
		return r
	}
	lines := strings.Split(content, "\n")
	if len(lines) < 2 {
		r.Msg = strings.Join(lines, ",")
		return r
	}

	idx := strings.LastIndexByte(lines[1], '=')
	if idx <= 0 {
		r.Msg = strings.Join(lines, ",")
		return r
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(lines[1][idx+1:]), 64)
	if err != nil {
		r.Msg = fmt.Sprintf("%s (%v)", strings.Join(lines, ","), err)
		return r
	}

	c := milli / 1000.0
	f := c*9.0/5.0 + 32.0
	r.C, r.F = &c, &f
	return r
}
