package main

import (
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// X10 line protocol parsing
// ============================================================================
// Two shapes of heyu output are understood:
//
//   state dump ("heyu show h"):
//     Housecode A (*1-- *3--)
//
//   continuous monitor ("heyu monitor"):
//     05/10 20:15:45  rcvi addr unit       1 : hu A1  (porch)
//     05/10 20:15:45  rcvi func          On : hc A
// ============================================================================

// X10Status is the on/off state of one known device code.
type X10Status struct {
	Code   string `json:"code"`
	Status string `json:"status"`
}

const (
	x10On  = "on"
	x10Off = "off"
)

// ParseStatusDump reports every known code as on or off, in the order given.
// Codes with no active bit in the dump are off.
func ParseStatusDump(lines []string, known []string) []X10Status {
	active := make(map[string]bool)
	for _, line := range lines {
		for _, code := range activeCodes(line) {
			active[code] = true
		}
	}

	out := make([]X10Status, 0, len(known))
	for _, k := range known {
		st := x10Off
		if active[strings.ToUpper(strings.TrimSpace(k))] {
			st = x10On
		}
		out = append(out, X10Status{Code: k, Status: st})
	}
	return out
}

// activeCodes extracts the active unit codes from one housecode line.
//
// Each '*' in the bracketed mask marks an active unit. Digits directly after
// the '*' name the unit; otherwise the 1-based position in the mask does.
func activeCodes(line string) []string {
	line = strings.TrimSpace(line)
	i := strings.Index(line, "Housecode")
	if i < 0 {
		return nil
	}
	rest := strings.Fields(line[i+len("Housecode"):])
	if len(rest) == 0 {
		return nil
	}
	house := strings.ToUpper(rest[0][:1])

	lp := strings.IndexByte(line, '(')
	rp := strings.LastIndexByte(line, ')')
	if lp < 0 || rp <= lp {
		return nil
	}
	mask := line[lp+1 : rp]

	var codes []string
	for pos := 0; pos < len(mask); pos++ {
		if mask[pos] != '*' {
			continue
		}
		end := pos + 1
		for end < len(mask) && mask[end] >= '0' && mask[end] <= '9' {
			end++
		}
		unit := pos + 1
		if end > pos+1 {
			unit, _ = strconv.Atoi(mask[pos+1 : end])
		}
		codes = append(codes, house+strconv.Itoa(unit))
	}
	return codes
}

// ============================================================================
// Monitor parser - idle / address-pending state machine
// ============================================================================

type monitorState int

const (
	monitorIdle monitorState = iota
	monitorAddressPending
)

func (s monitorState) String() string {
	if s == monitorAddressPending {
		return "address-pending"
	}
	return "idle"
}

const (
	monitorTimeLayout = "01/02 15:04:05"

	addrMinTokens = 9
	funcMinTokens = 5
)

var monitorBanners = []string{"Monitor started", "Monitor reconnected"}

// MonitorParser turns monitor lines into X10 events.
//
// An address line caches its device code; the next function line for the same
// house code consumes it and yields one event. The parser is not safe for
// concurrent use; feed it from a single goroutine.
type MonitorParser struct {
	state   monitorState
	pending string

	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

func NewMonitorParser(logger *slog.Logger, metrics *Metrics) *MonitorParser {
	if logger == nil {
		logger = discardLogger()
	}
	return &MonitorParser{
		now:     time.Now,
		logger:  logger.With("parser", "x10-monitor"),
		metrics: metrics,
	}
}

// Pending returns the cached address, if any.
func (p *MonitorParser) Pending() (string, bool) {
	return p.pending, p.state == monitorAddressPending
}

// Feed consumes one line and returns an event when the line completes one.
func (p *MonitorParser) Feed(line string) (Event, bool) {
	tok := strings.Fields(line)
	switch {
	case len(tok) == 0:
		return Event{}, false
	case isMonitorBanner(line):
		p.logger.Debug("monitor banner", "line", line)
		return Event{}, false
	case len(tok) > 3 && tok[3] == "addr":
		p.onAddress(line, tok)
		return Event{}, false
	case len(tok) > 3 && tok[3] == "func":
		return p.onFunction(line, tok)
	default:
		p.skip("unrecognized", line)
		return Event{}, false
	}
}

func (p *MonitorParser) onAddress(line string, tok []string) {
	if len(tok) < addrMinTokens {
		p.reset()
		p.skip("short_addr", line)
		return
	}
	if p.state == monitorAddressPending {
		p.logger.Debug("replacing pending address", "old", p.pending, "new", tok[8])
	}
	p.pending = tok[8]
	p.state = monitorAddressPending
}

func (p *MonitorParser) onFunction(line string, tok []string) (Event, bool) {
	if len(tok) < funcMinTokens {
		p.skip("short_func", line)
		return Event{}, false
	}
	if p.state != monitorAddressPending {
		p.skip("no_pending_addr", line)
		return Event{}, false
	}

	code := p.pending
	if len(tok) > 7 && !strings.EqualFold(tok[7], houseOf(code)) {
		p.reset()
		p.skip("house_mismatch", line)
		return Event{}, false
	}
	p.reset()

	at, err := p.timestamp(tok[0], tok[1])
	if err != nil {
		p.logger.Warn("monitor timestamp unparseable; using receive time", "line", line, "error", err)
		at = p.now()
	}

	ev := NewX10Event(at, code, strings.ToLower(tok[4]))
	p.logger.Debug("monitor event", "event", ev.String())
	return ev, true
}

// timestamp parses "MM/DD HH:MM:SS" and moves it into the current year.
func (p *MonitorParser) timestamp(date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation(monitorTimeLayout, date+" "+clock, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(p.now().Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.Local), nil
}

func (p *MonitorParser) reset() {
	p.state = monitorIdle
	p.pending = ""
}

func (p *MonitorParser) skip(reason, line string) {
	p.metrics.lineSkipped("x10-monitor", reason)
	if reason == "unrecognized" || reason == "no_pending_addr" {
		p.logger.Debug("monitor line discarded", "reason", reason, "line", line)
		return
	}
	p.logger.Warn("monitor line discarded", "reason", reason, "line", line)
}

func isMonitorBanner(line string) bool {
	for _, b := range monitorBanners {
		if strings.Contains(line, b) {
			return true
		}
	}
	return false
}

func houseOf(code string) string {
	if code == "" {
		return ""
	}
	return code[:1]
}
