package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus collectors.
//
// All methods are safe to call on a nil *Metrics so components can be
// constructed without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	eventsPublished *prometheus.CounterVec
	listenerPushes  *prometheus.CounterVec
	parseSkips      *prometheus.CounterVec
	unsolicited     prometheus.Counter
}

// NewMetrics creates collectors registered on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devicebridge",
				Subsystem: "queue",
				Name:      "commands_total",
				Help:      "Commands resolved by a queue, by outcome.",
			},
			[]string{"queue", "outcome"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "devicebridge",
				Subsystem: "queue",
				Name:      "command_duration_seconds",
				Help:      "Time a command spent in the in-flight slot.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "devicebridge",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Commands waiting to be dequeued.",
			},
			[]string{"queue"},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devicebridge",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Events published to the bridge, by event type.",
			},
			[]string{"type"},
		),
		listenerPushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devicebridge",
				Subsystem: "listener",
				Name:      "pushes_total",
				Help:      "Event pushes to remote listeners, by outcome.",
			},
			[]string{"listener", "outcome"},
		),
		parseSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devicebridge",
				Subsystem: "parser",
				Name:      "skipped_lines_total",
				Help:      "Lines discarded by a parser.",
			},
			[]string{"parser", "reason"},
		),
		unsolicited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "devicebridge",
				Subsystem: "socket",
				Name:      "unsolicited_replies_total",
				Help:      "Inbound socket data received with no outstanding request.",
			},
		),
	}

	m.registry.MustRegister(
		m.commandsTotal,
		m.commandDuration,
		m.queueDepth,
		m.eventsPublished,
		m.listenerPushes,
		m.parseSkips,
		m.unsolicited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) commandFinished(queue string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.commandsTotal.WithLabelValues(queue, outcome).Inc()
	if elapsed > 0 {
		m.commandDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) setQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) eventPublished(t EventType) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) listenerPush(listener string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.listenerPushes.WithLabelValues(listener, outcome).Inc()
}

func (m *Metrics) lineSkipped(parser, reason string) {
	if m == nil {
		return
	}
	m.parseSkips.WithLabelValues(parser, reason).Inc()
}

func (m *Metrics) unsolicitedReply() {
	if m == nil {
		return
	}
	m.unsolicited.Inc()
}
