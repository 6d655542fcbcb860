// Package observability exposes the Prometheus collectors of the escrow service.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/usecase"
)

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Metrics implements usecase.Metrics and the reconciler metrics port.
type Metrics struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	reconciled      *prometheus.CounterVec
	outboxDepth     *prometheus.GaugeVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var _ usecase.Metrics = (*Metrics)(nil)

// Default returns the process-wide metrics registered on the default registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics builds the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "engine",
			Name:      "commands_total",
			Help:      "Escrow commands segmented by command and outcome.",
		}, []string{"command", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "engine",
			Name:      "command_duration_seconds",
			Help:      "Latency of escrow commands including ledger settlement.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"command"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "outbox",
			Name:      "reconciled_total",
			Help:      "Outbox entries processed by the reconciler, by outcome.",
		}, []string{"outcome"}),
		outboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "escrow",
			Subsystem: "outbox",
			Name:      "entries",
			Help:      "Entries currently held in the outbox.",
		}, []string{"bucket"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests segmented by route and status code.",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.commands,
			m.commandDuration,
			m.reconciled,
			m.outboxDepth,
			m.requests,
			m.requestDuration,
		)
	}
	return m
}

func (m *Metrics) ObserveCommand(command domain.Command, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.commands.WithLabelValues(string(command), outcome).Inc()
	m.commandDuration.WithLabelValues(string(command)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveReconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetOutboxDepth(pending, dead int) {
	if m == nil {
		return
	}
	m.outboxDepth.WithLabelValues("pending").Set(float64(pending))
	m.outboxDepth.WithLabelValues("dead").Set(float64(dead))
}

// ObserveRequest records one HTTP request. route should be the registered
// pattern, not the raw path.
func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
