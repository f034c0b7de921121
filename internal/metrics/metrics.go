// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Call outcomes.
const (
	OutcomeResult         = "result"
	OutcomeNotImplemented = "not_implemented"
	OutcomeInvalid        = "invalid"
	OutcomeError          = "error"
)

// Metrics owns a dedicated registry so several instances can coexist in
// one process (tests, embedded servers).
type Metrics struct {
	reg *prometheus.Registry

	calls       *prometheus.CounterVec
	postErrors  *prometheus.CounterVec
	handlerTime *prometheus.HistogramVec
	tablesBuilt prometheus.Counter
	connections prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ocppgate_calls_total", Help: "inbound calls by action and outcome"},
			[]string{"action", "outcome"},
		),
		postErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ocppgate_post_handler_errors_total", Help: "post handler failures by action"},
			[]string{"action"},
		),
		handlerTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ocppgate_handler_seconds",
				Help:    "primary handler latency.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"action"},
		),
		tablesBuilt: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "ocppgate_route_tables_built_total", Help: "route tables built for accepted connections"},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "ocppgate_connections", Help: "open charge point connections"},
		),
	}
	m.reg.MustRegister(
		m.calls,
		m.postErrors,
		m.handlerTime,
		m.tablesBuilt,
		m.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// All methods are no-ops on a nil *Metrics.

func (m *Metrics) Call(action, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) PostError(action string) {
	if m == nil {
		return
	}
	m.postErrors.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveHandler(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerTime.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) TableBuilt() {
	if m == nil {
		return
	}
	m.tablesBuilt.Inc()
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler returns the /metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
