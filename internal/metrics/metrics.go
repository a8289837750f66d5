// Package metrics exposes Prometheus instrumentation for the tool server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_resource"

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ToolCallDuration *prometheus.HistogramVec
	ToolCallCount    *prometheus.CounterVec

	RateLimited    *prometheus.CounterVec
	SecurityEvents *prometheus.CounterVec

	FallbackFailures *prometheus.CounterVec
	StoreRemovals    *prometheus.CounterVec

	WebSocketConnections prometheus.Gauge
}

// New creates a Metrics instance on its own registry, so several servers
// can live in one process (tests do).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tools",
				Name:      "call_duration_seconds",
				Help:      "Duration of tool calls in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"tool"},
		),
		ToolCallCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tools",
				Name:      "calls_total",
				Help:      "Total number of tool calls by result code",
			},
			[]string{"tool", "code"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "rejected_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"backend"},
		),
		SecurityEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sandbox",
				Name:      "violations_total",
				Help:      "Rejected sandbox accesses by kind",
			},
			[]string{"kind", "tool"},
		),
		FallbackFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fallback",
				Name:      "failures_total",
				Help:      "Fallback cache operations that failed or timed out",
			},
			[]string{"op"},
		),
		StoreRemovals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "memory",
				Name:      "removals_total",
				Help:      "Entries removed from the memory store by reason",
			},
			[]string{"reason"},
		),
		WebSocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "websocket",
				Name:      "connections",
				Help:      "Open WebSocket connections",
			},
		),
	}
}

// RegisterStoreGauges publishes store usage, read at scrape time.
func (m *Metrics) RegisterStoreGauges(usage func() (bytes int64, keys int)) {
	if m == nil {
		return
	}
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "memory",
		Name:      "used_bytes",
		Help:      "Bytes held by live and not yet purged entries",
	}, func() float64 {
		b, _ := usage()
		return float64(b)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "memory",
		Name:      "keys",
		Help:      "Entries held by the memory store",
	}, func() float64 {
		_, k := usage()
		return float64(k)
	})
}

func (m *Metrics) ObserveToolCall(tool, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
	m.ToolCallCount.WithLabelValues(tool, code).Inc()
}

func (m *Metrics) ObserveRateLimited(backend string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(backend).Inc()
}

func (m *Metrics) ObserveSecurityEvent(kind, tool string) {
	if m == nil {
		return
	}
	m.SecurityEvents.WithLabelValues(kind, tool).Inc()
}

func (m *Metrics) ObserveFallbackFailure(op string) {
	if m == nil {
		return
	}
	m.FallbackFailures.WithLabelValues(op).Inc()
}

// ObserveRemoval implements memory.Observer
func (m *Metrics) ObserveRemoval(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StoreRemovals.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) WebSocketOpened() {
	if m != nil {
		m.WebSocketConnections.Inc()
	}
}

func (m *Metrics) WebSocketClosed() {
	if m != nil {
		m.WebSocketConnections.Dec()
	}
}

// Gatherer exposes the registry for tests and custom exporters
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
