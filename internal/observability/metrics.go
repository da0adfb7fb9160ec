// Package observability exposes prometheus instrumentation for the
// orchestration core.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters and gauges shared across components.
type Metrics struct {
	registry *prometheus.Registry

	ClaimsAttempted prometheus.Counter
	ClaimsWon       prometheus.Counter
	ClaimsLost      prometheus.Counter

	EventsIngested *prometheus.CounterVec
	CacheFlushes   prometheus.Counter
	DurableFlushes prometheus.Counter
	ActiveSessions prometheus.Gauge
	SessionsSwept  prometheus.Counter

	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics builds a metrics set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		ClaimsAttempted: factory.NewCounter(prometheus.CounterOpts{
			Name: "wegent_dispatch_claims_attempted_total",
			Help: "Subtask claim attempts, including races lost to other workers.",
		}),
		ClaimsWon: factory.NewCounter(prometheus.CounterOpts{
			Name: "wegent_dispatch_claims_won_total",
			Help: "Subtask claims that flipped PENDING to RUNNING.",
		}),
		ClaimsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "wegent_dispatch_claims_lost_total",
			Help: "Subtask claims where the conditional update affected zero rows.",
		}),
		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wegent_streaming_events_ingested_total",
			Help: "Streaming events processed, by event type.",
		}, []string{"type"}),
		CacheFlushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "wegent_streaming_cache_flushes_total",
			Help: "Stream buffer writes to the fast cache.",
		}),
		DurableFlushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "wegent_streaming_durable_flushes_total",
			Help: "Stream projection writes to the durable store.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wegent_streaming_active_sessions",
			Help: "Streaming sessions currently tracked in memory.",
		}),
		SessionsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "wegent_streaming_sessions_swept_total",
			Help: "Abandoned sessions reclaimed by the stale sweep.",
		}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wegent_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

// RegisterFanoutStats exposes the broadcaster's delivery counters as
// pull-style metrics; the broadcaster keeps its own counters and is scraped
// through the snapshot closure.
func (m *Metrics) RegisterFanoutStats(snapshot func() (sent, dropped, activeConns int64)) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "wegent_fanout_events_sent_total",
			Help: "Live events delivered to observer channels.",
		}, func() float64 {
			sent, _, _ := snapshot()
			return float64(sent)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "wegent_fanout_events_dropped_total",
			Help: "Live events dropped because an observer buffer was full.",
		}, func() float64 {
			_, dropped, _ := snapshot()
			return float64(dropped)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "wegent_fanout_active_connections",
			Help: "Observer channels currently registered.",
		}, func() float64 {
			_, _, active := snapshot()
			return float64(active)
		}),
	)
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
