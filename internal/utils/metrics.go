package utils

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tracks performance metrics across the engine
type MetricsCollector struct {
	registry *prometheus.Registry

	requests  prometheus.Counter
	errors    prometheus.Counter
	latencies *prometheus.HistogramVec

	mutations *prometheus.CounterVec // by kind and state
	pages     *prometheus.CounterVec // by outcome
	orphans   prometheus.Counter

	systemStartTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threads_requests_total",
			Help: "Requests handled by the engine.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threads_errors_total",
			Help: "Requests that ended in an error.",
		}),
		latencies: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threads_operation_seconds",
			Help:    "Latency of engine operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threads_mutations_total",
			Help: "Optimistic mutations by kind and lifecycle state.",
		}, []string{"kind", "state"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threads_pages_total",
			Help: "Page loads by outcome.",
		}, []string{"outcome"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threads_orphans_promoted_total",
			Help: "Orphaned replies promoted to synthetic roots.",
		}),
		systemStartTime: time.Now(),
	}
	mc.registry.MustRegister(
		collectors.NewGoCollector(),
		mc.requests, mc.errors, mc.latencies, mc.mutations, mc.pages, mc.orphans,
	)
	return mc
}

func (mc *MetricsCollector) IncrementRequests() {
	mc.requests.Inc()
}

func (mc *MetricsCollector) IncrementErrors() {
	mc.errors.Inc()
}

func (mc *MetricsCollector) AddOperationLatency(operationName string, duration time.Duration) {
	mc.latencies.WithLabelValues(operationName).Observe(duration.Seconds())
}

// RecordMutation counts a mutation entering the given lifecycle state.
func (mc *MetricsCollector) RecordMutation(kind, state string) {
	mc.mutations.WithLabelValues(kind, state).Inc()
}

// RecordPage counts a page load outcome: applied, stale or failed.
func (mc *MetricsCollector) RecordPage(outcome string) {
	mc.pages.WithLabelValues(outcome).Inc()
}

func (mc *MetricsCollector) RecordOrphansPromoted(n int) {
	mc.orphans.Add(float64(n))
}

func (mc *MetricsCollector) Uptime() time.Duration {
	return time.Since(mc.systemStartTime)
}

// Handler exposes the collector's registry in the Prometheus text format.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
}
