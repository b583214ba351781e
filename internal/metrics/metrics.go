// Package metrics exposes the orchestration core's observability counters:
// cache hit ratio, circuit breaker transitions and rate-limit rejections,
// plus request latency. Collectors register on a private registry so tests
// can create as many instances as they need.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the core emits.
type Metrics struct {
	registry *prometheus.Registry

	CacheLookups        *prometheus.CounterVec
	BreakerTransitions  *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec
	RequestLatency      prometheus.Histogram
	InFlight            prometheus.Gauge
}

// New creates and registers the collector set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngx",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by tier and outcome.",
		}, []string{"tier", "outcome"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngx",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions by agent and new state.",
		}, []string{"agent", "to"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngx",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Admission denials by tier.",
		}, []string{"tier"}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ngx",
			Subsystem: "orchestrator",
			Name:      "request_seconds",
			Help:      "End-to-end orchestration latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngx",
			Subsystem: "orchestrator",
			Name:      "in_flight",
			Help:      "Requests currently being orchestrated.",
		}),
	}

	m.registry.MustRegister(
		m.CacheLookups,
		m.BreakerTransitions,
		m.RateLimitRejections,
		m.RequestLatency,
		m.InFlight,
	)
	return m
}

// ObserveCache records one cache lookup outcome.
func (m *Metrics) ObserveCache(tier string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookups.WithLabelValues(tier, outcome).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
