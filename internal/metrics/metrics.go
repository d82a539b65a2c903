// Package metrics exposes the coordinator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Metrics bundles every collector on one registry so tests can run isolated
// instances.
type Metrics struct {
	registry *prometheus.Registry

	PoolUtilization  *prometheus.GaugeVec // venue, pool: (used+in_flight)/budget
	InFlightNotional *prometheus.GaugeVec // venue
	VenueLatencyMs   *prometheus.GaugeVec // venue
	KillSwitch       prometheus.Gauge     // 1 while the global kill switch is engaged
	QuoteRejects     *prometheus.CounterVec
	QuoteAccepts     *prometheus.CounterVec

	JobsSubmitted prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsRejected  *prometheus.CounterVec // reason

	ExecutionSeconds prometheus.Histogram
	UnhedgedSeconds  prometheus.Histogram
	FallbackTotal    prometheus.Counter
}

// New builds and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PoolUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hedge_pool_utilization_ratio",
			Help: "Committed plus in-flight capital over pool budget.",
		}, []string{"venue", "pool"}),
		InFlightNotional: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hedge_inflight_notional_usd",
			Help: "Soft-locked notional per venue.",
		}, []string{"venue"}),
		VenueLatencyMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hedge_venue_latency_ms",
			Help: "Rolling average venue latency.",
		}, []string{"venue"}),
		KillSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_global_kill_switch",
			Help: "1 while the global kill switch blocks all new jobs.",
		}),
		QuoteRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_quote_rejects_total",
			Help: "Quotes rejected by the pipeline, by venue and reason.",
		}, []string{"venue", "reason"}),
		QuoteAccepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_quote_accepts_total",
			Help: "Quotes accepted into the cache, by venue.",
		}, []string{"venue"}),
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hedge_jobs_submitted_total",
			Help: "Jobs accepted by Submit.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hedge_jobs_completed_total",
			Help: "Jobs finished successfully.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hedge_jobs_failed_total",
			Help: "Jobs that reached a failed terminal state.",
		}),
		JobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_jobs_rejected_total",
			Help: "Jobs rejected, by reason.",
		}, []string{"reason"}),
		ExecutionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hedge_execution_seconds",
			Help:    "Wall time of one hedge cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		UnhedgedSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hedge_unhedged_seconds",
			Help:    "Time one side was exposed without its hedge.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		FallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hedge_maker_fallbacks_total",
			Help: "Maker legs covered by a taker fallback.",
		}),
	}

	reg.MustRegister(
		m.PoolUtilization, m.InFlightNotional, m.VenueLatencyMs, m.KillSwitch,
		m.QuoteRejects, m.QuoteAccepts,
		m.JobsSubmitted, m.JobsCompleted, m.JobsFailed, m.JobsRejected,
		m.ExecutionSeconds, m.UnhedgedSeconds, m.FallbackTotal,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
