// Package metrics exposes Prometheus instrumentation for the scoring
// pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Collector holds the scoring pipeline metrics on a private registry so
// tests can create collectors without global-registration collisions.
type Collector struct {
	registry *prometheus.Registry

	scoringDuration  *prometheus.HistogramVec
	decisions        *prometheus.CounterVec
	degradedAgents   *prometheus.CounterVec
	ringsDetected    *prometheus.CounterVec
	riskDistribution prometheus.Histogram
	storeFailures    prometheus.Counter
}

// NewCollector creates a metrics collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		registry: registry,
		scoringDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name: "kestrel_scoring_duration_seconds",
			Help: "End-to-end scoring latency per transaction",
			// The scoring budget is 100ms; buckets concentrate there.
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.08, 0.1, 0.25, 0.5, 1},
		}, []string{"tenant_id"}),
		decisions: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_decisions_total",
			Help: "Scoring decisions by outcome",
		}, []string{"tenant_id", "decision"}),
		degradedAgents: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_degraded_agents_total",
			Help: "Agent degradations (timeout or error) by agent",
		}, []string{"tenant_id", "agent"}),
		ringsDetected: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_rings_detected_total",
			Help: "Fraud ring detections",
		}, []string{"tenant_id"}),
		riskDistribution: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_risk_score_distribution",
			Help:    "Distribution of aggregate risk scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),
		storeFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "kestrel_store_failures_total",
			Help: "Scoring requests failed because the store was unreachable",
		}),
	}
}

// RecordAssessment records a completed scoring request.
func (c *Collector) RecordAssessment(tenantID string, a *domain.Assessment, duration time.Duration) {
	c.scoringDuration.WithLabelValues(tenantID).Observe(duration.Seconds())
	c.decisions.WithLabelValues(tenantID, string(a.Decision)).Inc()
	c.riskDistribution.Observe(a.RiskScore)

	for _, agent := range a.DegradedAgents {
		c.degradedAgents.WithLabelValues(tenantID, agent).Inc()
	}
	if a.RingDetected {
		c.ringsDetected.WithLabelValues(tenantID).Inc()
	}
}

// RecordStoreFailure records a scoring request aborted by store outage.
func (c *Collector) RecordStoreFailure() {
	c.storeFailures.Inc()
}

// Handler returns the scrape endpoint handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
