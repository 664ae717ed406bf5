// Package metrics aggregates governance and market data counters on a
// dedicated Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds all tradegate metrics.
type Registry struct {
	reg *prometheus.Registry

	// Execution governance
	Decisions       *prometheus.CounterVec
	PolicyDenials   *prometheus.CounterVec
	Proposals       *prometheus.CounterVec
	IdempotencyHits prometheus.Counter
	VenueLatency    prometheus.Histogram

	// Market data
	Selections *prometheus.CounterVec
	Rejections *prometheus.CounterVec
}

// NewRegistry creates and registers all metrics.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_decisions_total",
				Help: "Governance decisions by action kind and outcome",
			},
			[]string{"action", "outcome"},
		),
		PolicyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_policy_denials_total",
				Help: "Policy denials by reason code",
			},
			[]string{"reason"},
		),
		Proposals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_proposals_total",
				Help: "Proposal lifecycle events",
			},
			[]string{"event"},
		),
		IdempotencyHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradegate_idempotency_hits_total",
				Help: "Execution requests answered from the idempotency store",
			},
		),
		VenueLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tradegate_venue_latency_seconds",
				Help:    "Venue adapter call latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
		),
		Selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_marketdata_selections_total",
				Help: "Ticker selections by provider and quality",
			},
			[]string{"provider", "quality"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_marketdata_rejections_total",
				Help: "Candidate readings rejected by provider and reason",
			},
			[]string{"provider", "reason"},
		),
	}
	r.reg.MustRegister(
		r.Decisions, r.PolicyDenials, r.Proposals, r.IdempotencyHits,
		r.VenueLatency, r.Selections, r.Rejections,
	)
	return r
}

// Handler exposes the registry for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Snapshot flattens current counter and gauge values into a map keyed by
// metric name plus label values, for the health endpoint and tests.
func (r *Registry) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, err := r.reg.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "|" + lp.GetValue()
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}
