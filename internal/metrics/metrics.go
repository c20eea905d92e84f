// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the access-control server.
type Metrics struct {
	// Scan pipeline
	ScansTotal *prometheus.CounterVec // outcome: granted, denied, inactive, no_match, rejected
	MatchScore prometheus.Histogram

	// Enrollment
	EnrollmentsTotal *prometheus.CounterVec // result: complete, timeout, cancelled

	// Sessions
	ConnectedDevices   prometheus.Gauge
	ConnectedOperators prometheus.Gauge

	// Reconciler
	ReconcileCycles   *prometheus.CounterVec // result: ok, skipped, error
	ReconcileDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg. The server passes
// the default registerer; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	auto := promauto.With(reg)
	return &Metrics{
		ScansTotal: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facegate_scans_total",
				Help: "Scan frames processed, by access outcome",
			},
			[]string{"outcome"},
		),
		MatchScore: auto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "facegate_match_score",
				Help:    "Cosine similarity of the best gallery match per probe",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
		),
		EnrollmentsTotal: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facegate_enrollments_total",
				Help: "Enrollment flows finished, by result",
			},
			[]string{"result"},
		),
		ConnectedDevices: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "facegate_connected_devices",
				Help: "Device sessions currently registered",
			},
		),
		ConnectedOperators: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "facegate_connected_operators",
				Help: "Operator sessions currently registered",
			},
		),
		ReconcileCycles: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facegate_reconcile_cycles_total",
				Help: "Reconcile cycles, by result",
			},
			[]string{"result"},
		),
		ReconcileDuration: auto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "facegate_reconcile_duration_seconds",
				Help:    "Wall time of a reconcile cycle",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}
