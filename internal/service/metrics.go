package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the orchestrator and reconciler counters.
type Metrics struct {
	operations *prometheus.CounterVec
	drift      *prometheus.CounterVec
	lastRun    prometheus.Gauge
}

// NewMetrics registers the service metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promoflow_promotion_operations_total",
			Help: "Activation and deactivation attempts by outcome",
		}, []string{"operation", "outcome"}),
		drift: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promoflow_reconcile_drift_total",
			Help: "Drift found by reconciliation, by kind and whether it was repaired",
		}, []string{"kind", "repaired"}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "promoflow_reconcile_last_run_timestamp_seconds",
			Help: "Unix time the last reconciliation pass finished",
		}),
	}
}
