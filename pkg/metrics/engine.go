package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/layoutwcc/pkg/propagation"
)

// engineMetrics is the Prometheus implementation of propagation.Metrics.
type engineMetrics struct {
	cycles   prometheus.Counter
	noops    prometheus.Counter
	outcomes *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewEngineMetrics creates a Prometheus-backed propagation.Metrics.
//
// Returns nil if metrics are not enabled.
func NewEngineMetrics() propagation.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &engineMetrics{
		cycles: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "layoutwcc_propagation_cycles_total",
				Help: "Total propagation cycles started",
			},
		),
		noops: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "layoutwcc_propagation_noops_total",
				Help: "Cycles skipped because the snapshot did not supersede the cached state",
			},
		),
		outcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "layoutwcc_propagation_mirror_outcomes_total",
				Help: "Per-mirror dispatch outcomes",
			},
			[]string{"outcome"},
		),
		duration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "layoutwcc_propagation_cycle_duration_seconds",
				Help: "Propagation cycle duration",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.5,   // 500ms
					1,
					5,
					10,
					30,
				},
			},
		),
	}
}

func (m *engineMetrics) RecordCycle() {
	m.cycles.Inc()
}

func (m *engineMetrics) RecordNoOp() {
	m.noops.Inc()
}

func (m *engineMetrics) RecordOutcome(outcome string) {
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *engineMetrics) ObserveCycleDuration(seconds float64) {
	m.duration.Observe(seconds)
}
