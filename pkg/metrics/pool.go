package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/layoutwcc/pkg/connpool"
)

// poolMetrics is the Prometheus implementation of connpool.Metrics.
type poolMetrics struct {
	acquireWait prometheus.Histogram
	timeouts    prometheus.Counter
	openConns   *prometheus.GaugeVec
}

// NewPoolMetrics creates a Prometheus-backed connpool.Metrics.
//
// Returns nil if metrics are not enabled.
func NewPoolMetrics() connpool.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &poolMetrics{
		acquireWait: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "layoutwcc_pool_acquire_wait_seconds",
				Help: "Time spent waiting for a pooled connection",
				Buckets: []float64{
					0.0001, // 100µs
					0.0005, // 500µs
					0.001,  // 1ms
					0.005,  // 5ms
					0.01,   // 10ms
					0.05,   // 50ms
					0.1,    // 100ms
					0.5,    // 500ms
					1,
					5,
				},
			},
		),
		timeouts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "layoutwcc_pool_timeouts_total",
				Help: "Total acquires that expired while queued",
			},
		),
		openConns: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "layoutwcc_pool_open_connections",
				Help: "Open connections per mirror target",
			},
			[]string{"target"},
		),
	}
}

func (m *poolMetrics) ObserveAcquireWait(d time.Duration) {
	m.acquireWait.Observe(d.Seconds())
}

func (m *poolMetrics) RecordPoolTimeout() {
	m.timeouts.Inc()
}

func (m *poolMetrics) SetOpenConnections(target string, n int) {
	m.openConns.WithLabelValues(target).Set(float64(n))
}
