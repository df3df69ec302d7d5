package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/layoutwcc/pkg/transport"
)

// transportMetrics is the Prometheus implementation of transport.Metrics.
type transportMetrics struct {
	exchanges *prometheus.CounterVec
	retries   *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewTransportMetrics creates a Prometheus-backed transport.Metrics.
//
// Returns nil if metrics are not enabled.
func NewTransportMetrics() transport.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &transportMetrics{
		exchanges: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "layoutwcc_transport_exchanges_total",
				Help: "Total exchange attempts per mirror target",
			},
			[]string{"target"},
		),
		retries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "layoutwcc_transport_retries_total",
				Help: "Total exchange retries per mirror target",
			},
			[]string{"target"},
		),
		failures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "layoutwcc_transport_failures_total",
				Help: "Total exchanges that failed after all attempts",
			},
			[]string{"target"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "layoutwcc_transport_exchange_duration_seconds",
				Help: "End-to-end exchange duration including retries",
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
				},
			},
			[]string{"target"},
		),
	}
}

func (m *transportMetrics) RecordExchange(target string) {
	m.exchanges.WithLabelValues(target).Inc()
}

func (m *transportMetrics) RecordRetry(target string) {
	m.retries.WithLabelValues(target).Inc()
}

func (m *transportMetrics) RecordFailure(target string) {
	m.failures.WithLabelValues(target).Inc()
}

func (m *transportMetrics) ObserveExchangeDuration(target string, seconds float64) {
	m.duration.WithLabelValues(target).Observe(seconds)
}
