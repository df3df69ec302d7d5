package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/layoutwcc/internal/responder"
)

// responderMetrics is the Prometheus implementation of responder.Metrics.
type responderMetrics struct {
	requests    *prometheus.CounterVec
	connections prometheus.Gauge
}

// NewResponderMetrics creates a Prometheus-backed responder.Metrics.
//
// Returns nil if metrics are not enabled.
func NewResponderMetrics() responder.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &responderMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "layoutwcc_responder_requests_total",
				Help: "LAYOUT_WCC requests answered, by status",
			},
			[]string{"status"},
		),
		connections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "layoutwcc_responder_active_connections",
				Help: "Currently open responder connections",
			},
		),
	}
}

func (m *responderMetrics) RecordRequest(status string) {
	m.requests.WithLabelValues(status).Inc()
}

func (m *responderMetrics) SetActiveConnections(n int) {
	m.connections.Set(float64(n))
}
