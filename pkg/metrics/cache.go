package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/layoutwcc/pkg/layoutcache"
)

// cacheMetrics is the Prometheus implementation of layoutcache.Metrics.
type cacheMetrics struct {
	entries   prometheus.Gauge
	evictions prometheus.Counter
	exhausted prometheus.Counter
}

// NewCacheMetrics creates a Prometheus-backed layoutcache.Metrics.
//
// Returns nil if metrics are not enabled, which makes the cache skip
// instrumentation entirely.
func NewCacheMetrics() layoutcache.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &cacheMetrics{
		entries: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "layoutwcc_cache_entries",
				Help: "Current number of cached layout entries",
			},
		),
		evictions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "layoutwcc_cache_evictions_total",
				Help: "Total number of layout entries evicted",
			},
		),
		exhausted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "layoutwcc_cache_exhausted_total",
				Help: "Total number of upserts rejected because every entry was pinned",
			},
		),
	}
}

func (m *cacheMetrics) SetEntries(n int) {
	m.entries.Set(float64(n))
}

func (m *cacheMetrics) RecordEviction() {
	m.evictions.Inc()
}

func (m *cacheMetrics) RecordExhausted() {
	m.exhausted.Inc()
}
