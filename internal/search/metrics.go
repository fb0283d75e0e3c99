package search

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for collaborator calls.
type Metrics struct {
	Failures *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics registers the search metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Failures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forgeloop_collaborator_failures_total",
					Help: "Search collaborator calls that failed, timed out or panicked",
				},
				[]string{"source"},
			),
			Duration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "forgeloop_collaborator_duration_seconds",
					Help:    "Latency of search collaborator calls",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"source"},
			),
		}
	})
	return globalMetrics
}
