package performance

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for operation tracking.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OpenOperations    prometheus.Gauge
}

// NewMetrics registers the tracker metrics once per process.
//
//   - forgeloop_operations_total{type,success}
//   - forgeloop_operation_duration_seconds{type}
//   - forgeloop_open_operations
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			OperationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forgeloop_operations_total",
					Help: "Total number of closed AI operations",
				},
				[]string{"type", "success"},
			),
			OperationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "forgeloop_operation_duration_seconds",
					Help:    "Duration of closed AI operations in seconds",
					Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
				[]string{"type"},
			),
			OpenOperations: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "forgeloop_open_operations",
					Help: "Number of operations begun but not yet ended",
				},
			),
		}
	})
	return globalMetrics
}
