package internal

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsRegistry = prometheus.NewRegistry()

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "eavkit",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of value-store and directory operations.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "operation"},
	)

	operationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eavkit",
			Subsystem: "store",
			Name:      "operation_errors_total",
			Help:      "Count of failed value-store and directory operations.",
		},
		[]string{"component", "operation"},
	)
)

func init() {
	metricsRegistry.MustRegister(
		operationDuration,
		operationErrors,
	)
}

// MetricsRegistry exposes the engine's metric registry so hosts can mount it
// on their own scrape endpoint.
func MetricsRegistry() *prometheus.Registry {
	return metricsRegistry
}

func observeOperation(component, operation string, start time.Time, err error) {
	operationDuration.WithLabelValues(component, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		operationErrors.WithLabelValues(component, operation).Inc()
	}
}
