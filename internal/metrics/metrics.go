package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Detection pipeline metrics
var (
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_evaluations_total",
			Help: "Readings evaluated, by detector, outcome and severity",
		},
		[]string{"detector", "outcome", "severity"},
	)

	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorwatch_evaluation_duration_seconds",
			Help:    "Time spent evaluating a batch per detector",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"detector"},
	)

	TrackedSensors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sensorwatch_tracked_sensors",
			Help: "Sensors holding state in a stateful detector",
		},
		[]string{"detector"},
	)

	StateEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_state_evictions_total",
			Help: "Per-sensor detector state dropped by the capacity or idle bounds",
		},
		[]string{"detector"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorwatch_batch_size",
			Help:    "Readings per processed batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	GeneratedReadings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_generated_readings_total",
			Help: "Synthetic readings produced, by quality flag",
		},
		[]string{"quality"},
	)
)

// Alerting and persistence metrics
var (
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_alerts_total",
			Help: "Alert dispatch attempts, by severity and status (sent, failed, suppressed)",
		},
		[]string{"severity", "status"},
	)

	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_store_errors_total",
			Help: "Persistence failures, by operation",
		},
		[]string{"operation"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
