package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons for dropped points.
const (
	dropInvalid          = "invalid"
	dropConflict         = "conflict"
	dropRetriesExhausted = "retries_exhausted"
	dropPartialWrite     = "partial_write"
)

var (
	metricEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "historian_state_events_received_total",
		Help: "State change events received by the pipeline",
	})
	metricEventsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "historian_state_events_suppressed_total",
		Help: "State change events suppressed by a logging policy",
	}, []string{"reason"})
	metricPointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "historian_points_written_total",
		Help: "Points acknowledged by the time-series backend",
	})
	metricPointsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "historian_points_dropped_total",
		Help: "Points dropped without being stored",
	}, []string{"reason"})
	metricCoercions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "historian_type_coercions_total",
		Help: "Type conflicts resolved by coercing the value",
	}, []string{"storage_type"})
	metricBufferedPoints = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "historian_buffered_points",
		Help: "Points waiting for the next flush",
	})
	metricConflictingSeries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "historian_conflicting_series",
		Help: "Series written point by point after a type conflict",
	})
	metricBackendConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "historian_backend_connected",
		Help: "1 when the last backend operation succeeded",
	})
	metricFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "historian_flush_duration_seconds",
		Help:    "Duration of buffer flush cycles",
		Buckets: prometheus.DefBuckets,
	})
	metricQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "historian_query_duration_seconds",
		Help:    "Duration of getHistory requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"aggregate"})
)
