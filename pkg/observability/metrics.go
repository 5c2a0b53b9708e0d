// Package observability provides Prometheus metrics, health checks, and the
// operational HTTP server for hostagent.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Turn metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostagent_turns_total",
			Help: "Total number of orchestrated turns by final status",
		},
		[]string{"status"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hostagent_turn_duration_seconds",
			Help:    "End-to-end turn duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Dispatch metrics
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostagent_dispatch_total",
			Help: "Total number of agent dispatch attempts by result",
		},
		[]string{"agent", "result"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hostagent_dispatch_duration_seconds",
			Help:    "Agent dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	// Context store metrics
	tierWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostagent_tier_write_failures_total",
			Help: "Total number of swallowed optional-tier write failures",
		},
		[]string{"tier"},
	)

	// Classifier metrics
	classifierFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostagent_classifier_fallbacks_total",
			Help: "Total number of classifier direct-answer fallbacks by reason",
		},
		[]string{"reason"},
	)

	// Session metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostagent_active_sessions",
			Help: "Number of sessions currently in the volatile tiers",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the Prometheus metrics.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			turnDuration,
			dispatchTotal,
			dispatchDuration,
			tierWriteFailures,
			classifierFallbacks,
			activeSessions,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records a completed turn.
func RecordTurn(status string, duration time.Duration) {
	turnsTotal.WithLabelValues(status).Inc()
	turnDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDispatch records an agent dispatch attempt.
func RecordDispatch(agent, result string, duration time.Duration) {
	dispatchTotal.WithLabelValues(agent, result).Inc()
	dispatchDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordTierWriteFailure records a swallowed optional-tier write failure.
func RecordTierWriteFailure(tier string) {
	tierWriteFailures.WithLabelValues(tier).Inc()
}

// RecordClassifierFallback records a direct-answer fallback.
func RecordClassifierFallback(reason string) {
	classifierFallbacks.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}
