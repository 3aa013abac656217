// Package observability provides Prometheus metrics, health checks, and
// the HTTP server that exposes them.
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
			Name: "conductor_turns_total",
			Help: "Total number of conversation turns processed",
		},
		[]string{"workflow", "status"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_turn_duration_seconds",
			Help:    "Conversation turn duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	// Session metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_active_sessions",
			Help: "Number of currently registered active sessions",
		},
	)

	sessionsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_sessions_created_total",
			Help: "Total number of sessions created",
		},
		[]string{"workflow"},
	)

	sessionsDisplacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_sessions_displaced_total",
			Help: "Total number of sessions displaced by a newer registration",
		},
		[]string{"workflow"},
	)

	// Approval metrics
	approvalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_approvals_total",
			Help: "Total number of command approval resolutions",
		},
		[]string{"workflow", "outcome"},
	)

	// Pipeline metrics
	pipelineExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_pipeline_executions_total",
			Help: "Total number of pipeline executions",
		},
		[]string{"pipeline", "status"},
	)

	pipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_pipeline_duration_seconds",
			Help:    "Pipeline execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline"},
	)

	pipelineStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_pipeline_step_duration_seconds",
			Help:    "Pipeline step execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline", "agent"},
	)

	// Security metrics
	commandValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_command_validations_total",
			Help: "Total number of command security validations",
		},
		[]string{"verdict"},
	)

	rateLimitRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_rate_limit_rejections_total",
			Help: "Total number of turns rejected by the rate limiter",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all Prometheus metrics. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			turnDuration,
			activeSessions,
			sessionsCreatedTotal,
			sessionsDisplacedTotal,
			approvalsTotal,
			pipelineExecutionsTotal,
			pipelineDuration,
			pipelineStepDuration,
			commandValidationsTotal,
			rateLimitRejectionsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records one conversation turn.
func RecordTurn(workflow, status string, duration time.Duration) {
	turnsTotal.WithLabelValues(workflow, status).Inc()
	turnDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// SetActiveSessions sets the active sessions gauge.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordSessionCreated records a new session.
func RecordSessionCreated(workflow string) {
	sessionsCreatedTotal.WithLabelValues(workflow).Inc()
}

// RecordSessionDisplaced records a session displaced by a newer registration.
func RecordSessionDisplaced(workflow string) {
	sessionsDisplacedTotal.WithLabelValues(workflow).Inc()
}

// RecordApproval records a command approval resolution.
func RecordApproval(workflow, outcome string) {
	approvalsTotal.WithLabelValues(workflow, outcome).Inc()
}

// RecordPipelineExecution records one pipeline execution.
func RecordPipelineExecution(pipeline, status string, duration time.Duration) {
	pipelineExecutionsTotal.WithLabelValues(pipeline, status).Inc()
	pipelineDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
}

// RecordPipelineStep records one pipeline step execution.
func RecordPipelineStep(pipeline, agent string, duration time.Duration) {
	pipelineStepDuration.WithLabelValues(pipeline, agent).Observe(duration.Seconds())
}

// RecordCommandValidation records a command security validation verdict.
func RecordCommandValidation(verdict string) {
	commandValidationsTotal.WithLabelValues(verdict).Inc()
}

// RecordRateLimitRejection records a rate-limited turn.
func RecordRateLimitRejection() {
	rateLimitRejectionsTotal.Inc()
}
