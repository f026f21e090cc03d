// Package metrics provides Prometheus-based recording and per-session
// aggregation of engine performance data.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder publishes engine metrics to Prometheus.
type Recorder struct {
	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	recoveryTotal   *prometheus.CounterVec
	contextTokens   *prometheus.CounterVec
	sessionsTotal   *prometheus.CounterVec
	sessionDuration prometheus.Histogram
}

// NewRecorder creates a recorder registered on the default registry.
func NewRecorder() *Recorder {
	return NewRecorderWith(prometheus.DefaultRegisterer)
}

// NewRecorderWith creates a recorder on a specific registerer. Tests use
// a private registry to avoid duplicate registration panics.
func NewRecorderWith(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tasks_total",
				Help: "Total number of tasks by final status",
			},
			[]string{"status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_task_duration_seconds",
				Help:    "Wall-clock duration of task execution including recovery",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),
		recoveryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_recovery_attempts_total",
				Help: "Total number of recovery attempts by level and outcome",
			},
			[]string{"level", "success"},
		),
		contextTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_context_tokens_total",
				Help: "Context tokens by type (raw vs optimized)",
			},
			[]string{"type"},
		),
		sessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_sessions_total",
				Help: "Total number of sessions by final status",
			},
			[]string{"status"},
		),
		sessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_session_duration_seconds",
				Help:    "Wall-clock duration of full session runs",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),
	}
}

// ObserveTask records the final status and duration of one task.
func (r *Recorder) ObserveTask(task, status string, duration time.Duration) {
	r.tasksTotal.WithLabelValues(status).Inc()
	r.taskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// ObserveRecovery records one recovery attempt at the given level.
func (r *Recorder) ObserveRecovery(level int, success bool) {
	s := "false"
	if success {
		s = "true"
	}
	r.recoveryTotal.WithLabelValues(levelLabel(level), s).Inc()
}

// ObserveContextSizes records raw and optimized token counts for one
// task dispatch.
func (r *Recorder) ObserveContextSizes(rawTokens, optimizedTokens int) {
	r.contextTokens.WithLabelValues("raw").Add(float64(rawTokens))
	r.contextTokens.WithLabelValues("optimized").Add(float64(optimizedTokens))
}

// ObserveSession records the final status and duration of one session.
func (r *Recorder) ObserveSession(status string, duration time.Duration) {
	r.sessionsTotal.WithLabelValues(status).Inc()
	r.sessionDuration.Observe(duration.Seconds())
}

func levelLabel(level int) string {
	switch level {
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3"
	case 4:
		return "4"
	default:
		return "0"
	}
}
