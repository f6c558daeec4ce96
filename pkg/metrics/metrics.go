package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coordinator metrics
	TasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_tasks_submitted_total",
			Help: "Total number of tasks submitted by priority class",
		},
		[]string{"priority"},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_tasks_failed_total",
			Help: "Total number of failed tasks by error code",
		},
		[]string{"code"},
	)

	TasksRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_tasks_requeued_total",
			Help: "Total number of tasks requeued after a worker crash",
		},
	)

	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_cache_hits_total",
			Help: "Total number of result cache hits",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_queue_depth",
			Help: "Current queue depth by priority class",
		},
		[]string{"priority"},
	)

	WorkersRegistered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_workers",
			Help: "Registered workers by status",
		},
		[]string{"status"},
	)

	QueueWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_queue_wait_seconds",
			Help:    "Time tasks spend queued before dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_task_execution_seconds",
			Help:    "Task execution duration in seconds by tool",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Event store metrics
	EventsAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_events_appended_total",
			Help: "Total number of events appended to the log",
		},
	)

	EventFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_event_flush_seconds",
			Help:    "Event buffer flush duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Saga metrics
	SagasStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_sagas_started_total",
			Help: "Total number of sagas started",
		},
	)

	SagasCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_sagas_finished_total",
			Help: "Total number of sagas finished by outcome",
		},
		[]string{"outcome"},
	)

	// Sandbox metrics
	SandboxExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_sandbox_executions_total",
			Help: "Total number of sandbox executions by outcome",
		},
		[]string{"outcome"},
	)

	// Integrity metrics
	BlocksSealed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_integrity_blocks_sealed_total",
			Help: "Total number of integrity blocks sealed",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TasksRequeued)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersRegistered)
	prometheus.MustRegister(QueueWaitDuration)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(EventsAppended)
	prometheus.MustRegister(EventFlushDuration)
	prometheus.MustRegister(SagasStarted)
	prometheus.MustRegister(SagasCompleted)
	prometheus.MustRegister(SandboxExecutions)
	prometheus.MustRegister(BlocksSealed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
