// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkerThreads is the number of live dispatcher threads in the process.
	WorkerThreads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_worker_threads",
			Help: "Number of live single-thread dispatcher worker threads.",
		},
	)

	// TasksExecuted counts tasks run on dispatcher threads, by origin.
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_tasks_executed_total",
			Help: "Total number of tasks executed on dispatcher threads.",
		},
		[]string{"dispatcher", "kind"}, // kind: execute, dispatch, timeout, resume
	)

	// TaskPanics counts tasks that panicked and were recovered by the dispatcher.
	TaskPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_task_panics_total",
			Help: "Total number of recovered task panics.",
		},
		[]string{"dispatcher"},
	)

	// TimersScheduled counts timed tasks inserted into a dispatcher's timer queue.
	TimersScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_timers_scheduled_total",
			Help: "Total number of timed tasks scheduled.",
		},
		[]string{"dispatcher"},
	)

	// TimersCancelled counts timed tasks cancelled before they fired.
	TimersCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_timers_cancelled_total",
			Help: "Total number of timed tasks cancelled before firing.",
		},
		[]string{"dispatcher"},
	)

	// LoopIterations counts run loop iterations.
	LoopIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_loop_iterations_total",
			Help: "Total number of dispatcher run loop iterations.",
		},
		[]string{"dispatcher"},
	)

	// AbandonedTasks counts queued tasks and timers dropped when a dispatcher closed.
	AbandonedTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_abandoned_tasks_total",
			Help: "Total number of queued tasks and timers abandoned at close.",
		},
		[]string{"dispatcher"},
	)

	// HttpRequestsTotal 记录 HTTP 请求的总数
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// TaskExecutionTotal counts executed task specs by outcome.
	TaskExecutionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_executions_total",
			Help: "Total number of task spec executions.",
		},
		[]string{"dispatcher", "task_name", "status"}, // status: success/failed
	)
)
