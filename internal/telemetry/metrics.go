// Package telemetry provides Prometheus instrumentation for the
// server.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments. A nil *Metrics is valid
// and records nothing, so tests can pass nil.
type Metrics struct {
	tasksTotal       *prometheus.CounterVec
	gitOpsTotal      *prometheus.CounterVec
	activeWorkers    prometheus.Gauge
	queuedTasks      prometheus.Gauge
	activeWorkspaces prometheus.Gauge
	workspaceBytes   prometheus.Gauge
	taskDuration     prometheus.Histogram
	cloneDuration    prometheus.Histogram
}

// New registers the instruments on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitsmith_tasks_total",
			Help: "Tasks by terminal status",
		}, []string{"status"}),
		gitOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitsmith_git_operations_total",
			Help: "Git operations by kind and outcome",
		}, []string{"operation", "outcome"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gitsmith_active_workers",
			Help: "Workers currently executing a task",
		}),
		queuedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gitsmith_queued_tasks",
			Help: "Tasks waiting in the queue",
		}),
		activeWorkspaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gitsmith_active_workspaces",
			Help: "Workspace directories currently tracked",
		}),
		workspaceBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gitsmith_workspace_bytes",
			Help: "Total recorded workspace disk usage",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gitsmith_task_duration_seconds",
			Help:    "Task execution duration",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		cloneDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gitsmith_clone_duration_seconds",
			Help:    "Clone duration",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
	}
	reg.MustRegister(
		m.tasksTotal, m.gitOpsTotal,
		m.activeWorkers, m.queuedTasks, m.activeWorkspaces, m.workspaceBytes,
		m.taskDuration, m.cloneDuration,
	)
	return m
}

// TaskFinished records a terminal task and its duration.
func (m *Metrics) TaskFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(status).Inc()
	m.taskDuration.Observe(duration.Seconds())
}

// GitOperation records one adapter invocation.
func (m *Metrics) GitOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.gitOpsTotal.WithLabelValues(operation, outcome).Inc()
	if operation == "clone" {
		m.cloneDuration.Observe(duration.Seconds())
	}
}

// WorkerActive adjusts the active-worker gauge.
func (m *Metrics) WorkerActive(delta float64) {
	if m == nil {
		return
	}
	m.activeWorkers.Add(delta)
}

// SetQueueDepth records the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queuedTasks.Set(float64(n))
}

// SetWorkspaceStats records workspace count and bytes.
func (m *Metrics) SetWorkspaceStats(count int64, bytes int64) {
	if m == nil {
		return
	}
	m.activeWorkspaces.Set(float64(count))
	m.workspaceBytes.Set(float64(bytes))
}
