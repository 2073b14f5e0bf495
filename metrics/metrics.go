// Package metrics exposes Prometheus collectors for the control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the loop and dispatcher update. All methods
// are safe on a nil receiver so instrumentation stays optional.
type Metrics struct {
	registry *prometheus.Registry

	cyclesTotal         prometheus.Counter
	tasksCompletedTotal prometheus.Counter
	tasksFailedTotal    prometheus.Counter
	tasksInFlight       prometheus.Gauge
	pendingQueueSize    prometheus.Gauge
	agentLoad           *prometheus.GaugeVec
	taskDuration        prometheus.Histogram
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_loop_cycles_total",
			Help: "Completed orchestration loop cycles.",
		}),
		tasksCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_tasks_completed_total",
			Help: "Tasks completed successfully.",
		}),
		tasksFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_tasks_failed_total",
			Help: "Tasks that exhausted execution.",
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autopilot_tasks_in_flight",
			Help: "Tasks currently executing.",
		}),
		pendingQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autopilot_pending_queue_size",
			Help: "Tasks scanned but deferred past the concurrency limit.",
		}),
		agentLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autopilot_agent_load",
			Help: "Tasks currently dispatched to each agent.",
		}, []string{"agent"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autopilot_task_duration_seconds",
			Help:    "Wall-clock duration of task executions.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.cyclesTotal,
		m.tasksCompletedTotal,
		m.tasksFailedTotal,
		m.tasksInFlight,
		m.pendingQueueSize,
		m.agentLoad,
		m.taskDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CycleCompleted records one finished loop cycle.
func (m *Metrics) CycleCompleted() {
	if m == nil {
		return
	}
	m.cyclesTotal.Inc()
}

// TaskCompleted records a successful task with its duration.
func (m *Metrics) TaskCompleted(seconds float64) {
	if m == nil {
		return
	}
	m.tasksCompletedTotal.Inc()
	m.taskDuration.Observe(seconds)
}

// TaskFailed records a failed task with its duration.
func (m *Metrics) TaskFailed(seconds float64) {
	if m == nil {
		return
	}
	m.tasksFailedTotal.Inc()
	m.taskDuration.Observe(seconds)
}

// SetTasksInFlight updates the in-flight gauge.
func (m *Metrics) SetTasksInFlight(n int) {
	if m == nil {
		return
	}
	m.tasksInFlight.Set(float64(n))
}

// SetPendingQueueSize updates the deferred-task gauge.
func (m *Metrics) SetPendingQueueSize(n int) {
	if m == nil {
		return
	}
	m.pendingQueueSize.Set(float64(n))
}

// SetAgentLoad updates an agent's load gauge.
func (m *Metrics) SetAgentLoad(agent string, load int) {
	if m == nil {
		return
	}
	m.agentLoad.WithLabelValues(agent).Set(float64(load))
}

// RemoveAgent drops an unregistered agent's gauge.
func (m *Metrics) RemoveAgent(agent string) {
	if m == nil {
		return
	}
	m.agentLoad.DeleteLabelValues(agent)
}
