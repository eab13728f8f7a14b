// Package metrics exposes task and watch counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests and multiple engines in one
// process never collide on the global default registry.
type Collector struct {
	registry *prometheus.Registry

	taskRuns      *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tasksRunning  prometheus.Gauge
	watchTriggers *prometheus.CounterVec
	watchCoalesce *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_task_runs_total",
			Help: "Task executions by final state.",
		}, []string{"task", "state"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_task_duration_seconds",
			Help:    "Wall time of task actions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"task"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_tasks_running",
			Help: "Task actions currently executing.",
		}),
		watchTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_watch_triggers_total",
			Help: "Re-runs started by the watch loop.",
		}, []string{"task"}),
		watchCoalesce: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_watch_coalesced_total",
			Help: "Watch triggers folded into an already pending re-run.",
		}, []string{"task"}),
	}
	c.registry.MustRegister(c.taskRuns, c.taskDuration, c.tasksRunning, c.watchTriggers, c.watchCoalesce)
	return c
}

// TaskStarted marks an action as running.
func (c *Collector) TaskStarted() {
	if c == nil {
		return
	}
	c.tasksRunning.Inc()
}

// TaskFinished records a completed action.
func (c *Collector) TaskFinished(task, state string, d time.Duration) {
	if c == nil {
		return
	}
	c.tasksRunning.Dec()
	c.taskRuns.WithLabelValues(task, state).Inc()
	c.taskDuration.WithLabelValues(task).Observe(d.Seconds())
}

// TaskSkipped records a task that never started.
func (c *Collector) TaskSkipped(task string) {
	if c == nil {
		return
	}
	c.taskRuns.WithLabelValues(task, "skipped").Inc()
}

func (c *Collector) WatchTriggered(task string) {
	if c == nil {
		return
	}
	c.watchTriggers.WithLabelValues(task).Inc()
}

func (c *Collector) WatchCoalesced(task string) {
	if c == nil {
		return
	}
	c.watchCoalesce.WithLabelValues(task).Inc()
}

// Registry exposes the underlying registry for tests and custom handlers.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
