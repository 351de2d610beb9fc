// Package metrics exposes dispatcher activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"webagentaa/internal/core"
)

const Namespace = "webagentaa"

// Collector records task and run metrics. It implements dispatch.Progress.
type Collector struct {
	registry *prometheus.Registry

	tasksStarted  prometheus.Counter
	taskOutcomes  *prometheus.CounterVec
	taskDuration  prometheus.Histogram
	tasksInFlight prometheus.Gauge
	runsTotal     *prometheus.CounterVec
	skippedTicks  prometheus.Counter
}

// NewCollector registers the metrics on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		tasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tasks_started_total",
			Help:      "Number of tasks handed to the backend",
		}),
		taskOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "task_outcomes_total",
			Help:      "Task outcomes by status",
		}, []string{"status"}),
		taskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of one task attempt",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		tasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks currently executing",
		}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Finished runs by result",
		}, []string{"result"}),
		skippedTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "schedule_skipped_total",
			Help:      "Scheduled runs skipped because a run was in flight",
		}),
	}
}

func (c *Collector) TaskStarted(index int, task core.TaskSpec) {
	c.tasksStarted.Inc()
	c.tasksInFlight.Inc()
}

func (c *Collector) TaskFinished(index int, outcome core.TaskOutcome) {
	c.tasksInFlight.Dec()
	c.taskOutcomes.WithLabelValues(string(outcome.Status)).Inc()
	c.taskDuration.Observe(outcome.Duration().Seconds())
}

// RunFinished counts a run by its result label (passed, failed, incomplete, error).
func (c *Collector) RunFinished(result string) {
	c.runsTotal.WithLabelValues(result).Inc()
}

// TickSkipped counts a scheduled run that did not start.
func (c *Collector) TickSkipped() {
	c.skippedTicks.Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
