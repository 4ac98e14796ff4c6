// Package metrics exposes task outcomes and coalescing state to Prometheus
// and serves them with a small health endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sigumaa/apexrank/internal/panel"
	"github.com/sigumaa/apexrank/internal/task"
)

const namespace = "apexrank"

// StatsSource is what the gauges read on every scrape.
type StatsSource interface {
	Stats() panel.Stats
}

// Collector records task executions. It implements task.Observer.
type Collector struct {
	registry *prometheus.Registry
	runs     *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Finished refresh task executions by component, task name and outcome.",
		}, []string{"component", "name", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Refresh task execution time.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"component", "name"}),
	}
	c.registry.MustRegister(
		c.runs,
		c.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) ObserveTask(meta task.Meta, outcome task.Outcome, elapsed time.Duration) {
	c.runs.WithLabelValues(meta.Component, meta.Name, string(outcome)).Inc()
	c.latency.WithLabelValues(meta.Component, meta.Name).Observe(elapsed.Seconds())
}

// WatchStats registers gauges that read source on every scrape. It is
// separate from NewCollector because the source is built with a runner
// that already reports to this collector.
func (c *Collector) WatchStats(source StatsSource) {
	gauge := func(name, help string, read func(panel.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(source.Stats())) })
	}
	counter := func(name, help string, read func(panel.Stats) int) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(source.Stats())) })
	}

	c.registry.MustRegister(
		gauge("guilds", "Guilds with a recorded rank count.", func(s panel.Stats) int { return s.Guilds }),
		gauge("throttlers", "Per-guild refresh throttlers alive.", func(s panel.Stats) int { return s.Throttlers }),
		gauge("scheduler_tasks", "Registered periodic tasks.", func(s panel.Stats) int { return s.Scheduler.TotalTasks }),
		gauge("scheduler_entities", "Keys with at least one periodic task.", func(s panel.Stats) int { return s.Scheduler.ActiveEntities }),
		gauge("queue_keys", "Guilds with queued or running updates.", func(s panel.Stats) int { return s.Queue.Keys }),
		gauge("queue_active", "Guild queues currently draining.", func(s panel.Stats) int { return s.Queue.Active }),
		gauge("queue_pending", "Updates waiting in guild queues.", func(s panel.Stats) int { return s.Queue.Queued }),
		counter("queue_processed_total", "Updates the queue has run.", func(s panel.Stats) int { return s.Queue.Processed }),
		counter("queue_failed_total", "Updates that returned an error.", func(s panel.Stats) int { return s.Queue.Failed }),
		counter("queue_superseded_total", "Enqueued updates merged into an already queued one.", func(s panel.Stats) int { return s.Queue.Superseded }),
	)
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
