// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing
// setup shared by the engine, the scheduler and the API server.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dagflow"

var (
	// ─── Queue and workers ───────────────────────────────────────────────────────

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Task attempts waiting for a worker.",
	})

	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "pool_size",
		Help:      "Target number of workers.",
	})

	BusyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "busy",
		Help:      "Workers currently running an attempt.",
	})

	// ─── Tasks ───────────────────────────────────────────────────────────────────

	TaskAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "attempts_total",
		Help:      "Finished task attempts, labelled by task type and final status.",
	}, []string{"task_type", "status"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "duration_seconds",
		Help:      "Wall time of a single task attempt in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"task_type"})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "retries_total",
		Help:      "Retries scheduled after a failed attempt.",
	}, []string{"task_type"})

	SLABreaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "sla_breaches_total",
		Help:      "Attempts that ran past their SLA threshold.",
	}, []string{"workflow"})

	// ─── Runs ────────────────────────────────────────────────────────────────────

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "run",
		Name:      "active",
		Help:      "Runs currently coordinated by this engine.",
	})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "run",
		Name:      "finished_total",
		Help:      "Runs that reached a terminal status.",
	}, []string{"workflow", "status"})

	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rollback",
		Name:      "compensations_total",
		Help:      "Compensating actions, labelled by outcome.",
	}, []string{"outcome"})

	// ─── Events and scheduling ───────────────────────────────────────────────────

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events discarded because the event buffer was full.",
	})

	ScheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "runs_triggered_total",
		Help:      "Runs started by the cron scheduler.",
	}, []string{"workflow"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "API requests, labelled by method and status code.",
	}, []string{"method", "code"})
)
