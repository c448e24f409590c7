package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentflow_runs_started_total",
		Help: "Pipeline runs accepted and started.",
	})
	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflow_runs_finished_total",
		Help: "Pipeline runs reaching a terminal state.",
	}, []string{"state"})
	subtasksSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflow_subtasks_settled_total",
		Help: "Subtasks settled, by terminal status.",
	}, []string{"status"})
	inflightWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentflow_workers_inflight",
		Help: "Worker goroutines currently executing subtasks.",
	})
	workerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentflow_worker_retries_total",
		Help: "Transient worker failures that were retried.",
	})
	tokensProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentflow_tokens_total",
		Help: "Tokens consumed across all completed subtasks.",
	})
	debitedMicrodollars = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentflow_debited_microdollars_total",
		Help: "Microdollars debited from wallets for usage.",
	})
	subtaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentflow_subtask_duration_seconds",
		Help:    "Wall-clock duration of completed subtasks.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	})
)
