package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observatory_job_runs_total",
		Help: "Scheduler job executions by job and result",
	}, []string{"job", "result"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "observatory_job_duration_seconds",
		Help:    "Duration of scheduler job executions",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job"})

	itemsMergedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observatory_items_merged_total",
		Help: "Remote items merged into the store by entity",
	}, []string{"entity"})

	itemsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observatory_items_skipped_total",
		Help: "Malformed remote items skipped by entity",
	}, []string{"entity"})

	ticksDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observatory_ticks_dropped_total",
		Help: "Scheduler ticks dropped because the job was still running",
	}, []string{"job"})
)
