package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidproc_active_jobs",
		Help: "Number of jobs currently running through the pipeline",
	})
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vidproc_stage_duration_seconds",
		Help:    "Time taken by a pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage"})
	RungsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidproc_rungs_completed_total",
		Help: "Ladder rungs encoded, packaged and uploaded",
	}, []string{"label"})
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidproc_jobs_finished_total",
		Help: "Pipeline runs by outcome",
	}, []string{"outcome"})
	Cancellations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidproc_cancellations_total",
		Help: "Cancel requests handled",
	})
	Retries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidproc_job_retries_total",
		Help: "Failed jobs scheduled for another attempt",
	})
)
