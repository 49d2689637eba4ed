package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wash_queue_jobs_total",
			Help: "Jobs handled by queue consumers, partitioned by outcome.",
		},
		[]string{"queue", "outcome"}, // completed, retried, dead_lettered, stalled, deferred, requeued
	)
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wash_queue_job_duration_seconds",
			Help:    "Time spent in the job handler.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"queue"},
	)
	jobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wash_queue_jobs_in_flight",
			Help: "Jobs currently being processed.",
		},
		[]string{"queue"},
	)
)
