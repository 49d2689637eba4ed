package reviewer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reviewScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wash_reviewer_node_score",
		Help:    "Quality scores assigned to generated nodes.",
		Buckets: []float64{1, 2, 3, 4, 5},
	})
	reviewFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wash_reviewer_failures_total",
		Help: "Node reviews that failed on the model call or response parsing.",
	})
	autoRerolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wash_reviewer_auto_rerolls_total",
		Help: "Nodes sent back to generation after a low review score.",
	})
)
