package planner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	plannerBisections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wash_planner_batch_bisections_total",
		Help: "Planning batches split in half after low coverage or an unparsable response.",
	})
	plannerFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wash_planner_linear_fallbacks_total",
		Help: "Minimum-size batches replaced with a single linear node.",
	})
)
