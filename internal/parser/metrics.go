package parser

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var parseOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wash_parse_outcomes_total",
		Help: "LLM response parse outcomes by schema and path (direct, llm_repair, failed).",
	},
	[]string{"schema", "path"},
)
