package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	aiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wash_ai_requests_total",
			Help: "LLM chat calls by model and status.",
		},
		[]string{"model", "status"},
	)
	aiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wash_ai_request_duration_seconds",
			Help:    "LLM chat call latency in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120, 240},
		},
		[]string{"model"},
	)
	aiPromptTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wash_ai_prompt_tokens",
			Help:    "Prompt tokens per LLM call.",
			Buckets: prometheus.ExponentialBuckets(250, 2, 10),
		},
		[]string{"model"},
	)
	aiCompletionTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wash_ai_completion_tokens",
			Help:    "Completion tokens per LLM call.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10),
		},
		[]string{"model"},
	)
	aiRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wash_ai_retries_total",
			Help: "Retries performed by ChatWithRetry after transient errors.",
		},
		[]string{"model"},
	)
)
