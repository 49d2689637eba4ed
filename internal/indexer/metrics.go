package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chapterFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wash_indexer_chapter_fallbacks_total",
		Help: "Chapters indexed with a placeholder entry.",
	}, []string{"reason"})
	characterMapFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wash_indexer_character_map_failures_total",
		Help: "Character map builds that failed after indexing.",
	})
)
