package brancher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	branchCandidatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wash_branch_candidates_rejected_total",
		Help: "Branch candidates dropped by topology validation.",
	}, []string{"reason"})
	branchNodesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wash_branch_nodes_created_total",
		Help: "Branch nodes persisted, by branch type.",
	}, []string{"branch_type"})
	renameFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wash_character_rename_fallbacks_total",
		Help: "LLM rename passes that failed and left only the deterministic replacement.",
	})
)
