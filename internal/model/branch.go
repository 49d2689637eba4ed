package model

// BranchType - divergent уходит и не возвращается, convergent возвращается в основную линию.
type BranchType string

const (
	BranchDivergent  BranchType = "divergent"
	BranchConvergent BranchType = "convergent"
)

// BranchPlanItem - одна побочная ветка.
type BranchPlanItem struct {
	Type         BranchType `json:"type"`
	FromNodeID   int        `json:"fromNodeId"`
	ReturnNodeID *int       `json:"returnNodeId,omitempty"`
	Summary      string     `json:"summary"`
}

// BranchEvent - один бит ветки, привязанный к узлу основной линии.
type BranchEvent struct {
	EventID          int    `json:"eventId"`
	AnchorMainNodeID int    `json:"anchorMainNodeId"`
	Title            string `json:"title"`
	Summary          string `json:"summary"`
}
