package model

// ChapterType - тип главы/узла: кульминационный или связующий.
type ChapterType string

const (
	TypeHighlight ChapterType = "highlight"
	TypeNormal    ChapterType = "normal"
)

// Chapter - исходная глава романа. Неизменяема после разбора.
type Chapter struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ChapterIndex - результат индексации одной главы.
type ChapterIndex struct {
	Number     int         `json:"number"`
	Title      string      `json:"title"`
	Summary    string      `json:"summary"`
	Characters []string    `json:"characters"`
	KeyEvent   string      `json:"keyEvent"`
	Type       ChapterType `json:"type"`
}

// ContentAnalysis - рекомендации, посчитанные после индексации.
type ContentAnalysis struct {
	TotalChapters    int          `json:"totalChapters"`
	AvgChapterLength int          `json:"avgChapterLength"`
	RecommendedMode  PlanningMode `json:"recommendedMode,omitempty"`
	TargetNodeCount  int          `json:"targetNodeCount,omitempty"`
	RemapCharacters  bool         `json:"remapCharacters,omitempty"`

	LastPlanEventCount int  `json:"lastPlanEventCount,omitempty"`
	LastPlanUserTarget *int `json:"lastPlanUserTarget,omitempty"`
}
