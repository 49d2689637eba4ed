package model

// PlanningMode определяет, как главы раскладываются по узлам.
type PlanningMode string

const (
	ModeAuto     PlanningMode = "auto"
	ModeSplit    PlanningMode = "split"
	ModeMerge    PlanningMode = "merge"
	ModeOneToOne PlanningMode = "one_to_one"
)

// Valid сообщает, известен ли режим.
func (m PlanningMode) Valid() bool {
	switch m {
	case ModeAuto, ModeSplit, ModeMerge, ModeOneToOne:
		return true
	}
	return false
}

// EventPlan - один узел плана: непрерывный диапазон глав.
type EventPlan struct {
	ID           int         `json:"id"`
	Type         ChapterType `json:"type"`
	StartChapter int         `json:"startChapter"`
	EndChapter   int         `json:"endChapter"`
	Description  string      `json:"description"`
	SceneCount   int         `json:"sceneCount"`
}

// Span - количество глав в узле.
func (e EventPlan) Span() int {
	return e.EndChapter - e.StartChapter + 1
}
