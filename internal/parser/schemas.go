package parser

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// FlexInt принимает число, строку с числом или null.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == "" {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = FlexInt(math.Round(v))
	return nil
}

func firstSet(vals ...*FlexInt) (int, bool) {
	for _, v := range vals {
		if v != nil {
			return int(*v), true
		}
	}
	return 0, false
}

// PlanningEvent - сырой элемент плана. Модели пишут номера глав под разными именами.
type PlanningEvent struct {
	Type              string   `json:"type"`
	StartChapter      *FlexInt `json:"start_chapter,omitempty"`
	StartChapterCamel *FlexInt `json:"startChapter,omitempty"`
	Start             *FlexInt `json:"start,omitempty"`
	StartIndex        *FlexInt `json:"start_index,omitempty"`
	EndChapter        *FlexInt `json:"end_chapter,omitempty"`
	EndChapterCamel   *FlexInt `json:"endChapter,omitempty"`
	End               *FlexInt `json:"end,omitempty"`
	EndIndex          *FlexInt `json:"end_index,omitempty"`
	Description       string   `json:"description"`
	SceneCount        *FlexInt `json:"scene_count,omitempty"`
	SceneCountCamel   *FlexInt `json:"sceneCount,omitempty"`
}

// Range возвращает начало и конец; ok=false, если хотя бы одного нет.
func (p PlanningEvent) Range() (start, end int, ok bool) {
	start, okS := firstSet(p.StartChapter, p.StartChapterCamel, p.Start, p.StartIndex)
	end, okE := firstSet(p.EndChapter, p.EndChapterCamel, p.End, p.EndIndex)
	if okS && !okE {
		end, okE = start, true
	}
	return start, end, okS && okE
}

// Scenes - количество сцен, минимум 1.
func (p PlanningEvent) Scenes() int {
	if n, ok := firstSet(p.SceneCount, p.SceneCountCamel); ok && n > 0 {
		return n
	}
	return 1
}

// PlanningEventsSchema - массив событий плана или {"events": [...]}.
var PlanningEventsSchema = Schema[[]PlanningEvent]{
	Name:          "planning_events",
	Shape:         ShapeArray,
	WrapperFields: []string{"events", "planEvents", "plan", "nodes"},
	SingleAsArray: true,
}

// BranchCandidate - сырой элемент плана ветвлений.
type BranchCandidate struct {
	Type              string   `json:"type"`
	FromNodeID        *FlexInt `json:"fromNodeId,omitempty"`
	FromNodeIDSnake   *FlexInt `json:"from_node_id,omitempty"`
	ReturnNodeID      *FlexInt `json:"returnNodeId,omitempty"`
	ReturnNodeIDSnake *FlexInt `json:"return_node_id,omitempty"`
	Summary           string   `json:"summary"`
}

// From - id узла, от которого уходит ветка (0 - не указан).
func (b BranchCandidate) From() int {
	v, _ := firstSet(b.FromNodeID, b.FromNodeIDSnake)
	return v
}

// Return - id узла возврата, ok=false если не указан.
func (b BranchCandidate) Return() (int, bool) {
	return firstSet(b.ReturnNodeID, b.ReturnNodeIDSnake)
}

// BranchPlanSchema - {"branches": [...]} или массив.
var BranchPlanSchema = Schema[[]BranchCandidate]{
	Name:          "branch_plan",
	Shape:         ShapeArray,
	WrapperFields: []string{"branches", "items"},
}

// BranchEventItem - событие внутри ветки.
type BranchEventItem struct {
	EventID          FlexInt `json:"eventId"`
	AnchorMainNodeID FlexInt `json:"anchorMainNodeId" validate:"required"`
	Title            string  `json:"title"`
	Summary          string  `json:"summary" validate:"required"`
}

// BranchEventsSchema - {"events": [...]} или массив.
var BranchEventsSchema = Schema[[]BranchEventItem]{
	Name:          "branch_events",
	Shape:         ShapeArray,
	WrapperFields: []string{"events"},
}

// CharacterRef - персонаж из ответа индексации: строка или объект.
type CharacterRef struct {
	Name    string   `json:"name"`
	Role    string   `json:"role,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

func (c *CharacterRef) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		c.Name = name
		return nil
	}
	type plain CharacterRef
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = CharacterRef(p)
	return nil
}

// IndexingResult - ответ индексации одной главы.
type IndexingResult struct {
	Summary    string         `json:"summary" validate:"required"`
	Characters []CharacterRef `json:"characters"`
	KeyEvent   string         `json:"key_event"`
	Type       string         `json:"type"`
}

// Names - имена персонажей без пустых.
func (r IndexingResult) Names() []string {
	out := make([]string, 0, len(r.Characters))
	for _, c := range r.Characters {
		if n := strings.TrimSpace(c.Name); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// IndexingSchema - объект.
var IndexingSchema = Schema[IndexingResult]{Name: "indexing", Shape: ShapeObject}

// ReviewResult - оценка узла.
type ReviewResult struct {
	Score              FlexInt  `json:"score" validate:"min=1,max=5"`
	Completeness       FlexInt  `json:"completeness" validate:"omitempty,min=1,max=5"`
	EmotionalImpact    FlexInt  `json:"emotionalImpact" validate:"omitempty,min=1,max=5"`
	LogicalConsistency FlexInt  `json:"logicalConsistency" validate:"omitempty,min=1,max=5"`
	ChoiceQuality      FlexInt  `json:"choiceQuality" validate:"omitempty,min=1,max=5"`
	Issues             []string `json:"issues"`
	Suggestions        []string `json:"suggestions"`
}

// ReviewSchema - объект.
var ReviewSchema = Schema[ReviewResult]{Name: "review", Shape: ShapeObject}

// CharacterMapSchema - объект "старое имя" -> "новое имя".
var CharacterMapSchema = Schema[map[string]string]{
	Name:  "character_map",
	Shape: ShapeObject,
	Check: func(m map[string]string) error {
		if len(m) == 0 {
			return errors.New("empty character map")
		}
		return nil
	},
}
