package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SessionStatus - стадия сессии в пайплайне.
type SessionStatus string

const (
	SessionUploading SessionStatus = "uploading"
	SessionIndexing  SessionStatus = "indexing"
	SessionPlanning  SessionStatus = "planning"
	SessionConfirmed SessionStatus = "confirmed"
	SessionExecuting SessionStatus = "executing"
	SessionCompleted SessionStatus = "completed"
)

// Session - агрегат, который воркеры читают и изменяют под id сессии.
// Nodes хранится картой по строковому id, как в JSON документе.
type Session struct {
	ID              string            `json:"id"`
	Status          SessionStatus     `json:"status"`
	Language        string            `json:"language"`
	Chapters        map[int]Chapter   `json:"chapters"`
	ChapterIndex    []ChapterIndex    `json:"chapterIndex"`
	PlanEvents      []EventPlan       `json:"planEvents"`
	Nodes           map[string]Node   `json:"nodes"`
	CharacterMap    map[string]string `json:"characterMap,omitempty"`
	GlobalMemory    string            `json:"globalMemory"`
	ContentAnalysis *ContentAnalysis  `json:"contentAnalysis,omitempty"`
	Version         int64             `json:"version"`
}

// NodeKey - ключ узла в карте Nodes.
func NodeKey(id int) string {
	return strconv.Itoa(id)
}

// Node возвращает узел по id.
func (s *Session) Node(id int) (Node, bool) {
	n, ok := s.Nodes[NodeKey(id)]
	return n, ok
}

// PutNode сохраняет узел в карту.
func (s *Session) PutNode(n Node) {
	if s.Nodes == nil {
		s.Nodes = make(map[string]Node)
	}
	s.Nodes[NodeKey(n.ID)] = n
}

// SortedNodes возвращает узлы по возрастанию id. mainOnly отбрасывает сегменты веток.
func (s *Session) SortedNodes(mainOnly bool) []Node {
	out := make([]Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		if mainOnly && !n.IsMain() {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MaxNodeID - наибольший id среди всех узлов, 0 если узлов нет.
func (s *Session) MaxNodeID() int {
	max := 0
	for _, n := range s.Nodes {
		if n.ID > max {
			max = n.ID
		}
	}
	return max
}

// SortedChapters возвращает главы по номеру.
func (s *Session) SortedChapters() []Chapter {
	out := make([]Chapter, 0, len(s.Chapters))
	for _, c := range s.Chapters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// ChapterText склеивает главы start..end с заголовками на языке сессии.
// Отсутствующие в сессии номера пропускаются.
func (s *Session) ChapterText(start, end int, lang string) string {
	if end < start {
		return ""
	}
	blocks := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		c, ok := s.Chapters[i]
		if !ok {
			continue
		}
		header := fmt.Sprintf("--- Chapter %d: %s ---", c.Number, c.Title)
		if lang == "cn" {
			header = fmt.Sprintf("--- 第 %d 章: %s ---", c.Number, c.Title)
		}
		blocks = append(blocks, header+"\n"+c.Content)
	}
	return strings.Join(blocks, "\n\n")
}

// PlanConfirmed - план уже превращён в узлы, сессия дальше стадии планирования.
func (s *Session) PlanConfirmed() bool {
	switch s.Status {
	case SessionConfirmed, SessionExecuting, SessionCompleted:
		return true
	}
	return len(s.Nodes) > 0
}

// ConfirmPlan превращает план в pending-узлы основной линии.
func (s *Session) ConfirmPlan() {
	s.Nodes = make(map[string]Node, len(s.PlanEvents))
	for _, p := range s.PlanEvents {
		s.PutNode(NewNodeFromPlan(p))
	}
	s.Status = SessionConfirmed
}

// ResetNode возвращает узел id в pending с пустым текстом и считает перегенерацию.
// Остальные узлы не меняются. false - узла нет.
func (s *Session) ResetNode(id int) bool {
	n, ok := s.Node(id)
	if !ok {
		return false
	}
	n.Status = NodePending
	n.Content = ""
	n.QualityScore = nil
	n.RerollCount++
	s.PutNode(n)
	return true
}

// MainLineCompleted - все узлы основной линии готовы.
func (s *Session) MainLineCompleted() bool {
	main := s.SortedNodes(true)
	if len(main) == 0 {
		return false
	}
	for _, n := range main {
		if n.Status != NodeCompleted {
			return false
		}
	}
	return true
}
