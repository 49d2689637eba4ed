package planner

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"novel-wash/internal/model"
	"novel-wash/internal/parser"
)

// TransitionDescription - описание узла, закрывающего непокрытые главы.
const TransitionDescription = "Transition segment"

// Gap - непрерывный диапазон реальных глав, который не покрыл ни один узел.
type Gap struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CoverageError - план нарушает инварианты: главы без узла, пересечения, разрывы id.
type CoverageError struct {
	Missing     []int
	Overlapping []int
	Problems    []string
}

func (e *CoverageError) Error() string {
	parts := make([]string, 0, 3)
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing chapters %v", e.Missing))
	}
	if len(e.Overlapping) > 0 {
		parts = append(parts, fmt.Sprintf("chapters covered twice %v", e.Overlapping))
	}
	parts = append(parts, e.Problems...)
	return "plan coverage violated: " + strings.Join(parts, "; ")
}

// normalizeEvents приводит сырые события модели к диапазонам внутри батча.
// События без номеров глав отбрасываются: дыры закроет патч.
func normalizeEvents(items []parser.PlanningEvent, batch []model.ChapterIndex) []model.EventPlan {
	first, last := batch[0].Number, batch[len(batch)-1].Number
	out := make([]model.EventPlan, 0, len(items))
	for _, it := range items {
		start, end, ok := it.Range()
		if !ok {
			continue
		}
		if start < first {
			start = first
		}
		if end > last {
			end = last
		}
		if start > last || end < first {
			continue
		}
		if end < start {
			end = start
		}
		typ := normalizeType(it.Type)
		desc := strings.TrimSpace(it.Description)
		if desc == "" {
			desc = defaultDescription(start, end, typ)
		}
		out = append(out, model.EventPlan{
			Type:         typ,
			StartChapter: start,
			EndChapter:   end,
			Description:  desc,
			SceneCount:   it.Scenes(),
		})
	}
	return trimOverlaps(out)
}

func normalizeType(raw string) model.ChapterType {
	t := strings.ToLower(raw)
	if strings.Contains(t, "highlight") || strings.Contains(t, "高光") {
		return model.TypeHighlight
	}
	return model.TypeNormal
}

// trimOverlaps сортирует по началу и срезает начало узла, заходящее на предыдущий.
// Узел, от которого ничего не осталось, удаляется.
func trimOverlaps(events []model.EventPlan) []model.EventPlan {
	sorted := append([]model.EventPlan(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].StartChapter != sorted[j].StartChapter {
			return sorted[i].StartChapter < sorted[j].StartChapter
		}
		return sorted[i].EndChapter > sorted[j].EndChapter
	})
	out := make([]model.EventPlan, 0, len(sorted))
	for _, e := range sorted {
		if n := len(out); n > 0 && e.StartChapter <= out[n-1].EndChapter {
			e.StartChapter = out[n-1].EndChapter + 1
		}
		if e.StartChapter > e.EndChapter {
			continue
		}
		out = append(out, e)
	}
	return out
}

// coverageRatio - доля глав батча, попавших хотя бы в один узел.
func coverageRatio(events []model.EventPlan, batch []model.ChapterIndex) float64 {
	if len(batch) == 0 {
		return 1
	}
	covered := 0
	for _, c := range batch {
		if coveredBy(events, c.Number) {
			covered++
		}
	}
	return float64(covered) / float64(len(batch))
}

func coveredBy(events []model.EventPlan, chapter int) bool {
	for _, e := range events {
		if chapter >= e.StartChapter && chapter <= e.EndChapter {
			return true
		}
	}
	return false
}

// patchGaps закрывает главы из индекса, не попавшие ни в один узел, узлами-переходами.
// Серия разрывается на отсутствующем в индексе номере: несуществующие главы не выдумываются.
func patchGaps(events []model.EventPlan, index []model.ChapterIndex) ([]model.EventPlan, []Gap) {
	var gaps []Gap
	var cur *Gap
	for _, c := range index {
		if coveredBy(events, c.Number) {
			cur = nil
			continue
		}
		if cur != nil && c.Number == cur.End+1 {
			cur.End = c.Number
			continue
		}
		gaps = append(gaps, Gap{Start: c.Number, End: c.Number})
		cur = &gaps[len(gaps)-1]
	}
	if len(gaps) == 0 {
		return events, nil
	}
	out := append([]model.EventPlan(nil), events...)
	for _, g := range gaps {
		out = append(out, model.EventPlan{
			Type:         model.TypeNormal,
			StartChapter: g.Start,
			EndChapter:   g.End,
			Description:  TransitionDescription,
			SceneCount:   1,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartChapter < out[j].StartChapter })
	return out, gaps
}

func withinTolerance(n, target int, tolerance float64) bool {
	lo := float64(target) * (1 - tolerance)
	hi := float64(target) * (1 + tolerance)
	return float64(n) >= lo-1e-9 && float64(n) <= hi+1e-9
}

// enforceTarget доводит число узлов до target±tolerance: слияние соседней пары
// с наименьшим суммарным размахом или деление самого длинного узла пополам.
// Возвращает план и число слияний и делений.
func enforceTarget(events []model.EventPlan, index []model.ChapterIndex, target int, tolerance float64) ([]model.EventPlan, int, int) {
	out := append([]model.EventPlan(nil), events...)
	merges, splits := 0, 0
	hi := math.Floor(float64(target)*(1+tolerance) + 1e-9)
	lo := math.Ceil(float64(target)*(1-tolerance) - 1e-9)

	for float64(len(out)) > hi && len(out) > 1 {
		best := 0
		for i := 1; i < len(out)-1; i++ {
			if pairSpan(out, i) < pairSpan(out, best) {
				best = i
			}
		}
		out = mergeAt(out, best)
		merges++
	}

	for float64(len(out)) < lo {
		idx, cut := -1, 0
		for i, e := range out {
			chapters := realChapters(index, e)
			if len(chapters) < 2 {
				continue
			}
			if idx < 0 || e.Span() > out[idx].Span() {
				idx, cut = i, chapters[len(chapters)/2]
			}
		}
		if idx < 0 {
			break
		}
		out = splitAt(out, idx, cut)
		splits++
	}
	return out, merges, splits
}

func pairSpan(events []model.EventPlan, i int) int {
	return events[i].Span() + events[i+1].Span()
}

func mergeAt(events []model.EventPlan, i int) []model.EventPlan {
	a, b := events[i], events[i+1]
	typ := model.TypeNormal
	if a.Type == model.TypeHighlight || b.Type == model.TypeHighlight {
		typ = model.TypeHighlight
	}
	merged := model.EventPlan{
		Type:         typ,
		StartChapter: a.StartChapter,
		EndChapter:   b.EndChapter,
		SceneCount:   a.SceneCount + b.SceneCount,
	}
	merged.Description = mergedDescription(a, b, merged)
	out := make([]model.EventPlan, 0, len(events)-1)
	out = append(out, events[:i]...)
	out = append(out, merged)
	return append(out, events[i+2:]...)
}

// splitAt делит узел так, что вторая часть начинается с главы cut.
func splitAt(events []model.EventPlan, i, cut int) []model.EventPlan {
	e := events[i]
	left, right := e, e
	left.EndChapter = cut - 1
	right.StartChapter = cut
	base := customDescription(e)
	left.Description = partDescription(base, left)
	right.Description = partDescription(base, right)
	left.SceneCount = (e.SceneCount + 1) / 2
	right.SceneCount = e.SceneCount / 2
	if right.SceneCount < 1 {
		right.SceneCount = 1
	}
	out := make([]model.EventPlan, 0, len(events)+1)
	out = append(out, events[:i]...)
	out = append(out, left, right)
	return append(out, events[i+1:]...)
}

// partSuffixRe - суффикс части узла после деления: " (ch. 3-5)".
var partSuffixRe = regexp.MustCompile(`\s*\(ch\. \d+-\d+\)$`)

// customDescription - описание узла без суффикса части. Пусто, если описание
// сгенерировано по диапазону: его пересобирают под новый диапазон.
func customDescription(e model.EventPlan) string {
	base := strings.TrimSpace(partSuffixRe.ReplaceAllString(strings.TrimSpace(e.Description), ""))
	if base == defaultDescription(e.StartChapter, e.EndChapter, e.Type) {
		return ""
	}
	return base
}

// partDescription - описание части после деления. Суффиксы не вкладываются друг в друга.
func partDescription(base string, e model.EventPlan) string {
	if base == "" {
		return defaultDescription(e.StartChapter, e.EndChapter, e.Type)
	}
	return fmt.Sprintf("%s (ch. %d-%d)", base, e.StartChapter, e.EndChapter)
}

// mergedDescription склеивает описания соседей. Части одного узла снова дают его описание,
// пустые стороны не оставляют разделителя.
func mergedDescription(a, b, merged model.EventPlan) string {
	da, db := customDescription(a), customDescription(b)
	switch {
	case da == "" && db == "":
		return defaultDescription(merged.StartChapter, merged.EndChapter, merged.Type)
	case db == "" || da == db:
		return da
	case da == "":
		return db
	}
	return da + " / " + db
}

// realChapters - номера глав индекса внутри узла.
func realChapters(index []model.ChapterIndex, e model.EventPlan) []int {
	var out []int
	for _, c := range index {
		if c.Number >= e.StartChapter && c.Number <= e.EndChapter {
			out = append(out, c.Number)
		}
	}
	return out
}

func renumber(events []model.EventPlan) []model.EventPlan {
	out := append([]model.EventPlan(nil), events...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartChapter < out[j].StartChapter })
	for i := range out {
		out[i].ID = i + 1
	}
	return out
}

// Verify проверяет итоговый план: каждая глава индекса ровно в одном узле,
// id 1..N по возрастанию начала, start <= end. nil - план корректен.
func Verify(plan []model.EventPlan, index []model.ChapterIndex) *CoverageError {
	ce := &CoverageError{}
	for i, e := range plan {
		if e.ID != i+1 {
			ce.Problems = append(ce.Problems, fmt.Sprintf("node at position %d has id %d", i+1, e.ID))
		}
		if e.StartChapter > e.EndChapter {
			ce.Problems = append(ce.Problems, fmt.Sprintf("node %d has start %d > end %d", e.ID, e.StartChapter, e.EndChapter))
		}
		if i > 0 && e.StartChapter <= plan[i-1].StartChapter {
			ce.Problems = append(ce.Problems, fmt.Sprintf("node %d does not start after node %d", e.ID, plan[i-1].ID))
		}
	}
	for _, c := range index {
		n := 0
		for _, e := range plan {
			if c.Number >= e.StartChapter && c.Number <= e.EndChapter {
				n++
			}
		}
		switch {
		case n == 0:
			ce.Missing = append(ce.Missing, c.Number)
		case n > 1:
			ce.Overlapping = append(ce.Overlapping, c.Number)
		}
	}
	if len(ce.Missing) == 0 && len(ce.Overlapping) == 0 && len(ce.Problems) == 0 {
		return nil
	}
	return ce
}
