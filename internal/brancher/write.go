package brancher

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"novel-wash/internal/llm"
	"novel-wash/internal/model"
	"novel-wash/internal/parser"
	"novel-wash/internal/prompts"
	"novel-wash/shared/utils"
)

const (
	anchorTextLimit   = 2000
	returnSnippetSize = 400
	previousTailSize  = 600
)

// AnchorSnippet - описание узла-якоря и начало текста его глав.
func AnchorSnippet(s *model.Session, anchorID int, lang string) string {
	n, ok := s.Node(anchorID)
	if !ok {
		return ""
	}
	text := s.ChapterText(n.StartChapter, n.EndChapter, lang)
	return n.Description + "\n\n" + utils.TruncateRunes(text, anchorTextLimit)
}

// ReturnSnippet - первый абзац узла возврата. Только для сходящихся веток.
func ReturnSnippet(s *model.Session, item model.BranchPlanItem) string {
	if item.Type != model.BranchConvergent || item.ReturnNodeID == nil {
		return ""
	}
	n, ok := s.Node(*item.ReturnNodeID)
	if !ok {
		return ""
	}
	return utils.FirstParagraph(n.Content, returnSnippetSize)
}

// WriteSegment пишет текст одного события ветки. previous - уже написанный текст ветки.
func (b *Brancher) WriteSegment(ctx context.Context, s *model.Session, item model.BranchPlanItem, ev model.BranchEvent, previous string) (string, error) {
	returnSnippet := ""
	if snip := ReturnSnippet(s, item); snip != "" {
		returnSnippet = fmt.Sprintf("The branch must end by leading naturally into this main-line moment (node %d):\n%s", *item.ReturnNodeID, snip)
	}
	msgs, err := b.prompts.Render(prompts.BranchWrite, b.cfg.Language, map[string]string{
		"eventId":       strconv.Itoa(ev.EventID),
		"branchType":    string(item.Type),
		"eventTitle":    ev.Title,
		"eventSummary":  ev.Summary,
		"branchSummary": item.Summary,
		"previousTail":  utils.TailRunes(previous, previousTailSize),
		"returnSnippet": returnSnippet,
		"mainSnippet":   AnchorSnippet(s, ev.AnchorMainNodeID, b.cfg.Language),
	})
	if err != nil {
		return "", err
	}
	raw, err := llm.ChatWithRetry(ctx, b.client, msgs, llm.Options{Model: b.cfg.WriteModel, MaxTokens: llm.MaxTokensBranch}, b.policy, b.logger)
	if err != nil {
		return "", err
	}
	return parser.CleanMarkdown(raw), nil
}

// WriteBranch пишет все события ветки подряд и склеивает текст абзацами.
func (b *Brancher) WriteBranch(ctx context.Context, s *model.Session, item model.BranchPlanItem, events []model.BranchEvent) (string, error) {
	var parts []string
	for _, ev := range events {
		text, err := b.WriteSegment(ctx, s, item, ev, strings.Join(parts, "\n\n"))
		if err != nil {
			return "", fmt.Errorf("write event %d: %w", ev.EventID, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// SegmentIntoNodes делит текст ветки по абзацам на minNodes..maxNodes кусков
// примерно по ideal символов. Если абзацев меньше, кусков столько же, сколько абзацев.
func SegmentIntoNodes(text string, minNodes, maxNodes, ideal int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	paragraphs := utils.Paragraphs(trimmed)
	if len(paragraphs) == 0 {
		return []string{trimmed}
	}
	if ideal < 1 {
		ideal = 1
	}

	target := int(math.Round(float64(len([]rune(trimmed))) / float64(ideal)))
	if target == 0 {
		target = minNodes
	}
	if target < minNodes {
		target = minNodes
	}
	if target > maxNodes {
		target = maxNodes
	}
	size := int(math.Round(float64(len(paragraphs)) / float64(target)))
	if size < 1 {
		size = 1
	}

	var segments []string
	for i := 0; i < len(paragraphs); i += size {
		end := i + size
		if end > len(paragraphs) {
			end = len(paragraphs)
		}
		segments = append(segments, strings.Join(paragraphs[i:end], "\n\n"))
	}
	for len(segments) > maxNodes && len(segments) > 1 {
		last := segments[len(segments)-1]
		segments = segments[:len(segments)-1]
		segments[len(segments)-1] += "\n\n" + last
	}
	return segments
}

// BuildBranchNodes превращает куски текста в узлы с id от firstID.
// Все узлы ссылаются на FromNodeID, ReturnToNodeID только у последнего узла сходящейся ветки.
func BuildBranchNodes(branchID string, item model.BranchPlanItem, from model.Node, segments []string, firstID int) []model.Node {
	desc := item.Summary
	if desc == "" {
		desc = from.Description
	}
	out := make([]model.Node, 0, len(segments))
	for i, seg := range segments {
		last := i == len(segments)-1
		n := model.Node{
			EventPlan: model.EventPlan{
				ID:           firstID + i,
				Type:         from.Type,
				StartChapter: from.StartChapter,
				EndChapter:   from.EndChapter,
				Description:  desc,
				SceneCount:   1,
			},
			Content:      seg,
			Status:       model.NodeCompleted,
			Kind:         model.NodeKindBranchBody,
			BranchID:     branchID,
			BranchKind:   item.Type,
			ParentNodeID: model.IntPtr(from.ID),
		}
		if last {
			n.Kind = model.NodeKindBranchEnd
			if item.Type == model.BranchConvergent && item.ReturnNodeID != nil {
				n.ReturnToNodeID = model.IntPtr(*item.ReturnNodeID)
			}
		}
		out = append(out, n)
	}
	return out
}
