package brancher

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"novel-wash/internal/llm"
	"novel-wash/internal/model"
	"novel-wash/internal/parser"
	"novel-wash/internal/prompts"

	"go.uber.org/zap"
)

// ContextWindow - узлы основной линии в радиусе radius от FromNodeID
// и, для сходящейся ветки, от ReturnNodeID. Порядок по id.
func ContextWindow(item model.BranchPlanItem, main []model.Node, radius int) []model.Node {
	near := func(id, center int) bool {
		return id >= center-radius && id <= center+radius
	}
	out := make([]model.Node, 0, 2*radius+1)
	for _, n := range main {
		if near(n.ID, item.FromNodeID) || (item.ReturnNodeID != nil && near(n.ID, *item.ReturnNodeID)) {
			out = append(out, n)
		}
	}
	return out
}

// PlanEvents раскладывает ветку на min..max событий, каждое привязано к узлу основной линии.
// id событий 1..M подряд; якорь вне основной линии заменяется на FromNodeID.
// Неразбираемый ответ даёт одно событие из описания ветки.
func (b *Brancher) PlanEvents(ctx context.Context, item model.BranchPlanItem, main []model.Node, minEvents, maxEvents int) ([]model.BranchEvent, error) {
	window := ContextWindow(item, main, b.cfg.ContextRadius)
	returnClause := ""
	if item.Type == model.BranchConvergent && item.ReturnNodeID != nil {
		returnClause = fmt.Sprintf(" and returning to main node %d", *item.ReturnNodeID)
	}
	msgs, err := b.prompts.Render(prompts.BranchEvents, b.cfg.Language, map[string]string{
		"minEvents":     strconv.Itoa(minEvents),
		"maxEvents":     strconv.Itoa(maxEvents),
		"branchType":    string(item.Type),
		"fromNodeId":    strconv.Itoa(item.FromNodeID),
		"returnClause":  returnClause,
		"branchSummary": item.Summary,
		"mainContext":   MainSummary(window),
	})
	if err != nil {
		return nil, err
	}
	raw, err := llm.ChatWithRetry(ctx, b.client, msgs, llm.Options{Model: b.cfg.PlanModel, MaxTokens: llm.MaxTokensPlanner}, b.policy, b.logger)
	if err != nil {
		return nil, err
	}
	items, err := parser.Parse(ctx, raw, parser.BranchEventsSchema, b.repairer)
	if err != nil {
		if !parser.IsParseError(err) {
			return nil, err
		}
		b.logger.Warn("Branch events unparsable, using single event", zap.Int("from_node", item.FromNodeID), zap.Error(err))
		items = nil
	}
	events := normalizeBranchEvents(items, item, main, maxEvents)
	if len(events) < minEvents {
		b.logger.Info("Branch has fewer events than requested",
			zap.Int("from_node", item.FromNodeID), zap.Int("events", len(events)), zap.Int("min", minEvents))
	}
	return events, nil
}

func normalizeBranchEvents(items []parser.BranchEventItem, item model.BranchPlanItem, main []model.Node, maxEvents int) []model.BranchEvent {
	mainIDs := make(map[int]bool, len(main))
	for _, n := range main {
		mainIDs[n.ID] = true
	}
	out := make([]model.BranchEvent, 0, len(items))
	for _, it := range items {
		if maxEvents > 0 && len(out) == maxEvents {
			break
		}
		anchor := int(it.AnchorMainNodeID)
		if !mainIDs[anchor] {
			anchor = item.FromNodeID
		}
		out = append(out, model.BranchEvent{
			EventID:          len(out) + 1,
			AnchorMainNodeID: anchor,
			Title:            strings.TrimSpace(it.Title),
			Summary:          strings.TrimSpace(it.Summary),
		})
	}
	if len(out) == 0 {
		out = append(out, model.BranchEvent{
			EventID:          1,
			AnchorMainNodeID: item.FromNodeID,
			Title:            item.Summary,
			Summary:          item.Summary,
		})
	}
	return out
}
