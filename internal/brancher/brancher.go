package brancher

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"novel-wash/internal/config"
	"novel-wash/internal/llm"
	"novel-wash/internal/model"
	"novel-wash/internal/parser"
	"novel-wash/internal/prompts"
	"novel-wash/shared/utils"

	"go.uber.org/zap"
)

// Config - параметры генерации ветвлений.
type Config struct {
	TargetDivergent  int
	TargetConvergent int
	ContextRadius    int
	MinEvents        int
	MaxEvents        int
	MinNodes         int
	MaxNodes         int
	IdealNodeChars   int
	PlanModel        string
	WriteModel       string
	Language         string
}

// DefaultConfig: 2 расходящиеся и 3 сходящиеся ветки, радиус контекста 3,
// 3-6 событий на ветку, 3-8 узлов по ~1200 символов.
func DefaultConfig() Config {
	return Config{
		TargetDivergent:  2,
		TargetConvergent: 3,
		ContextRadius:    3,
		MinEvents:        3,
		MaxEvents:        6,
		MinNodes:         3,
		MaxNodes:         8,
		IdealNodeChars:   1200,
		Language:         "en",
	}
}

// ConfigFrom собирает Config из конфигурации приложения.
func ConfigFrom(cfg *config.Config, models llm.Models) Config {
	c := DefaultConfig()
	c.TargetDivergent = cfg.BranchTargetDivergent
	c.TargetConvergent = cfg.BranchTargetConvergent
	c.ContextRadius = cfg.BranchContextRadius
	c.PlanModel = models.Reasoning
	c.WriteModel = models.Reasoning
	c.Language = cfg.NovelLanguage
	return c
}

// TopologyError - кандидат ветки ссылается не туда: неизвестный узел,
// возврат не позже старта или неизвестный тип. Такой кандидат отбрасывается.
type TopologyError struct {
	Type         string
	FromNodeID   int
	ReturnNodeID int
	Reason       string
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("invalid %s branch from node %d (return %d): %s", e.Type, e.FromNodeID, e.ReturnNodeID, e.Reason)
}

// PlanReport - итог планирования веток.
type PlanReport struct {
	Requested   int
	Candidates  int
	Rejected    []*TopologyError
	UnderTarget bool
}

// Brancher планирует и пишет побочные ветки по завершённой основной линии.
type Brancher struct {
	client   llm.Client
	prompts  prompts.Renderer
	repairer parser.Repairer
	policy   llm.RetryPolicy
	cfg      Config
	logger   *zap.Logger
}

func New(client llm.Client, renderer prompts.Renderer, repairer parser.Repairer, policy llm.RetryPolicy, cfg Config, logger *zap.Logger) *Brancher {
	d := DefaultConfig()
	if cfg.ContextRadius < 0 {
		cfg.ContextRadius = d.ContextRadius
	}
	if cfg.MinEvents < 1 {
		cfg.MinEvents = d.MinEvents
	}
	if cfg.MaxEvents < cfg.MinEvents {
		cfg.MaxEvents = cfg.MinEvents
	}
	if cfg.MinNodes < 1 {
		cfg.MinNodes = d.MinNodes
	}
	if cfg.MaxNodes < cfg.MinNodes {
		cfg.MaxNodes = cfg.MinNodes
	}
	if cfg.IdealNodeChars < 1 {
		cfg.IdealNodeChars = d.IdealNodeChars
	}
	if cfg.Language == "" {
		cfg.Language = d.Language
	}
	return &Brancher{
		client:   client,
		prompts:  renderer,
		repairer: repairer,
		policy:   policy,
		cfg:      cfg,
		logger:   logger.Named("Brancher"),
	}
}

// WithModel - копия с моделью задачи для планирования и текста веток. Пустое имя ничего не меняет.
func (b *Brancher) WithModel(name string) *Brancher {
	if name == "" {
		return b
	}
	cp := *b
	cp.cfg.PlanModel = name
	cp.cfg.WriteModel = name
	return &cp
}

// MainSummary - компактное описание основной линии для промпта: описание и начало текста узла.
func MainSummary(main []model.Node) string {
	parts := make([]string, 0, len(main))
	for _, n := range main {
		parts = append(parts, fmt.Sprintf("Node %d: %s\n  Snippet: %s", n.ID, n.Description, utils.CollapseSpaces(utils.TruncateRunes(n.Content, 200))))
	}
	return strings.Join(parts, "\n\n")
}

// PlanBranches просит у модели targetDivergent+targetConvergent веток, отбрасывает
// кандидатов с неверной топологией и берёт первые N каждого типа.
// Недобор не ошибка: возвращается то, что есть, и UnderTarget в отчёте.
func (b *Brancher) PlanBranches(ctx context.Context, main []model.Node, targetDivergent, targetConvergent int) ([]model.BranchPlanItem, PlanReport, error) {
	rep := PlanReport{Requested: targetDivergent + targetConvergent}
	if len(main) == 0 {
		return nil, rep, fmt.Errorf("no main-line nodes found for branching")
	}
	msgs, err := b.prompts.Render(prompts.BranchPlan, b.cfg.Language, map[string]string{
		"targetDivergent":  strconv.Itoa(targetDivergent),
		"targetConvergent": strconv.Itoa(targetConvergent),
		"mainSummary":      MainSummary(main),
	})
	if err != nil {
		return nil, rep, err
	}
	raw, err := llm.ChatWithRetry(ctx, b.client, msgs, llm.Options{Model: b.cfg.PlanModel, MaxTokens: llm.MaxTokensPlanner}, b.policy, b.logger)
	if err != nil {
		return nil, rep, err
	}
	candidates, err := parser.Parse(ctx, raw, parser.BranchPlanSchema, b.repairer)
	if err != nil {
		return nil, rep, err
	}
	rep.Candidates = len(candidates)

	items, rejected := SelectBranches(candidates, main, targetDivergent, targetConvergent)
	rep.Rejected = rejected
	for _, r := range rejected {
		branchCandidatesRejected.WithLabelValues(r.Reason).Inc()
		b.logger.Warn("Branch candidate rejected", zap.Error(r))
	}
	rep.UnderTarget = len(items) < rep.Requested
	b.logger.Info("Branches planned",
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(items)),
		zap.Int("rejected", len(rejected)),
		zap.Bool("under_target", rep.UnderTarget),
	)
	return items, rep, nil
}

// SelectBranches проверяет топологию кандидатов и оставляет первые targetDivergent
// расходящихся и первые targetConvergent сходящихся веток. Недостающие не досоздаются.
func SelectBranches(candidates []parser.BranchCandidate, main []model.Node, targetDivergent, targetConvergent int) ([]model.BranchPlanItem, []*TopologyError) {
	ids := make(map[int]bool, len(main))
	for _, n := range main {
		ids[n.ID] = true
	}

	var divergent, convergent []model.BranchPlanItem
	var rejected []*TopologyError
	for _, c := range candidates {
		item, err := validate(c, ids)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		switch item.Type {
		case model.BranchDivergent:
			if len(divergent) < targetDivergent {
				divergent = append(divergent, item)
			}
		case model.BranchConvergent:
			if len(convergent) < targetConvergent {
				convergent = append(convergent, item)
			}
		}
	}
	return append(divergent, convergent...), rejected
}

func validate(c parser.BranchCandidate, mainIDs map[int]bool) (model.BranchPlanItem, *TopologyError) {
	typ := model.BranchType(strings.ToLower(strings.TrimSpace(c.Type)))
	from := c.From()
	ret, hasRet := c.Return()
	fail := func(reason string) (model.BranchPlanItem, *TopologyError) {
		return model.BranchPlanItem{}, &TopologyError{Type: string(typ), FromNodeID: from, ReturnNodeID: ret, Reason: reason}
	}

	if typ != model.BranchDivergent && typ != model.BranchConvergent {
		return fail("unknown_type")
	}
	if !mainIDs[from] {
		return fail("unknown_from_node")
	}
	item := model.BranchPlanItem{Type: typ, FromNodeID: from, Summary: strings.TrimSpace(c.Summary)}
	if typ == model.BranchConvergent {
		if !hasRet || !mainIDs[ret] {
			return fail("unknown_return_node")
		}
		if ret <= from {
			return fail("return_not_after_from")
		}
		item.ReturnNodeID = model.IntPtr(ret)
	}
	return item, nil
}
