package planner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"novel-wash/internal/config"
	"novel-wash/internal/llm"
	"novel-wash/internal/model"
	"novel-wash/internal/parser"
	"novel-wash/internal/prompts"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultTargetRatio - целевое число узлов от числа глав, если цель не задана.
const DefaultTargetRatio = 0.8

// Config - параметры планировщика.
type Config struct {
	BatchSize         int
	MinBatchSize      int
	CoverageThreshold float64
	TargetTolerance   float64
	Model             string
	Language          string
}

// DefaultConfig: батчи по 50, деление до 5 глав, порог покрытия 0.8, допуск ±15%.
func DefaultConfig() Config {
	return Config{
		BatchSize:         50,
		MinBatchSize:      5,
		CoverageThreshold: 0.8,
		TargetTolerance:   0.15,
		Language:          "en",
	}
}

// ConfigFrom собирает Config из конфигурации приложения.
func ConfigFrom(cfg *config.Config, models llm.Models) Config {
	return Config{
		BatchSize:         cfg.PlannerBatchSize,
		MinBatchSize:      cfg.PlannerMinBatchSize,
		CoverageThreshold: cfg.PlannerCoverageThreshold,
		TargetTolerance:   cfg.PlannerTargetTolerance,
		Model:             models.Reasoning,
		Language:          cfg.NovelLanguage,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BatchSize < 1 {
		c.BatchSize = d.BatchSize
	}
	if c.MinBatchSize < 1 {
		c.MinBatchSize = d.MinBatchSize
	}
	if c.CoverageThreshold <= 0 || c.CoverageThreshold > 1 {
		c.CoverageThreshold = d.CoverageThreshold
	}
	if c.TargetTolerance < 0 {
		c.TargetTolerance = d.TargetTolerance
	}
	if c.Language == "" {
		c.Language = d.Language
	}
	return c
}

// Request - один запуск планирования.
type Request struct {
	Index              []model.ChapterIndex
	Mode               model.PlanningMode
	Target             int
	CustomInstructions string
	Model              string
	// OnBatch вызывается после каждого спланированного батча верхнего уровня.
	OnBatch func(done, total int)
}

// Report - что произошло во время планирования.
type Report struct {
	Target       int
	Batches      int
	Bisections   int
	Fallbacks    int
	LowCoverage  int
	PatchedGaps  []Gap
	Merges       int
	Splits       int
	WithinTarget bool
	// Coverage - нарушение инвариантов после всех исправлений. Не ошибка задания.
	Coverage *CoverageError
}

// Planner разбивает индекс глав на узлы событий.
type Planner struct {
	client   llm.Client
	prompts  prompts.Renderer
	repairer parser.Repairer
	policy   llm.RetryPolicy
	cfg      Config
	logger   *zap.Logger
}

func New(client llm.Client, renderer prompts.Renderer, repairer parser.Repairer, policy llm.RetryPolicy, cfg Config, logger *zap.Logger) *Planner {
	return &Planner{
		client:   client,
		prompts:  renderer,
		repairer: repairer,
		policy:   policy,
		cfg:      cfg.normalized(),
		logger:   logger.Named("Planner"),
	}
}

// DefaultTarget - round(глав * 0.8), не меньше 1.
func DefaultTarget(totalChapters int) int {
	t := int(math.Round(float64(totalChapters) * DefaultTargetRatio))
	if t < 1 {
		t = 1
	}
	return t
}

// Plan - план для индекса в режиме mode с целевым числом узлов target (0 - по умолчанию).
func (p *Planner) Plan(ctx context.Context, index []model.ChapterIndex, mode model.PlanningMode, target int) ([]model.EventPlan, Report, error) {
	return p.PlanWith(ctx, Request{Index: index, Mode: mode, Target: target})
}

// PlanWith - Plan с дополнительными параметрами запроса.
func (p *Planner) PlanWith(ctx context.Context, req Request) ([]model.EventPlan, Report, error) {
	index := sortedIndex(req.Index)
	if len(index) == 0 {
		return nil, Report{}, fmt.Errorf("no chapter index found")
	}
	mode := req.Mode
	if mode == "" {
		mode = model.ModeAuto
	}
	if !mode.Valid() {
		return nil, Report{}, fmt.Errorf("unknown planning mode %q", mode)
	}
	target := req.Target
	if target <= 0 {
		target = DefaultTarget(len(index))
	}
	rep := &Report{Target: target}
	logger := p.logger.With(zap.String("mode", string(mode)), zap.Int("chapters", len(index)), zap.Int("target", target))

	var plan []model.EventPlan
	if mode == model.ModeOneToOne {
		plan = oneToOne(index)
		if req.OnBatch != nil {
			req.OnBatch(1, 1)
		}
	} else {
		var err error
		plan, err = p.planBatches(ctx, req, index, mode, target, rep)
		if err != nil {
			return nil, *rep, err
		}
		plan, rep.PatchedGaps = patchGaps(plan, index)
		plan, rep.Merges, rep.Splits = enforceTarget(plan, index, target, p.cfg.TargetTolerance)
	}

	plan = renumber(plan)
	rep.WithinTarget = withinTolerance(len(plan), target, p.cfg.TargetTolerance)
	rep.Coverage = Verify(plan, index)
	if rep.Coverage != nil {
		logger.Warn("Plan violates coverage after patching", zap.Error(rep.Coverage))
	}
	logger.Info("Plan built",
		zap.Int("nodes", len(plan)),
		zap.Int("batches", rep.Batches),
		zap.Int("bisections", rep.Bisections),
		zap.Int("fallbacks", rep.Fallbacks),
		zap.Int("patched_gaps", len(rep.PatchedGaps)),
		zap.Int("merges", rep.Merges),
		zap.Int("splits", rep.Splits),
	)
	return plan, *rep, nil
}

func oneToOne(index []model.ChapterIndex) []model.EventPlan {
	out := make([]model.EventPlan, 0, len(index))
	for i, c := range index {
		typ := c.Type
		if typ != model.TypeHighlight {
			typ = model.TypeNormal
		}
		desc := c.Summary
		if desc == "" {
			desc = defaultDescription(c.Number, c.Number, typ)
		}
		out = append(out, model.EventPlan{
			ID:           i + 1,
			Type:         typ,
			StartChapter: c.Number,
			EndChapter:   c.Number,
			Description:  desc,
			SceneCount:   1,
		})
	}
	return out
}

// planBatches планирует батчи верхнего уровня параллельно и склеивает результат.
func (p *Planner) planBatches(ctx context.Context, req Request, index []model.ChapterIndex, mode model.PlanningMode, target int, rep *Report) ([]model.EventPlan, error) {
	batches := chunk(index, p.cfg.BatchSize)
	rep.Batches = len(batches)
	results := make([][]model.EventPlan, len(batches))

	var (
		mu   sync.Mutex
		done int
	)
	st := &batchState{req: req, mode: mode, rep: rep}

	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		i, batch := i, batch
		share := proportionalShare(target, len(batch), len(index))
		g.Go(func() error {
			events, err := p.planBatch(gctx, st, batch, share)
			if err != nil {
				return err
			}
			results[i] = events
			if req.OnBatch != nil {
				mu.Lock()
				done++
				req.OnBatch(done, len(batches))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []model.EventPlan
	for _, r := range results {
		merged = append(merged, r...)
	}
	return trimOverlaps(merged), nil
}

type batchState struct {
	req  Request
	mode model.PlanningMode
	mu   sync.Mutex
	rep  *Report
}

func (s *batchState) count(fn func(r *Report)) {
	s.mu.Lock()
	fn(s.rep)
	s.mu.Unlock()
}

// planBatch - один вызов модели на батч. Низкое покрытие или неразбираемый ответ
// ведут к делению пополам, пока батч больше минимального.
func (p *Planner) planBatch(ctx context.Context, st *batchState, batch []model.ChapterIndex, target int) ([]model.EventPlan, error) {
	logger := p.logger.With(
		zap.Int("first_chapter", batch[0].Number),
		zap.Int("last_chapter", batch[len(batch)-1].Number),
		zap.Int("batch_target", target),
	)

	events, err := p.callModel(ctx, st, batch, target)
	if err != nil && !parser.IsParseError(err) {
		return nil, err
	}
	coverage := 0.0
	if err == nil {
		coverage = coverageRatio(events, batch)
		if coverage >= p.cfg.CoverageThreshold {
			return events, nil
		}
	}

	if len(batch) > p.cfg.MinBatchSize {
		logger.Warn("Batch result unusable, bisecting", zap.Float64("coverage", coverage), zap.Error(err))
		plannerBisections.Inc()
		st.count(func(r *Report) { r.Bisections++ })
		return p.bisect(ctx, st, batch, target)
	}

	if err != nil {
		// на минимальном батче модель так и не дала разбираемый ответ
		logger.Warn("Batch unparsable at minimum size, using linear fallback", zap.Error(err))
		plannerFallbacks.Inc()
		st.count(func(r *Report) { r.Fallbacks++ })
		return []model.EventPlan{linearFallback(batch)}, nil
	}
	logger.Warn("Batch coverage below threshold at minimum size, gaps will be patched", zap.Float64("coverage", coverage))
	st.count(func(r *Report) { r.LowCoverage++ })
	return events, nil
}

func (p *Planner) bisect(ctx context.Context, st *batchState, batch []model.ChapterIndex, target int) ([]model.EventPlan, error) {
	mid := len(batch) / 2
	halves := [2][]model.ChapterIndex{batch[:mid], batch[mid:]}
	var results [2][]model.EventPlan

	g, gctx := errgroup.WithContext(ctx)
	for i := range halves {
		i := i
		share := proportionalShare(target, len(halves[i]), len(batch))
		g.Go(func() error {
			events, err := p.planBatch(gctx, st, halves[i], share)
			results[i] = events
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(results[0], results[1]...), nil
}

func (p *Planner) callModel(ctx context.Context, st *batchState, batch []model.ChapterIndex, target int) ([]model.EventPlan, error) {
	msgs, err := p.prompts.Render(prompts.Planning, p.cfg.Language, map[string]string{
		"mode":               string(st.mode),
		"targetNodeCount":    strconv.Itoa(target),
		"firstChapter":       strconv.Itoa(batch[0].Number),
		"lastChapter":        strconv.Itoa(batch[len(batch)-1].Number),
		"chapterSummaries":   ChapterSummaries(batch),
		"customInstructions": st.req.CustomInstructions,
	})
	if err != nil {
		return nil, err
	}
	modelName := st.req.Model
	if modelName == "" {
		modelName = p.cfg.Model
	}
	raw, err := llm.ChatWithRetry(ctx, p.client, msgs, llm.Options{Model: modelName, MaxTokens: llm.MaxTokensPlanner}, p.policy, p.logger)
	if err != nil {
		return nil, err
	}
	items, err := parser.Parse(ctx, raw, parser.PlanningEventsSchema, p.repairer)
	if err != nil {
		return nil, err
	}
	return normalizeEvents(items, batch), nil
}

// ChapterSummaries - текст индекса для промпта.
func ChapterSummaries(batch []model.ChapterIndex) string {
	var b strings.Builder
	for i, c := range batch {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Chapter %d: %s\n  Summary: %s\n  Type: %s\n  Key Event: %s", c.Number, c.Title, c.Summary, c.Type, c.KeyEvent)
	}
	return b.String()
}

func sortedIndex(index []model.ChapterIndex) []model.ChapterIndex {
	out := make([]model.ChapterIndex, 0, len(index))
	seen := make(map[int]bool, len(index))
	for _, c := range index {
		if seen[c.Number] {
			continue
		}
		seen[c.Number] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func chunk(index []model.ChapterIndex, size int) [][]model.ChapterIndex {
	var out [][]model.ChapterIndex
	for start := 0; start < len(index); start += size {
		end := start + size
		if end > len(index) {
			end = len(index)
		}
		out = append(out, index[start:end])
	}
	return out
}

// proportionalShare - round(target * part / whole), не меньше 1.
func proportionalShare(target, part, whole int) int {
	if whole == 0 {
		return 1
	}
	n := int(math.Round(float64(target) * float64(part) / float64(whole)))
	if n < 1 {
		n = 1
	}
	return n
}

func linearFallback(batch []model.ChapterIndex) model.EventPlan {
	first, last := batch[0].Number, batch[len(batch)-1].Number
	typ := model.TypeNormal
	for _, c := range batch {
		if c.Type == model.TypeHighlight {
			typ = model.TypeHighlight
			break
		}
	}
	return model.EventPlan{
		Type:         typ,
		StartChapter: first,
		EndChapter:   last,
		Description:  defaultDescription(first, last, typ),
		SceneCount:   1,
	}
}

func defaultDescription(start, end int, typ model.ChapterType) string {
	return fmt.Sprintf("Chapter %d-%d (%s)", start, end, typ)
}
