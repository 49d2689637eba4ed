package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"novel-wash/internal/config"
	"novel-wash/internal/llm"
	"novel-wash/internal/model"
	"novel-wash/internal/parser"
	"novel-wash/internal/prompts"
	"novel-wash/shared/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	fallbackSummaryLen = 200

	splitAvgLength = 8000
	mergeAvgLength = 3000
	mergeMinTotal  = 30
)

// Config - параметры индексации.
type Config struct {
	BatchSize        int
	ContentLimit     int // символов главы в промпте
	MaxContentTokens int // и не больше этого числа токенов
	Model            string
	Language         string
}

// DefaultConfig: по 5 глав параллельно, 6000 символов главы.
func DefaultConfig() Config {
	return Config{BatchSize: 5, ContentLimit: 6000, MaxContentTokens: 6000, Language: "en"}
}

func ConfigFrom(cfg *config.Config, models llm.Models) Config {
	return Config{
		BatchSize:        cfg.IndexerBatchSize,
		ContentLimit:     cfg.IndexerContentLimit,
		MaxContentTokens: cfg.IndexerMaxContentTokens,
		Model:            models.Chat,
		Language:         cfg.NovelLanguage,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BatchSize < 1 {
		c.BatchSize = d.BatchSize
	}
	if c.ContentLimit < 1 {
		c.ContentLimit = d.ContentLimit
	}
	if c.MaxContentTokens < 1 {
		c.MaxContentTokens = d.MaxContentTokens
	}
	if c.Language == "" {
		c.Language = d.Language
	}
	return c
}

// Mention - персонаж, упомянутый в главе.
type Mention struct {
	Chapter int      `json:"chapter"`
	Name    string   `json:"name"`
	Role    string   `json:"role,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

// Entry - результат индексации одной главы.
type Entry struct {
	Index    model.ChapterIndex
	Mentions []Mention
	// Fallback - ответ модели не удалось использовать.
	Fallback bool
}

// Indexer строит индекс глав и карту персонажей.
type Indexer struct {
	client   llm.Client
	prompts  prompts.Renderer
	repairer parser.Repairer
	policy   llm.RetryPolicy
	cfg      Config
	logger   *zap.Logger
}

func New(client llm.Client, renderer prompts.Renderer, repairer parser.Repairer, policy llm.RetryPolicy, cfg Config, logger *zap.Logger) *Indexer {
	return &Indexer{
		client:   client,
		prompts:  renderer,
		repairer: repairer,
		policy:   policy,
		cfg:      cfg.normalized(),
		logger:   logger.Named("Indexer"),
	}
}

// BatchSize - сколько глав индексируется одновременно.
func (ix *Indexer) BatchSize() int { return ix.cfg.BatchSize }

// ChapterContent - текст главы для промпта: не длиннее ContentLimit символов и MaxContentTokens токенов.
func (ix *Indexer) ChapterContent(ch model.Chapter) string {
	return llm.TruncateToTokens(utils.TruncateRunes(ch.Content, ix.cfg.ContentLimit), ix.cfg.MaxContentTokens)
}

// IndexChapter индексирует одну главу. Ошибки модели и разбора дают запасную запись;
// наружу уходит только отмена контекста.
func (ix *Indexer) IndexChapter(ctx context.Context, ch model.Chapter, modelName string) (Entry, error) {
	if modelName == "" {
		modelName = ix.cfg.Model
	}
	msgs, err := ix.prompts.Render(prompts.Indexing, ix.cfg.Language, map[string]string{
		"chapterNumber":  strconv.Itoa(ch.Number),
		"chapterTitle":   ch.Title,
		"chapterContent": ix.ChapterContent(ch),
	})
	if err != nil {
		return Entry{}, err
	}

	raw, err := llm.ChatWithRetry(ctx, ix.client, msgs, llm.Options{Model: modelName, MaxTokens: llm.MaxTokensIndexer}, ix.policy, ix.logger)
	if err != nil {
		if ctx.Err() != nil {
			return Entry{}, ctx.Err()
		}
		ix.logger.Error("Error indexing chapter", zap.Int("chapter", ch.Number), zap.Error(err))
		chapterFallbacks.WithLabelValues("model_error").Inc()
		return Entry{Index: errorEntry(ch), Fallback: true}, nil
	}

	res, err := parser.Parse(ctx, raw, parser.IndexingSchema, ix.repairer)
	if err != nil {
		if ctx.Err() != nil {
			return Entry{}, ctx.Err()
		}
		ix.logger.Warn("Failed to parse chapter index", zap.Int("chapter", ch.Number), zap.Error(err))
		chapterFallbacks.WithLabelValues("parse_error").Inc()
		return Entry{Index: parseFallbackEntry(ch), Mentions: looseMentions(ch.Number, raw), Fallback: true}, nil
	}

	return Entry{
		Index: model.ChapterIndex{
			Number:     ch.Number,
			Title:      ch.Title,
			Summary:    res.Summary,
			Characters: res.Names(),
			KeyEvent:   res.KeyEvent,
			Type:       chapterType(res.Type),
		},
		Mentions: mentions(ch.Number, res.Characters),
	}, nil
}

// IndexBatch индексирует главы параллельно. Порядок результата совпадает с порядком глав.
func (ix *Indexer) IndexBatch(ctx context.Context, chapters []model.Chapter, modelName string) ([]Entry, error) {
	out := make([]Entry, len(chapters))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range chapters {
		i, ch := i, ch
		g.Go(func() error {
			e, err := ix.IndexChapter(gctx, ch, modelName)
			if err != nil {
				return fmt.Errorf("chapter %d: %w", ch.Number, err)
			}
			out[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func chapterType(s string) model.ChapterType {
	if strings.EqualFold(strings.TrimSpace(s), string(model.TypeHighlight)) {
		return model.TypeHighlight
	}
	return model.TypeNormal
}

func parseFallbackEntry(ch model.Chapter) model.ChapterIndex {
	return model.ChapterIndex{
		Number:     ch.Number,
		Title:      ch.Title,
		Summary:    utils.TruncateRunes(ch.Content, fallbackSummaryLen) + "...",
		Characters: []string{},
		KeyEvent:   "Unable to extract",
		Type:       model.TypeNormal,
	}
}

func errorEntry(ch model.Chapter) model.ChapterIndex {
	return model.ChapterIndex{
		Number:     ch.Number,
		Title:      ch.Title,
		Summary:    "Error during indexing",
		Characters: []string{},
		KeyEvent:   "Error",
		Type:       model.TypeNormal,
	}
}

func mentions(chapter int, refs []parser.CharacterRef) []Mention {
	var out []Mention
	for _, r := range refs {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			continue
		}
		out = append(out, Mention{Chapter: chapter, Name: name, Role: r.Role, Aliases: r.Aliases})
	}
	return out
}

// looseMentions достаёт персонажей из ответа, который не прошёл схему.
func looseMentions(chapter int, raw string) []Mention {
	v, err := parser.ParseLoose(raw)
	if err != nil {
		return nil
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	list, ok := obj["characters"].([]interface{})
	if !ok {
		return nil
	}
	var out []Mention
	for _, item := range list {
		switch c := item.(type) {
		case string:
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, Mention{Chapter: chapter, Name: c})
			}
		case map[string]interface{}:
			name, _ := c["name"].(string)
			if name = strings.TrimSpace(name); name == "" {
				continue
			}
			m := Mention{Chapter: chapter, Name: name}
			m.Role, _ = c["role"].(string)
			if aliases, ok := c["aliases"].([]interface{}); ok {
				for _, a := range aliases {
					if s, ok := a.(string); ok {
						m.Aliases = append(m.Aliases, s)
					}
				}
			}
			out = append(out, m)
		}
	}
	return out
}

// Analyze считает рекомендации по режиму планирования и числу узлов.
// Длина главы - в символах.
func Analyze(chapters []model.Chapter) model.ContentAnalysis {
	total := len(chapters)
	if total == 0 {
		return model.ContentAnalysis{RecommendedMode: model.ModeAuto}
	}
	sum := 0
	for _, ch := range chapters {
		sum += utf8.RuneCountInString(ch.Content)
	}
	avg := float64(sum) / float64(total)

	mode := model.ModeAuto
	switch {
	case avg > splitAvgLength:
		mode = model.ModeSplit
	case avg < mergeAvgLength && total > mergeMinTotal:
		mode = model.ModeMerge
	}
	factor := 1.0
	switch {
	case avg > splitAvgLength:
		factor = 2
	case avg < mergeAvgLength:
		factor = 0.25
	}
	target := int(math.Round(float64(total) * factor))
	if target < 1 {
		target = 1
	}
	return model.ContentAnalysis{
		TotalChapters:    total,
		AvgChapterLength: int(math.Round(avg)),
		RecommendedMode:  mode,
		TargetNodeCount:  target,
	}
}

// CharacterSummary - агрегат упоминаний одного имени.
type CharacterSummary struct {
	Name    string   `json:"name"`
	Count   int      `json:"count"`
	Roles   []string `json:"roles"`
	Aliases []string `json:"aliases"`
}

// AggregateCharacters сводит упоминания по имени. Порядок - по первому появлению.
func AggregateCharacters(ms []Mention) []CharacterSummary {
	var out []CharacterSummary
	pos := map[string]int{}
	roles := map[string]map[string]bool{}
	aliases := map[string]map[string]bool{}
	for _, m := range ms {
		i, ok := pos[m.Name]
		if !ok {
			i = len(out)
			pos[m.Name] = i
			out = append(out, CharacterSummary{Name: m.Name, Roles: []string{}, Aliases: []string{}})
			roles[m.Name] = map[string]bool{}
			aliases[m.Name] = map[string]bool{}
		}
		out[i].Count++
		if m.Role != "" && !roles[m.Name][m.Role] {
			roles[m.Name][m.Role] = true
			out[i].Roles = append(out[i].Roles, m.Role)
		}
		for _, a := range m.Aliases {
			if a != "" && !aliases[m.Name][a] {
				aliases[m.Name][a] = true
				out[i].Aliases = append(out[i].Aliases, a)
			}
		}
	}
	return out
}

// BuildCharacterMap - один вызов модели по сводке персонажей. Пустая сводка - пустая карта без вызова.
func (ix *Indexer) BuildCharacterMap(ctx context.Context, summary []CharacterSummary) (map[string]string, error) {
	if len(summary) == 0 {
		return nil, nil
	}
	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, err
	}
	msgs, err := ix.prompts.Render(prompts.CharacterMap, ix.cfg.Language, map[string]string{
		"charactersJson": string(payload),
	})
	if err != nil {
		return nil, err
	}
	raw, err := llm.ChatWithRetry(ctx, ix.client, msgs, llm.Options{Model: ix.cfg.Model, MaxTokens: llm.MaxTokensCharacterMap}, ix.policy, ix.logger)
	if err != nil {
		return nil, err
	}
	m, err := parser.Parse(ctx, raw, parser.CharacterMapSchema, ix.repairer)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" && k != v {
			out[k] = v
		}
	}
	return out, nil
}

// PreviewKeys - первые limit ключей карты по алфавиту.
func PreviewKeys(m map[string]string, limit int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
