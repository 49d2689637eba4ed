package reviewer

import (
	"context"
	"math"

	"novel-wash/internal/config"
	"novel-wash/internal/llm"
	"novel-wash/internal/model"
	"novel-wash/internal/parser"
	"novel-wash/internal/prompts"

	"go.uber.org/zap"
)

const (
	// узел с оценкой не выше порога перегенерируется при autoFix
	AutoFixMaxScore = 3
	// сколько раз узел можно перегенерировать автоматически
	MaxAutoRerolls = 3
	// оценки ниже считаются низкими в итоге пакетного ревью
	LowScoreBelow = 3
)

// Config - параметры ревью.
type Config struct {
	Model    string
	Language string
}

func DefaultConfig() Config {
	return Config{Language: "en"}
}

// ConfigFrom: ревью делает модель рассуждений.
func ConfigFrom(cfg *config.Config, models llm.Models) Config {
	return Config{Model: models.Reasoning, Language: cfg.NovelLanguage}
}

// Reviewer оценивает готовые узлы по шкале 1..5.
type Reviewer struct {
	client   llm.Client
	prompts  prompts.Renderer
	repairer parser.Repairer
	policy   llm.RetryPolicy
	cfg      Config
	logger   *zap.Logger
}

func New(client llm.Client, renderer prompts.Renderer, repairer parser.Repairer, policy llm.RetryPolicy, cfg Config, logger *zap.Logger) *Reviewer {
	if cfg.Language == "" {
		cfg.Language = DefaultConfig().Language
	}
	return &Reviewer{
		client:   client,
		prompts:  renderer,
		repairer: repairer,
		policy:   policy,
		cfg:      cfg,
		logger:   logger.Named("Reviewer"),
	}
}

// Model - модель ревью по умолчанию.
func (r *Reviewer) Model() string { return r.cfg.Model }

// Reviewable - у узла есть готовый текст.
func Reviewable(n model.Node) bool {
	return n.Status == model.NodeCompleted && n.Content != ""
}

// Review оценивает один узел. Ошибка разбора ответа возвращается как *parser.ParseError.
func (r *Reviewer) Review(ctx context.Context, n model.Node, modelName string) (parser.ReviewResult, error) {
	if modelName == "" {
		modelName = r.cfg.Model
	}
	msgs, err := r.prompts.Render(prompts.Review, r.cfg.Language, map[string]string{
		"nodeType":    string(n.Type),
		"nodeContent": n.Content,
	})
	if err != nil {
		return parser.ReviewResult{}, err
	}
	raw, err := llm.ChatWithRetry(ctx, r.client, msgs, llm.Options{Model: modelName, MaxTokens: llm.MaxTokensReview}, r.policy, r.logger)
	if err != nil {
		return parser.ReviewResult{}, err
	}
	return parser.Parse(ctx, raw, parser.ReviewSchema, r.repairer)
}

// NeedsFix - узел надо перегенерировать: низкая оценка и лимит перегенераций не исчерпан.
func NeedsFix(score, rerollCount int) bool {
	return score <= AutoFixMaxScore && rerollCount < MaxAutoRerolls
}

// Summary - итог пакетного ревью.
type Summary struct {
	Reviewed int
	AvgScore float64 // округлено до 0.1
	LowScore int
}

func Summarize(scores []int) Summary {
	s := Summary{Reviewed: len(scores)}
	if len(scores) == 0 {
		return s
	}
	sum := 0
	for _, v := range scores {
		sum += v
		if v < LowScoreBelow {
			s.LowScore++
		}
	}
	s.AvgScore = math.Round(float64(sum)/float64(len(scores))*10) / 10
	return s
}
