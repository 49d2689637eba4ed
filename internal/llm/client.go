package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"novel-wash/internal/config"

	"go.uber.org/zap"
)

// Role - роль сообщения чата.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message - одно сообщение промпта.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Options - параметры одного вызова. Temperature указателем, чтобы отличить 0 от "не задано".
type Options struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

// UsageInfo - использование токенов одним вызовом.
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client - единственная зависимость ядра от модели: сообщения на вход, текст на выход.
// Ошибки классифицированы как *TransientError или *FatalError.
type Client interface {
	Chat(ctx context.Context, messages []Message, opts Options) (string, UsageInfo, error)
}

// Models - маршрутизация стадий по моделям.
type Models struct {
	Chat      string // индексация, память, переименование персонажей
	Reasoning string // планирование, генерация, ревью, ветвления
}

// Token limits per stage.
const (
	MaxTokensIndexer = 2000
	MaxTokensPlanner = 4000
	MaxTokensWriter  = 8192
	MaxTokensReview  = 4000
	MaxTokensMemory  = 1500
	MaxTokensBranch  = 6000
	MaxTokensRepair  = 4000

	MaxTokensCharacterMap = 1024
)

// NewClient создаёт клиента по AI_CLIENT_TYPE.
func NewClient(cfg *config.Config, logger *zap.Logger) (Client, error) {
	switch strings.ToLower(cfg.AIClientType) {
	case "openai":
		return newOpenAIClient(cfg, logger), nil
	case "ollama":
		return newOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("неизвестный тип AI клиента: '%s'", cfg.AIClientType)
	}
}

// ModelsFromConfig собирает маршрутизацию моделей.
func ModelsFromConfig(cfg *config.Config) Models {
	return Models{Chat: cfg.AIModelChat, Reasoning: cfg.AIModelReasoning}
}

// PolicyFromConfig собирает политику повторов из конфига.
func PolicyFromConfig(cfg *config.Config) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = cfg.AIMaxAttempts
	p.BaseDelay = cfg.AIBaseRetryDelay
	if cfg.AIMaxRetryDelay > 0 {
		p.MaxDelay = cfg.AIMaxRetryDelay
	}
	return p
}

func observe(model, status string, started time.Time, usage UsageInfo) {
	aiRequestsTotal.WithLabelValues(model, status).Inc()
	aiRequestDuration.WithLabelValues(model).Observe(time.Since(started).Seconds())
	if usage.TotalTokens > 0 {
		aiPromptTokens.WithLabelValues(model).Observe(float64(usage.PromptTokens))
		aiCompletionTokens.WithLabelValues(model).Observe(float64(usage.CompletionTokens))
	}
}
