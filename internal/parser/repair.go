package parser

import (
	"context"
	"fmt"

	"novel-wash/internal/llm"
	"novel-wash/internal/prompts"

	"go.uber.org/zap"
)

// LLMRepairer просит модель переписать битый ответ в валидный JSON.
type LLMRepairer struct {
	client   llm.Client
	prompts  prompts.Renderer
	policy   llm.RetryPolicy
	model    string
	language string
	logger   *zap.Logger
}

var _ Repairer = (*LLMRepairer)(nil)

// NewLLMRepairer создаёт ремонтника. model - быстрая chat-модель.
func NewLLMRepairer(client llm.Client, renderer prompts.Renderer, policy llm.RetryPolicy, model, language string, logger *zap.Logger) *LLMRepairer {
	return &LLMRepairer{
		client:   client,
		prompts:  renderer,
		policy:   policy,
		model:    model,
		language: language,
		logger:   logger.Named("LLMRepairer"),
	}
}

func (r *LLMRepairer) Repair(ctx context.Context, raw, schemaName string) (string, error) {
	msgs, err := r.prompts.Render(prompts.JSONRepair, r.language, map[string]string{
		"schemaName": schemaName,
		"raw":        raw,
	})
	if err != nil {
		return "", err
	}
	r.logger.Info("Asking model to repair JSON", zap.String("schema", schemaName), zap.Int("raw_len", len(raw)))
	out, err := llm.ChatWithRetry(ctx, r.client, msgs, llm.Options{Model: r.model, MaxTokens: llm.MaxTokensRepair}, r.policy, r.logger)
	if err != nil {
		return "", fmt.Errorf("json repair call failed: %w", err)
	}
	return out, nil
}
