package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"novel-wash/internal/config"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// ollamaClient реализует Client через нативный API ollama.
type ollamaClient struct {
	client       *api.Client
	defaultModel string
	timeout      time.Duration
	logger       *zap.Logger
}

func newOllamaClient(cfg *config.Config, logger *zap.Logger) (*ollamaClient, error) {
	baseURL := strings.TrimSuffix(cfg.AIBaseURL, "/v1")
	baseURL = strings.TrimSuffix(baseURL, "/")
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга Ollama Base URL '%s': %w", baseURL, err)
	}
	logger.Info("Ollama client created", zap.String("base_url", baseURL), zap.String("model", cfg.AIModelChat))
	return &ollamaClient{
		client:       api.NewClient(parsedURL, &http.Client{Timeout: cfg.AITimeout}),
		defaultModel: cfg.AIModelChat,
		timeout:      cfg.AITimeout,
		logger:       logger.Named("OllamaClient"),
	}, nil
}

func (c *ollamaClient) Chat(ctx context.Context, messages []Message, opts Options) (string, UsageInfo, error) {
	var usage UsageInfo
	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}

	msgs := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, api.Message{Role: string(m.Role), Content: m.Content})
	}
	stream := false
	options := map[string]interface{}{}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		options["temperature"] = *opts.Temperature
	}
	req := &api.ChatRequest{Model: model, Messages: msgs, Stream: &stream, Options: options}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	var resp api.ChatResponse
	err := c.client.Chat(requestCtx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		observe(model, "error", started, usage)
		c.logger.Warn("Ollama request failed", zap.String("model", model), zap.Error(err))
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return "", usage, classifyStatus(statusErr.StatusCode, err)
		}
		return "", usage, classifyTransport(err)
	}
	if resp.Message.Content == "" {
		observe(model, "error_empty_response", started, usage)
		return "", usage, NewTransientError(0, ErrEmptyResponse)
	}

	usage = UsageInfo{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
	}
	observe(model, "success", started, usage)
	return resp.Message.Content, usage, nil
}
