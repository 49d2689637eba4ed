package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"novel-wash/internal/config"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// openAIClient реализует Client через go-openai (DeepSeek, OpenRouter и прочие совместимые API).
type openAIClient struct {
	client       *openaigo.Client
	defaultModel string
	logger       *zap.Logger
}

func newOpenAIClient(cfg *config.Config, logger *zap.Logger) *openAIClient {
	openaiConfig := openaigo.DefaultConfig(cfg.AIAPIKey)
	openaiConfig.BaseURL = cfg.AIBaseURL
	openaiConfig.HTTPClient = &http.Client{Timeout: cfg.AITimeout}
	logger.Info("OpenAI client created",
		zap.String("base_url", cfg.AIBaseURL),
		zap.String("model", cfg.AIModelChat),
		zap.Duration("timeout", cfg.AITimeout))
	return &openAIClient{
		client:       openaigo.NewClientWithConfig(openaiConfig),
		defaultModel: cfg.AIModelChat,
		logger:       logger.Named("OpenAIClient"),
	}
}

func (c *openAIClient) Chat(ctx context.Context, messages []Message, opts Options) (string, UsageInfo, error) {
	var usage UsageInfo
	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}

	req := openaigo.ChatCompletionRequest{
		Model:     model,
		Messages:  make([]openaigo.ChatCompletionMessage, 0, len(messages)),
		MaxTokens: opts.MaxTokens,
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openaigo.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	started := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		classified := classifyOpenAIError(err)
		observe(model, "error", started, usage)
		c.logger.Warn("AI request failed",
			zap.String("model", model),
			zap.Duration("duration", time.Since(started)),
			zap.Bool("transient", IsTransient(classified)),
			zap.Error(err))
		return "", usage, classified
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		observe(model, "error_empty_response", started, usage)
		// пустой ответ обычно лечится повтором
		return "", usage, NewTransientError(0, ErrEmptyResponse)
	}

	usage = UsageInfo{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	observe(model, "success", started, usage)
	c.logger.Debug("AI response received",
		zap.String("model", model),
		zap.Duration("duration", time.Since(started)),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens))
	return resp.Choices[0].Message.Content, usage, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openaigo.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}
	return classifyTransport(err)
}
