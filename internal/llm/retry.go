package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy - явная политика повторов: сколько попыток, что повторять и с какой задержкой.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter - доля случайного разброса задержки (0.25 = ±25%).
	Jitter float64
	// Retryable решает, повторять ли ошибку. По умолчанию IsTransient.
	Retryable func(error) bool
	// Sleep подменяется в тестах.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy: 3 попытки, 1s, x2, потолок 30s, ±25%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.25,
		Retryable:   IsTransient,
		Sleep:       sleepCtx,
	}
}

// Backoff возвращает задержку перед попыткой attempt+1 (attempt с единицы).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.Jitter > 0 {
		delay += delay * p.Jitter * (rand.Float64()*2 - 1)
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	return p
}

// ChatWithRetry вызывает Chat и повторяет только ошибки, признанные Retryable.
// Остальные ошибки возвращаются сразу.
func ChatWithRetry(ctx context.Context, client Client, messages []Message, opts Options, policy RetryPolicy, logger *zap.Logger) (string, error) {
	policy = policy.normalized()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		text, _, err := client.Chat(ctx, messages, opts)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !policy.Retryable(err) {
			return "", err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		delay := policy.Backoff(attempt)
		aiRetriesTotal.WithLabelValues(opts.Model).Inc()
		if logger != nil {
			logger.Warn("Transient AI error, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
		if err := policy.Sleep(ctx, delay); err != nil {
			return "", fmt.Errorf("retry interrupted: %w", err)
		}
	}
	return "", fmt.Errorf("ai request failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
