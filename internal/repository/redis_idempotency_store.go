package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultIdempotencyTTL - окно дедупликации повторных запросов.
const DefaultIdempotencyTTL = 5 * time.Minute

// IdempotencyStore запоминает, какой результат уже выдан по ключу запроса.
type IdempotencyStore interface {
	// Remember сохраняет value под key, если ключа ещё нет.
	// Если ключ уже занят, возвращает сохранённое значение и stored=false.
	Remember(ctx context.Context, key, value string) (existing string, stored bool, err error)
}

var _ IdempotencyStore = (*redisIdempotencyStore)(nil)

type redisIdempotencyStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisIdempotencyStore(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &redisIdempotencyStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.Named("RedisIdempotencyStore"),
	}
}

func (s *redisIdempotencyStore) Remember(ctx context.Context, key, value string) (string, bool, error) {
	fullKey := fmt.Sprintf("%s:idem:%s", s.prefix, key)
	ok, err := s.client.SetNX(ctx, fullKey, value, s.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("idempotency setnx: %w", err)
	}
	if ok {
		return value, true, nil
	}
	existing, err := s.client.Get(ctx, fullKey).Result()
	if errors.Is(err, redis.Nil) {
		// ключ истёк между SETNX и GET - пробуем ещё раз
		if err := s.client.Set(ctx, fullKey, value, s.ttl).Err(); err != nil {
			return "", false, fmt.Errorf("idempotency set: %w", err)
		}
		return value, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency get: %w", err)
	}
	s.logger.Debug("Duplicate request", zap.String("key", key), zap.String("existing", existing))
	return existing, false, nil
}
