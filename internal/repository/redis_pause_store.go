package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PauseStore - флаг кооперативной паузы генерации по сессии.
type PauseStore interface {
	Pause(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string) error
	IsPaused(ctx context.Context, sessionID string) (bool, error)
}

var _ PauseStore = (*redisPauseStore)(nil)

type redisPauseStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisPauseStore хранит флаг в ключе <prefix>:pause:<sessionId> без TTL.
func NewRedisPauseStore(client *redis.Client, prefix string, logger *zap.Logger) PauseStore {
	return &redisPauseStore{
		client: client,
		prefix: prefix,
		logger: logger.Named("RedisPauseStore"),
	}
}

func (s *redisPauseStore) key(sessionID string) string {
	return fmt.Sprintf("%s:pause:%s", s.prefix, sessionID)
}

func (s *redisPauseStore) Pause(ctx context.Context, sessionID string) error {
	if err := s.client.Set(ctx, s.key(sessionID), "1", 0).Err(); err != nil {
		return fmt.Errorf("pause session %s: %w", sessionID, err)
	}
	s.logger.Info("Session paused", zap.String("session_id", sessionID))
	return nil
}

func (s *redisPauseStore) Resume(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("resume session %s: %w", sessionID, err)
	}
	s.logger.Info("Session resumed", zap.String("session_id", sessionID))
	return nil
}

func (s *redisPauseStore) IsPaused(ctx context.Context, sessionID string) (bool, error) {
	v, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pause flag %s: %w", sessionID, err)
	}
	return v == "1" || v == "true", nil
}

var _ PauseStore = (*InMemoryPauseStore)(nil)

// InMemoryPauseStore - флаги в памяти процесса.
type InMemoryPauseStore struct {
	mu     sync.Mutex
	paused map[string]bool
}

func NewInMemoryPauseStore() *InMemoryPauseStore {
	return &InMemoryPauseStore{paused: make(map[string]bool)}
}

func (s *InMemoryPauseStore) Pause(_ context.Context, sessionID string) error {
	s.mu.Lock()
	s.paused[sessionID] = true
	s.mu.Unlock()
	return nil
}

func (s *InMemoryPauseStore) Resume(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.paused, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryPauseStore) IsPaused(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[sessionID], nil
}
