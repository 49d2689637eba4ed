package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TaskLock - аренда задачи одним воркером. owner - уникальный id держателя.
type TaskLock interface {
	Acquire(ctx context.Context, taskID, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, taskID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, taskID, owner string) error
}

// Продление и освобождение только своим владельцем.
var (
	renewLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

var _ TaskLock = (*redisTaskLock)(nil)

type redisTaskLock struct {
	client *redis.Client
	prefix string
}

// NewRedisTaskLock - ключи <prefix>:lock:<taskId>.
func NewRedisTaskLock(client *redis.Client, prefix string) TaskLock {
	return &redisTaskLock{client: client, prefix: prefix}
}

func (l *redisTaskLock) key(taskID string) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, taskID)
}

func (l *redisTaskLock) Acquire(ctx context.Context, taskID, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(taskID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", taskID, err)
	}
	return ok, nil
}

func (l *redisTaskLock) Renew(ctx context.Context, taskID, owner string, ttl time.Duration) (bool, error) {
	n, err := renewLockScript.Run(ctx, l.client, []string{l.key(taskID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", taskID, err)
	}
	return n == 1, nil
}

func (l *redisTaskLock) Release(ctx context.Context, taskID, owner string) error {
	if err := releaseLockScript.Run(ctx, l.client, []string{l.key(taskID)}, owner).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", taskID, err)
	}
	return nil
}
