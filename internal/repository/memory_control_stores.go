package repository

import (
	"context"
	"sync"
	"time"
)

var (
	_ TaskLock         = (*InMemoryTaskLock)(nil)
	_ IdempotencyStore = (*InMemoryIdempotencyStore)(nil)
)

type lease struct {
	owner   string
	expires time.Time
}

// InMemoryTaskLock - аренды задач в памяти процесса.
type InMemoryTaskLock struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewInMemoryTaskLock() *InMemoryTaskLock {
	return &InMemoryTaskLock{leases: make(map[string]lease), now: time.Now}
}

func (l *InMemoryTaskLock) Acquire(_ context.Context, taskID, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[taskID]; ok && l.now().Before(cur.expires) {
		return false, nil
	}
	l.leases[taskID] = lease{owner: owner, expires: l.now().Add(ttl)}
	return true, nil
}

func (l *InMemoryTaskLock) Renew(_ context.Context, taskID, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[taskID]
	if !ok || cur.owner != owner || !l.now().Before(cur.expires) {
		return false, nil
	}
	l.leases[taskID] = lease{owner: owner, expires: l.now().Add(ttl)}
	return true, nil
}

func (l *InMemoryTaskLock) Release(_ context.Context, taskID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[taskID]; ok && cur.owner == owner {
		delete(l.leases, taskID)
	}
	return nil
}

// InMemoryIdempotencyStore - без TTL, живёт столько же, сколько процесс.
type InMemoryIdempotencyStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewInMemoryIdempotencyStore() *InMemoryIdempotencyStore {
	return &InMemoryIdempotencyStore{values: make(map[string]string)}
}

func (s *InMemoryIdempotencyStore) Remember(_ context.Context, key, value string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.values[key]; ok {
		return existing, false, nil
	}
	s.values[key] = value
	return value, true, nil
}
