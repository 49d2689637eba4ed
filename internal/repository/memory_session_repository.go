package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"novel-wash/internal/model"
)

var _ SessionRepository = (*InMemorySessionRepository)(nil)

// InMemorySessionRepository - реализация для тестов и локального запуска.
// Каждой сессии свой мьютекс, снаружи отдаются только копии.
type InMemorySessionRepository struct {
	mu       sync.Mutex
	sessions map[string][]byte
	locks    map[string]*sync.Mutex
}

func NewInMemorySessionRepository() *InMemorySessionRepository {
	return &InMemorySessionRepository{
		sessions: make(map[string][]byte),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (r *InMemorySessionRepository) Create(_ context.Context, s *model.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	r.sessions[s.ID] = data
	r.locks[s.ID] = &sync.Mutex{}
	return nil
}

func (r *InMemorySessionRepository) Get(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	data, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeSession(data)
}

func (r *InMemorySessionRepository) Update(_ context.Context, id string, fn func(s *model.Session) error) (*model.Session, error) {
	r.mu.Lock()
	lock, ok := r.locks[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	data, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	s, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.ID = id
	s.Version++
	out, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[id] = out
	r.mu.Unlock()
	return decodeSession(out)
}

func (r *InMemorySessionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, id)
	delete(r.locks, id)
	return nil
}

func decodeSession(data []byte) (*model.Session, error) {
	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
