package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"novel-wash/internal/model"
)

var _ Store = (*InMemoryStore)(nil)

// InMemoryStore хранит журнал в памяти процесса. Используется в тестах и локально.
type InMemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries map[string][]model.MemoryLogEntry
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string][]model.MemoryLogEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Append(_ context.Context, entry *model.MemoryLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	entry.ID = s.nextID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.entries[entry.SessionID] = append(s.entries[entry.SessionID], *entry)
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]model.MemoryLogEntry, error) {
	return s.query(sessionID, limit, func(model.MemoryLogEntry) bool { return true }), nil
}

func (s *InMemoryStore) Important(_ context.Context, sessionID string, minImportance, limit int) ([]model.MemoryLogEntry, error) {
	return s.query(sessionID, limit, func(e model.MemoryLogEntry) bool { return e.Importance >= minImportance }), nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.entries, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) query(sessionID string, limit int, keep func(model.MemoryLogEntry) bool) []model.MemoryLogEntry {
	if limit <= 0 {
		return nil
	}
	s.mu.RLock()
	all := s.entries[sessionID]
	out := make([]model.MemoryLogEntry, 0, len(all))
	for _, e := range all {
		if keep(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortNewestFirst(entries []model.MemoryLogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID > entries[j].ID
	})
}
