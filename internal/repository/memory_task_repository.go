package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"novel-wash/internal/model"

	"github.com/google/uuid"
)

var _ TaskRepository = (*InMemoryTaskRepository)(nil)

// InMemoryTaskRepository повторяет семантику pgTaskRepository в памяти.
type InMemoryTaskRepository struct {
	mu    sync.Mutex
	tasks map[string]model.Task
}

func NewInMemoryTaskRepository() *InMemoryTaskRepository {
	return &InMemoryTaskRepository{tasks: make(map[string]model.Task)}
}

func (r *InMemoryTaskRepository) Create(_ context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.TaskStatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	r.mu.Lock()
	r.tasks[t.ID] = *t
	r.mu.Unlock()
	return nil
}

func (r *InMemoryTaskRepository) Get(_ context.Context, id string) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (r *InMemoryTaskRepository) ListBySession(_ context.Context, sessionID string) ([]model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Task
	for _, t := range r.tasks {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemoryTaskRepository) MarkRunning(_ context.Context, id string) error {
	return r.mutate(id, func(t *model.Task) {
		if t.Status == model.TaskStatusCompleted || t.Status == model.TaskStatusCancelled {
			return
		}
		t.Status = model.TaskStatusRunning
		t.Error = nil
	})
}

func (r *InMemoryTaskRepository) UpdateProgress(_ context.Context, id string, progress, total int) error {
	return r.mutate(id, func(t *model.Task) {
		t.Progress = progress
		t.Total = total
	})
}

func (r *InMemoryTaskRepository) SaveCheckpoint(_ context.Context, id string, checkpoint json.RawMessage) error {
	return r.mutate(id, func(t *model.Task) {
		t.Checkpoint = append(json.RawMessage(nil), checkpoint...)
	})
}

func (r *InMemoryTaskRepository) Complete(_ context.Context, id string, result json.RawMessage) error {
	return r.mutate(id, func(t *model.Task) {
		t.Status = model.TaskStatusCompleted
		t.Result = append(json.RawMessage(nil), result...)
		t.Error = nil
	})
}

func (r *InMemoryTaskRepository) Fail(_ context.Context, id string, errMsg string) error {
	return r.mutate(id, func(t *model.Task) {
		t.Status = model.TaskStatusFailed
		t.Error = &errMsg
	})
}

func (r *InMemoryTaskRepository) Cancel(_ context.Context, id string) error {
	return r.mutate(id, func(t *model.Task) {
		if t.Status == model.TaskStatusPending || t.Status == model.TaskStatusRunning {
			t.Status = model.TaskStatusCancelled
		}
	})
}

// mutate молча игнорирует неизвестный id, как UPDATE без строк.
func (r *InMemoryTaskRepository) mutate(id string, fn func(t *model.Task)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil
	}
	fn(&t)
	t.UpdatedAt = time.Now().UTC()
	r.tasks[id] = t
	return nil
}
