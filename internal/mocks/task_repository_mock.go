package mocks

import (
	"context"
	"encoding/json"

	"novel-wash/internal/model"
	"novel-wash/internal/repository"

	"github.com/stretchr/testify/mock"
)

// MockTaskRepository is a mock type for the repository.TaskRepository type
type MockTaskRepository struct {
	mock.Mock
}

func (_m *MockTaskRepository) Create(ctx context.Context, t *model.Task) error {
	ret := _m.Called(ctx, t)
	return ret.Error(0)
}

func (_m *MockTaskRepository) Get(ctx context.Context, id string) (*model.Task, error) {
	ret := _m.Called(ctx, id)
	task, _ := ret.Get(0).(*model.Task)
	return task, ret.Error(1)
}

func (_m *MockTaskRepository) ListBySession(ctx context.Context, sessionID string) ([]model.Task, error) {
	ret := _m.Called(ctx, sessionID)
	tasks, _ := ret.Get(0).([]model.Task)
	return tasks, ret.Error(1)
}

func (_m *MockTaskRepository) MarkRunning(ctx context.Context, id string) error {
	ret := _m.Called(ctx, id)
	return ret.Error(0)
}

func (_m *MockTaskRepository) UpdateProgress(ctx context.Context, id string, progress, total int) error {
	ret := _m.Called(ctx, id, progress, total)
	return ret.Error(0)
}

func (_m *MockTaskRepository) SaveCheckpoint(ctx context.Context, id string, checkpoint json.RawMessage) error {
	ret := _m.Called(ctx, id, checkpoint)
	return ret.Error(0)
}

func (_m *MockTaskRepository) Complete(ctx context.Context, id string, result json.RawMessage) error {
	ret := _m.Called(ctx, id, result)
	return ret.Error(0)
}

func (_m *MockTaskRepository) Fail(ctx context.Context, id string, errMsg string) error {
	ret := _m.Called(ctx, id, errMsg)
	return ret.Error(0)
}

func (_m *MockTaskRepository) Cancel(ctx context.Context, id string) error {
	ret := _m.Called(ctx, id)
	return ret.Error(0)
}

// NewMockTaskRepository creates a new instance of MockTaskRepository.
func NewMockTaskRepository(t interface {
	mock.TestingT
	Helper()
}) *MockTaskRepository {
	m := &MockTaskRepository{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ repository.TaskRepository = (*MockTaskRepository)(nil)
