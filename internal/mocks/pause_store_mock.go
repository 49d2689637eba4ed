package mocks

import (
	"context"

	"novel-wash/internal/repository"

	"github.com/stretchr/testify/mock"
)

// MockPauseStore is a mock type for the repository.PauseStore type
type MockPauseStore struct {
	mock.Mock
}

func (_m *MockPauseStore) Pause(ctx context.Context, sessionID string) error {
	ret := _m.Called(ctx, sessionID)
	return ret.Error(0)
}

func (_m *MockPauseStore) Resume(ctx context.Context, sessionID string) error {
	ret := _m.Called(ctx, sessionID)
	return ret.Error(0)
}

func (_m *MockPauseStore) IsPaused(ctx context.Context, sessionID string) (bool, error) {
	ret := _m.Called(ctx, sessionID)

	var r0 bool
	if rf, ok := ret.Get(0).(func(context.Context, string) bool); ok {
		r0 = rf(ctx, sessionID)
	} else {
		r0 = ret.Bool(0)
	}
	return r0, ret.Error(1)
}

// NewMockPauseStore creates a new instance of MockPauseStore.
func NewMockPauseStore(t interface {
	mock.TestingT
	Helper()
}) *MockPauseStore {
	m := &MockPauseStore{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ repository.PauseStore = (*MockPauseStore)(nil)
