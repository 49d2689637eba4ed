package mocks

import (
	"context"

	"novel-wash/internal/queue"

	"github.com/stretchr/testify/mock"
)

// MockEnqueuer is a mock type for the queue.Enqueuer type
type MockEnqueuer struct {
	mock.Mock
}

// Enqueue provides a mock function with given fields: ctx, queueName, data, opts
func (_m *MockEnqueuer) Enqueue(ctx context.Context, queueName string, data queue.JobData, opts queue.EnqueueOptions) (string, error) {
	ret := _m.Called(ctx, queueName, data, opts)

	var r0 string
	if rf, ok := ret.Get(0).(func(context.Context, string, queue.JobData, queue.EnqueueOptions) string); ok {
		r0 = rf(ctx, queueName, data, opts)
	} else {
		r0 = ret.String(0)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, string, queue.JobData, queue.EnqueueOptions) error); ok {
		r1 = rf(ctx, queueName, data, opts)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockEnqueuer creates a new instance of MockEnqueuer.
func NewMockEnqueuer(t interface {
	mock.TestingT
	Helper()
}) *MockEnqueuer {
	m := &MockEnqueuer{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ queue.Enqueuer = (*MockEnqueuer)(nil)
