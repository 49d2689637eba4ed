package mocks

import (
	"context"

	"novel-wash/internal/llm"

	"github.com/stretchr/testify/mock"
)

// MockLLMClient is a mock type for the llm.Client type
type MockLLMClient struct {
	mock.Mock
}

// Chat provides a mock function with given fields: ctx, messages, opts
func (_m *MockLLMClient) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (string, llm.UsageInfo, error) {
	ret := _m.Called(ctx, messages, opts)

	var r0 string
	if rf, ok := ret.Get(0).(func(context.Context, []llm.Message, llm.Options) string); ok {
		r0 = rf(ctx, messages, opts)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(string)
		}
	}

	var r1 llm.UsageInfo
	if rf, ok := ret.Get(1).(func(context.Context, []llm.Message, llm.Options) llm.UsageInfo); ok {
		r1 = rf(ctx, messages, opts)
	} else {
		if ret.Get(1) != nil {
			r1 = ret.Get(1).(llm.UsageInfo)
		}
	}

	var r2 error
	if rf, ok := ret.Get(2).(func(context.Context, []llm.Message, llm.Options) error); ok {
		r2 = rf(ctx, messages, opts)
	} else {
		err := ret.Error(2)
		if err != nil {
			r2 = err
		}
	}

	return r0, r1, r2
}

// NewMockLLMClient creates a new instance of MockLLMClient. It also registers a testing interface on the mock.
// The first argument is typically a *testing.T value.
func NewMockLLMClient(t interface {
	mock.TestingT
	Helper()
}) *MockLLMClient {
	m := &MockLLMClient{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ llm.Client = (*MockLLMClient)(nil)
