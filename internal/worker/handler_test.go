package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"novel-wash/internal/events"
	"novel-wash/internal/mocks"
	"novel-wash/internal/model"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"
	"novel-wash/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSessionID = "sess-1"
	testTaskID    = "task-1"
)

func newTask(t *testing.T, repo repository.TaskRepository, typ model.TaskType) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &model.Task{ID: testTaskID, SessionID: testSessionID, Type: typ}))
}

func job(queueName string) queue.Job {
	return queue.Job{ID: "job-1", Queue: queueName, Data: queue.JobData{SessionID: testSessionID, TaskID: testTaskID, Attempt: 1}}
}

func TestTaskHandler_CompletesTask(t *testing.T) {
	ctx := context.Background()
	tasks := repository.NewInMemoryTaskRepository()
	bus := events.NewInMemoryBus()
	newTask(t, tasks, model.TaskPlan)

	h := worker.NewTaskHandler(tasks, bus, zap.NewNop())
	h.Register(queue.QueuePlan, worker.ProcessorFunc(func(ctx context.Context, run *worker.Run) (worker.Result, error) {
		assert.Equal(t, model.TaskStatusRunning, run.Task.Status)
		run.Progress(ctx, "half", 1, 2)
		require.NoError(t, run.SaveCheckpoint(ctx, map[string]int{"batch": 1}))
		return worker.Result{Message: "Planning complete", Value: map[string]interface{}{"eventCount": 3}}, nil
	}))

	require.NoError(t, h.HandlerFor(queue.QueuePlan)(ctx, job("")))

	task, err := tasks.Get(ctx, testTaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, 1, task.Progress)
	assert.Equal(t, 2, task.Total)
	assert.JSONEq(t, `{"eventCount":3}`, string(task.Result))
	assert.JSONEq(t, `{"batch":1}`, string(task.Checkpoint))

	assert.Equal(t, []model.EventType{model.EventProgress, model.EventComplete}, bus.Types(events.JobChannel(testTaskID)))
	complete := bus.Events(events.JobChannel(testTaskID))[1]
	assert.Equal(t, "Planning complete", complete.Message)
	assert.True(t, complete.Terminal())
}

func TestTaskHandler_ErrorIsReturnedForRetry(t *testing.T) {
	ctx := context.Background()
	tasks := repository.NewInMemoryTaskRepository()
	bus := events.NewInMemoryBus()
	newTask(t, tasks, model.TaskIndex)

	h := worker.NewTaskHandler(tasks, bus, zap.NewNop())
	h.Register(queue.QueueIndex, worker.ProcessorFunc(func(ctx context.Context, run *worker.Run) (worker.Result, error) {
		return worker.Result{}, errors.New("llm unavailable")
	}))

	err := h.Handle(ctx, job(queue.QueueIndex))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))

	task, _ := tasks.Get(ctx, testTaskID)
	assert.Equal(t, model.TaskStatusRunning, task.Status)
	assert.Empty(t, bus.Events(events.JobChannel(testTaskID)))
}

func TestTaskHandler_OnFailurePersistsErrorAndEmits(t *testing.T) {
	ctx := context.Background()
	tasks := repository.NewInMemoryTaskRepository()
	bus := events.NewInMemoryBus()
	newTask(t, tasks, model.TaskBranch)

	h := worker.NewTaskHandler(tasks, bus, zap.NewNop())
	j := job(queue.QueueBranch)
	j.Data.Attempt = 3
	h.OnFailure(ctx, j, errors.New("branch plan unparsable"))

	task, _ := tasks.Get(ctx, testTaskID)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, "branch plan unparsable", *task.Error)

	evs := bus.Events(events.JobChannel(testTaskID))
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventError, evs[0].Type)
	assert.True(t, evs[0].Terminal())
	assert.Equal(t, []model.EventType{model.EventError}, bus.Types(events.SessionChannel(testSessionID)))
}

func TestTaskHandler_ChainedJobDoesNotCloseParentTask(t *testing.T) {
	ctx := context.Background()
	tasks := repository.NewInMemoryTaskRepository()
	bus := events.NewInMemoryBus()
	newTask(t, tasks, model.TaskGenerate)

	h := worker.NewTaskHandler(tasks, bus, zap.NewNop())
	h.Register(queue.QueueReview, worker.ProcessorFunc(func(ctx context.Context, run *worker.Run) (worker.Result, error) {
		assert.True(t, run.Chained())
		run.Progress(ctx, "reviewing", 1, 1)
		return worker.Result{Value: map[string]interface{}{"score": 4}}, nil
	}))

	j := job(queue.QueueReview)
	j.Data.NodeID = model.IntPtr(2)
	require.NoError(t, h.Handle(ctx, j))

	task, _ := tasks.Get(ctx, testTaskID)
	assert.Equal(t, model.TaskStatusRunning, task.Status)
	assert.Equal(t, 0, task.Total)
	assert.Equal(t, []model.EventType{model.EventProgress, model.EventLog}, bus.Types(events.JobChannel(testTaskID)))

	h.OnFailure(ctx, j, errors.New("review failed"))
	task, _ = tasks.Get(ctx, testTaskID)
	assert.Equal(t, model.TaskStatusRunning, task.Status)
	evs := bus.Events(events.JobChannel(testTaskID))
	last := evs[len(evs)-1]
	assert.Equal(t, model.EventError, last.Type)
	assert.False(t, last.Terminal())
}

func TestTaskHandler_SkipsFinishedTask(t *testing.T) {
	ctx := context.Background()
	tasks := repository.NewInMemoryTaskRepository()
	newTask(t, tasks, model.TaskPlan)
	require.NoError(t, tasks.Complete(ctx, testTaskID, json.RawMessage(`{}`)))

	called := false
	h := worker.NewTaskHandler(tasks, events.NewInMemoryBus(), zap.NewNop())
	h.Register(queue.QueuePlan, worker.ProcessorFunc(func(ctx context.Context, run *worker.Run) (worker.Result, error) {
		called = true
		return worker.Result{}, nil
	}))

	require.NoError(t, h.Handle(ctx, job(queue.QueuePlan)))
	assert.False(t, called)
}

func TestTaskHandler_UnknownTaskIsPermanent(t *testing.T) {
	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, testTaskID).Return(nil, repository.ErrNotFound).Once()

	h := worker.NewTaskHandler(tasks, events.NewInMemoryBus(), zap.NewNop())
	h.Register(queue.QueueIndex, worker.ProcessorFunc(func(ctx context.Context, run *worker.Run) (worker.Result, error) {
		t.Fatal("processor must not run")
		return worker.Result{}, nil
	}))

	err := h.Handle(context.Background(), job(queue.QueueIndex))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, repository.ErrNotFound)
	tasks.AssertExpectations(t)
}

func TestTaskHandler_MarkRunningFailureIsRetryable(t *testing.T) {
	tasks := mocks.NewMockTaskRepository(t)
	tasks.On("Get", mock.Anything, testTaskID).Return(&model.Task{ID: testTaskID, Type: model.TaskIndex, Status: model.TaskStatusPending}, nil)
	tasks.On("MarkRunning", mock.Anything, testTaskID).Return(errors.New("db down"))

	h := worker.NewTaskHandler(tasks, events.NewInMemoryBus(), zap.NewNop())
	h.Register(queue.QueueIndex, worker.ProcessorFunc(func(ctx context.Context, run *worker.Run) (worker.Result, error) {
		return worker.Result{}, nil
	}))

	err := h.Handle(context.Background(), job(queue.QueueIndex))
	require.EqualError(t, err, "db down")
	assert.False(t, queue.IsPermanent(err))
}

func TestTaskHandler_NoProcessorIsPermanent(t *testing.T) {
	h := worker.NewTaskHandler(repository.NewInMemoryTaskRepository(), events.NewInMemoryBus(), zap.NewNop())
	err := h.Handle(context.Background(), job(queue.QueueBranch))
	assert.True(t, queue.IsPermanent(err))
}
