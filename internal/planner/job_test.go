package planner

import (
	"context"
	"testing"

	"novel-wash/internal/events"
	"novel-wash/internal/mocks"
	"novel-wash/internal/model"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"
	"novel-wash/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPlanRun(t *testing.T, data queue.JobData) (*worker.Run, *events.InMemoryBus, repository.TaskRepository) {
	t.Helper()
	tasks := repository.NewInMemoryTaskRepository()
	task := &model.Task{ID: data.TaskID, SessionID: data.SessionID, Type: model.TaskPlan}
	require.NoError(t, tasks.Create(context.Background(), task))
	bus := events.NewInMemoryBus()
	job := queue.Job{ID: "job-1", Queue: queue.QueuePlan, Data: data}
	return worker.NewRun(job, task, tasks, events.NewEmitter(bus, zap.NewNop(), data.TaskID, data.SessionID), zap.NewNop()), bus, tasks
}

func TestJob_OneToOneStoresPlan(t *testing.T) {
	ctx := context.Background()
	sessions := repository.NewInMemorySessionRepository()
	require.NoError(t, sessions.Create(ctx, &model.Session{
		ID:              "s1",
		Status:          model.SessionIndexing,
		ChapterIndex:    denseIndex(4),
		ContentAnalysis: &model.ContentAnalysis{TotalChapters: 4, TargetNodeCount: 3},
	}))

	job := NewJob(newTestPlanner(t, mocks.NewMockLLMClient(t), DefaultConfig()), sessions)
	run, bus, _ := newPlanRun(t, queue.JobData{SessionID: "s1", TaskID: "t1", Mode: model.ModeOneToOne})

	res, err := job.Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Value["eventCount"])
	assert.Equal(t, 3, res.Value["target"])

	s, err := sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionPlanning, s.Status)
	require.Len(t, s.PlanEvents, 4)
	assert.Equal(t, 4, s.ContentAnalysis.LastPlanEventCount)
	assert.Nil(t, s.ContentAnalysis.LastPlanUserTarget)
	assert.Equal(t, 3, s.ContentAnalysis.TargetNodeCount)

	types := bus.Types(events.JobChannel("t1"))
	assert.Contains(t, types, model.EventThought)
	assert.Contains(t, types, model.EventProgress)
	// 4 узла при цели 3: вне допуска
	assert.Contains(t, types, model.EventWarning)
}

func TestJob_MissingIndexIsPermanent(t *testing.T) {
	ctx := context.Background()
	sessions := repository.NewInMemorySessionRepository()
	require.NoError(t, sessions.Create(ctx, &model.Session{ID: "s1", Status: model.SessionUploading}))

	job := NewJob(newTestPlanner(t, mocks.NewMockLLMClient(t), DefaultConfig()), sessions)
	run, _, _ := newPlanRun(t, queue.JobData{SessionID: "s1", TaskID: "t1"})

	_, err := job.Process(ctx, run)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, model.ErrSessionNotReady)
}

func TestJob_UnknownSessionIsPermanent(t *testing.T) {
	job := NewJob(newTestPlanner(t, mocks.NewMockLLMClient(t), DefaultConfig()), repository.NewInMemorySessionRepository())
	run, _, _ := newPlanRun(t, queue.JobData{SessionID: "nope", TaskID: "t1"})

	_, err := job.Process(context.Background(), run)
	assert.True(t, queue.IsPermanent(err))
}

func TestJob_ConfirmedPlanIsNotReplanned(t *testing.T) {
	ctx := context.Background()
	sessions := repository.NewInMemorySessionRepository()
	s := &model.Session{
		ID:           "s1",
		Status:       model.SessionPlanning,
		ChapterIndex: denseIndex(2),
		PlanEvents:   oneToOne(denseIndex(2)),
	}
	s.PlanEvents = renumber(s.PlanEvents)
	require.NoError(t, sessions.Create(ctx, s))

	confirmed, err := Confirm(ctx, sessions, "s1")
	require.NoError(t, err)
	require.Len(t, confirmed.Nodes, 2)

	job := NewJob(newTestPlanner(t, mocks.NewMockLLMClient(t), DefaultConfig()), sessions)
	run, _, _ := newPlanRun(t, queue.JobData{SessionID: "s1", TaskID: "t1", Mode: model.ModeOneToOne})
	_, err = job.Process(ctx, run)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, model.ErrPlanConfirmed)

	got, err := sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionConfirmed, got.Status)
	assert.Len(t, got.Nodes, 2)
}

func TestConfirm_RejectsBrokenPlan(t *testing.T) {
	ctx := context.Background()
	sessions := repository.NewInMemorySessionRepository()
	require.NoError(t, sessions.Create(ctx, &model.Session{
		ID:           "s1",
		Status:       model.SessionPlanning,
		ChapterIndex: denseIndex(3),
		PlanEvents:   []model.EventPlan{{ID: 1, Type: model.TypeNormal, StartChapter: 1, EndChapter: 2, SceneCount: 1}},
	}))

	_, err := Confirm(ctx, sessions, "s1")
	var ce *CoverageError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []int{3}, ce.Missing)

	got, err := sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.Nodes)
	assert.Equal(t, model.SessionPlanning, got.Status)
}
