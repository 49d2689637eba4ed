package writer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"novel-wash/internal/events"
	"novel-wash/internal/llm"
	"novel-wash/internal/memory"
	"novel-wash/internal/mocks"
	"novel-wash/internal/model"
	"novel-wash/internal/planner"
	"novel-wash/internal/prompts"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"
	"novel-wash/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var washNodeRe = regexp.MustCompile(`Node #(\d+) \(`)

// fakeModel - модель по промптам: текст узла и память. failNode - узел, на котором текст падает.
type fakeModel struct {
	mu         sync.Mutex
	failNode   int
	failMemory bool
	washCalls  []int
	washSystem []string
}

func (f *fakeModel) client(t *testing.T) *mocks.MockLLMClient {
	client := mocks.NewMockLLMClient(t)
	client.On("Chat", mock.Anything, mock.Anything, mock.Anything).Return(
		func(_ context.Context, msgs []llm.Message, _ llm.Options) string {
			sys := msgs[0].Content
			if strings.Contains(sys, "Update the story memory") {
				if f.failMemory {
					return ""
				}
				return "memory after " + lastLine(msgs[1].Content)
			}
			id := nodeOf(sys)
			f.mu.Lock()
			f.washCalls = append(f.washCalls, id)
			f.washSystem = append(f.washSystem, sys)
			f.mu.Unlock()
			return fmt.Sprintf("```\nContent of node %d\n```", id)
		},
		llm.UsageInfo{},
		func(_ context.Context, msgs []llm.Message, _ llm.Options) error {
			sys := msgs[0].Content
			if strings.Contains(sys, "Update the story memory") {
				if f.failMemory {
					return llm.NewFatalError(500, errors.New("memory model down"))
				}
				return nil
			}
			if f.failNode != 0 && nodeOf(sys) == f.failNode {
				return llm.NewFatalError(400, errors.New("bad request"))
			}
			return nil
		})
	return client
}

func nodeOf(sys string) int {
	m := washNodeRe.FindStringSubmatch(sys)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

type fixture struct {
	sessions *repository.InMemorySessionRepository
	store    *memory.InMemoryStore
	pauses   repository.PauseStore
	enqueuer *mocks.MockEnqueuer
	writer   *Writer
	renamer  Renamer
}

func newFixture(t *testing.T, client llm.Client) *fixture {
	t.Helper()
	provider, err := prompts.NewProvider(zap.NewNop(), "")
	require.NoError(t, err)
	store := memory.NewInMemoryStore()
	mgr := memory.NewManager(store, zap.NewNop())
	return &fixture{
		sessions: repository.NewInMemorySessionRepository(),
		store:    store,
		pauses:   repository.NewInMemoryPauseStore(),
		enqueuer: mocks.NewMockEnqueuer(t),
		writer:   New(client, provider, mgr, llm.RetryPolicy{MaxAttempts: 1}, DefaultConfig(), zap.NewNop()),
	}
}

func (f *fixture) job() *Job {
	return NewJob(f.writer, f.renamer, f.sessions, f.pauses, f.enqueuer)
}

func confirmedSession(types ...model.ChapterType) *model.Session {
	s := &model.Session{ID: "s1", Status: model.SessionConfirmed, Chapters: map[int]model.Chapter{}, GlobalMemory: "prev"}
	for i, typ := range types {
		id := i + 1
		s.Chapters[id] = model.Chapter{Number: id, Title: fmt.Sprintf("Ch%d", id), Content: fmt.Sprintf("Text of chapter %d", id)}
		s.PlanEvents = append(s.PlanEvents, model.EventPlan{ID: id, Type: typ, StartChapter: id, EndChapter: id, Description: fmt.Sprintf("Event %d", id), SceneCount: 1})
	}
	s.ConfirmPlan()
	return s
}

func newGenerateRun(t *testing.T, data queue.JobData) (*worker.Run, *events.InMemoryBus) {
	t.Helper()
	tasks := repository.NewInMemoryTaskRepository()
	task := &model.Task{ID: data.TaskID, SessionID: data.SessionID, Type: model.TaskGenerate}
	require.NoError(t, tasks.Create(context.Background(), task))
	bus := events.NewInMemoryBus()
	job := queue.Job{ID: "job-1", Queue: queue.QueueGenerate, Data: data}
	return worker.NewRun(job, task, tasks, events.NewEmitter(bus, zap.NewNop(), data.TaskID, data.SessionID), zap.NewNop()), bus
}

func countType(types []model.EventType, want model.EventType) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

func TestImportanceAndChoices(t *testing.T) {
	assert.Equal(t, 4, Importance(model.TypeHighlight))
	assert.Equal(t, 2, Importance(model.TypeNormal))
	assert.Equal(t, 3, ChoiceCount(model.TypeHighlight))
	assert.Equal(t, 1, ChoiceCount(model.TypeNormal))
}

func TestJob_GeneratesMainLineSequentially(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	f := newFixture(t, fm.client(t))
	require.NoError(t, f.sessions.Create(ctx, confirmedSession(model.TypeHighlight, model.TypeNormal, model.TypeNormal)))

	run, bus := newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t1"})
	res, err := f.job().Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Value["generatedCount"])
	assert.Equal(t, model.SessionCompleted, res.Value["sessionStatus"])
	assert.Equal(t, []int{1, 2, 3}, fm.washCalls)

	s, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, s.Status)
	for _, n := range s.SortedNodes(true) {
		assert.Equal(t, model.NodeCompleted, n.Status)
		assert.Equal(t, fmt.Sprintf("Content of node %d", n.ID), n.Content)
	}
	assert.Equal(t, "memory after Content of node 3", s.GlobalMemory)

	// узел 2 видит глобальную память после узла 1 и запись журнала о нём
	assert.Contains(t, fm.washSystem[1], "memory after Content of node 1")
	assert.Contains(t, fm.washSystem[1], "[node#4] Node #1 (highlight): Event 1")
	assert.Contains(t, fm.washSystem[0], "3 meaningful player choices")

	entries, err := f.store.Recent(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	importance := map[int]int{}
	for _, e := range entries {
		importance[*e.NodeID] = e.Importance
	}
	assert.Equal(t, map[int]int{1: 4, 2: 2, 3: 2}, importance)

	types := bus.Types(events.JobChannel("t1"))
	assert.Equal(t, 3, countType(types, model.EventNodeStart))
	assert.Equal(t, 3, countType(types, model.EventNodeReady))
}

func TestJob_PlanConfirmThenGenerate(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	client := fm.client(t)
	f := newFixture(t, client)

	s := &model.Session{ID: "s1", Status: model.SessionIndexing, Chapters: map[int]model.Chapter{}}
	for id := 1; id <= 2; id++ {
		s.Chapters[id] = model.Chapter{Number: id, Title: fmt.Sprintf("Ch%d", id), Content: fmt.Sprintf("Text of chapter %d", id)}
		s.ChapterIndex = append(s.ChapterIndex, model.ChapterIndex{Number: id, Title: fmt.Sprintf("Ch%d", id), Summary: "sum", Type: model.TypeNormal})
	}
	require.NoError(t, f.sessions.Create(ctx, s))

	provider, err := prompts.NewProvider(zap.NewNop(), "")
	require.NoError(t, err)
	planJob := planner.NewJob(planner.New(client, provider, nil, llm.RetryPolicy{MaxAttempts: 1}, planner.DefaultConfig(), zap.NewNop()), f.sessions)

	planTasks := repository.NewInMemoryTaskRepository()
	planTask := &model.Task{ID: "plan-1", SessionID: "s1", Type: model.TaskPlan}
	require.NoError(t, planTasks.Create(ctx, planTask))
	planData := queue.JobData{SessionID: "s1", TaskID: "plan-1", Mode: model.ModeOneToOne}
	planRun := worker.NewRun(queue.Job{ID: "job-plan", Queue: queue.QueuePlan, Data: planData}, planTask, planTasks,
		events.NewEmitter(events.NewInMemoryBus(), zap.NewNop(), "plan-1", "s1"), zap.NewNop())
	_, err = planJob.Process(ctx, planRun)
	require.NoError(t, err)

	// сохранённый план без подтверждения узлов не даёт
	run, _ := newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t1"})
	_, err = f.job().Process(ctx, run)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrSessionNotReady)
	assert.True(t, queue.IsPermanent(err))

	confirmed, err := planner.Confirm(ctx, f.sessions, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionConfirmed, confirmed.Status)
	require.Len(t, confirmed.SortedNodes(true), 2)

	run, _ = newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t2"})
	res, err := f.job().Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Value["generatedCount"])
	assert.Equal(t, []int{1, 2}, fm.washCalls)

	got, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Status)

	_, err = planner.Confirm(ctx, f.sessions, "s1")
	assert.ErrorIs(t, err, model.ErrPlanConfirmed)
}

// failingCompleteRepo не даёт сохранить узел nodeID готовым.
type failingCompleteRepo struct {
	*repository.InMemorySessionRepository
	nodeID int
}

func (r *failingCompleteRepo) Update(ctx context.Context, id string, fn func(s *model.Session) error) (*model.Session, error) {
	return r.InMemorySessionRepository.Update(ctx, id, func(s *model.Session) error {
		if err := fn(s); err != nil {
			return err
		}
		if n, ok := s.Node(r.nodeID); ok && n.Status == model.NodeCompleted {
			return errors.New("connection reset")
		}
		return nil
	})
}

func TestJob_UnsavedNodeLeavesNoMemoryEntry(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	f := newFixture(t, fm.client(t))
	require.NoError(t, f.sessions.Create(ctx, confirmedSession(model.TypeNormal, model.TypeNormal)))

	repo := &failingCompleteRepo{InMemorySessionRepository: f.sessions, nodeID: 1}
	job := NewJob(f.writer, nil, repo, f.pauses, f.enqueuer)
	run, _ := newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t1"})
	res, err := job.Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Value["errorCount"])

	entries, err := f.store.Recent(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, *entries[0].NodeID)

	s, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	n, _ := s.Node(1)
	assert.Equal(t, model.NodeError, n.Status)
}

func TestJob_SkipsCompletedNodes(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	f := newFixture(t, fm.client(t))
	s := confirmedSession(model.TypeNormal, model.TypeNormal, model.TypeNormal)
	n, _ := s.Node(1)
	n.Status, n.Content = model.NodeCompleted, "kept"
	s.PutNode(n)
	require.NoError(t, f.sessions.Create(ctx, s))

	run, _ := newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t1"})
	res, err := f.job().Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Value["generatedCount"])
	assert.Equal(t, []int{2, 3}, fm.washCalls)

	got, _ := f.sessions.Get(ctx, "s1")
	first, _ := got.Node(1)
	assert.Equal(t, "kept", first.Content)
}

func TestJob_StartFromNode(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	f := newFixture(t, fm.client(t))
	require.NoError(t, f.sessions.Create(ctx, confirmedSession(model.TypeNormal, model.TypeNormal, model.TypeNormal)))

	run, _ := newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t1", StartFromNode: model.IntPtr(2)})
	res, err := f.job().Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Value["total"])
	assert.Equal(t, []int{2, 3}, fm.washCalls)
	assert.Equal(t, model.SessionExecuting, res.Value["sessionStatus"])
}

func TestJob_PauseLeavesRemainingNodesPending(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	f := newFixture(t, fm.client(t))
	pauses := mocks.NewMockPauseStore(t)
	pauses.On("IsPaused", mock.Anything, "s1").Return(false, nil).Once()
	pauses.On("IsPaused", mock.Anything, "s1").Return(true, nil)
	f.pauses = pauses
	require.NoError(t, f.sessions.Create(ctx, confirmedSession(model.TypeNormal, model.TypeNormal, model.TypeNormal)))

	run, bus := newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t1"})
	res, err := f.job().Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, true, res.Value["paused"])
	assert.Equal(t, 1, res.Value["generatedCount"])
	assert.Equal(t, []int{1}, fm.washCalls)

	s, _ := f.sessions.Get(ctx, "s1")
	assert.Equal(t, model.SessionExecuting, s.Status)
	for _, id := range []int{2, 3} {
		n, _ := s.Node(id)
		assert.Equal(t, model.NodePending, n.Status)
	}
	assert.Contains(t, bus.Types(events.JobChannel("t1")), model.EventPaused)
}

func TestJob_NodeErrorIsRecordedAndLoopContinues(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{failNode: 2}
	f := newFixture(t, fm.client(t))
	require.NoError(t, f.sessions.Create(ctx, confirmedSession(model.TypeNormal, model.TypeNormal, model.TypeNormal)))

	run, bus := newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t1"})
	res, err := f.job().Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Value["generatedCount"])
	assert.Equal(t, 1, res.Value["errorCount"])

	s, _ := f.sessions.Get(ctx, "s1")
	failed, _ := s.Node(2)
	assert.Equal(t, model.NodeError, failed.Status)
	last, _ := s.Node(3)
	assert.Equal(t, model.NodeCompleted, last.Status)
	assert.Equal(t, model.SessionExecuting, s.Status)

	var nodeErr *model.Event
	for _, ev := range bus.Events(events.JobChannel("t1")) {
		if ev.Type == model.EventError {
			ev := ev
			nodeErr = &ev
		}
	}
	require.NotNil(t, nodeErr)
	assert.Equal(t, 2, nodeErr.Data["nodeId"])
	assert.False(t, nodeErr.Terminal())
}

func TestJob_MemoryFailureKeepsPreviousMemory(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{failMemory: true}
	f := newFixture(t, fm.client(t))
	require.NoError(t, f.sessions.Create(ctx, confirmedSession(model.TypeNormal)))

	run, _ := newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t1"})
	_, err := f.job().Process(ctx, run)
	require.NoError(t, err)

	s, _ := f.sessions.Get(ctx, "s1")
	assert.Equal(t, "prev", s.GlobalMemory)
	n, _ := s.Node(1)
	assert.Equal(t, model.NodeCompleted, n.Status)
}

// replaceRenamer - прямая замена без модели.
type replaceRenamer struct{ calls int }

func (r *replaceRenamer) Rename(_ context.Context, content string, m map[string]string) string {
	r.calls++
	for k, v := range m {
		content = strings.ReplaceAll(content, k, v)
	}
	return content
}

func TestJob_RenamesWhenEnabled(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	f := newFixture(t, fm.client(t))
	r := &replaceRenamer{}
	f.renamer = r
	s := confirmedSession(model.TypeNormal)
	s.CharacterMap = map[string]string{"Content": "Prose"}
	require.NoError(t, f.sessions.Create(ctx, s))

	run, _ := newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t1", RemapCharacters: true})
	_, err := f.job().Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 1, r.calls)

	got, _ := f.sessions.Get(ctx, "s1")
	n, _ := got.Node(1)
	assert.Equal(t, "Prose of node 1", n.Content)
}

func TestJob_AutoReviewEnqueuesReviewUnderSameTask(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	f := newFixture(t, fm.client(t))
	require.NoError(t, f.sessions.Create(ctx, confirmedSession(model.TypeNormal, model.TypeNormal)))
	f.enqueuer.On("Enqueue", mock.Anything, queue.QueueReview, mock.MatchedBy(func(d queue.JobData) bool {
		return d.TaskID == "t1" && d.AutoFix && d.NodeID != nil
	}), queue.EnqueueOptions{}).Return("job-r", nil).Twice()

	run, _ := newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t1", AutoReview: true})
	_, err := f.job().Process(ctx, run)
	require.NoError(t, err)
	f.enqueuer.AssertExpectations(t)
}

func TestReroll_ResetsOnlyTargetNode(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	f := newFixture(t, fm.client(t))
	require.NoError(t, f.sessions.Create(ctx, confirmedSession(model.TypeNormal, model.TypeHighlight, model.TypeNormal)))

	run, _ := newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t1"})
	_, err := f.job().Process(ctx, run)
	require.NoError(t, err)
	before, _ := f.sessions.Get(ctx, "s1")
	logBefore, _ := f.store.Recent(ctx, "s1", 10)

	reset, err := Reroll(ctx, f.sessions, "s1", 2)
	require.NoError(t, err)
	assert.Equal(t, model.NodePending, reset.Status)
	assert.Empty(t, reset.Content)
	assert.Equal(t, 1, reset.RerollCount)

	mid, _ := f.sessions.Get(ctx, "s1")
	for _, id := range []int{1, 3} {
		a, _ := before.Node(id)
		b, _ := mid.Node(id)
		assert.Equal(t, a, b)
	}
	assert.Equal(t, before.GlobalMemory, mid.GlobalMemory)
	logMid, _ := f.store.Recent(ctx, "s1", 10)
	assert.Equal(t, logBefore, logMid)

	fm.washCalls = nil
	run, _ = newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t2", NodeID: model.IntPtr(2)})
	_, err = f.job().Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, fm.washCalls)

	after, _ := f.sessions.Get(ctx, "s1")
	n2, _ := after.Node(2)
	assert.Equal(t, model.NodeCompleted, n2.Status)
	assert.Equal(t, "Content of node 2", n2.Content)
	assert.Equal(t, model.SessionCompleted, after.Status)
}

func TestReroll_UnknownNode(t *testing.T) {
	ctx := context.Background()
	sessions := repository.NewInMemorySessionRepository()
	require.NoError(t, sessions.Create(ctx, confirmedSession(model.TypeNormal)))
	_, err := Reroll(ctx, sessions, "s1", 9)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestJob_UnknownNodeIsPermanent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mocks.NewMockLLMClient(t))
	require.NoError(t, f.sessions.Create(ctx, confirmedSession(model.TypeNormal)))

	run, _ := newGenerateRun(t, queue.JobData{SessionID: "s1", TaskID: "t1", NodeID: model.IntPtr(42)})
	_, err := f.job().Process(ctx, run)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, model.ErrNotFound)
}
