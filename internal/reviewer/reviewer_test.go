package reviewer

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"testing"

	"novel-wash/internal/events"
	"novel-wash/internal/llm"
	"novel-wash/internal/mocks"
	"novel-wash/internal/model"
	"novel-wash/internal/parser"
	"novel-wash/internal/prompts"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"
	"novel-wash/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var contentNodeRe = regexp.MustCompile(`text of node (\d+)`)

func newTestReviewer(t *testing.T, client llm.Client) *Reviewer {
	t.Helper()
	provider, err := prompts.NewProvider(zap.NewNop(), "")
	require.NoError(t, err)
	return New(client, provider, nil, llm.RetryPolicy{MaxAttempts: 1}, DefaultConfig(), zap.NewNop())
}

// scoringClient ставит узлу оценку из scores по id из текста узла. Нет оценки - мусорный ответ.
func scoringClient(t *testing.T, scores map[int]int) *mocks.MockLLMClient {
	client := mocks.NewMockLLMClient(t)
	client.On("Chat", mock.Anything, mock.Anything, mock.Anything).Return(
		func(_ context.Context, msgs []llm.Message, _ llm.Options) string {
			m := contentNodeRe.FindStringSubmatch(msgs[len(msgs)-1].Content)
			if m == nil {
				return "no idea"
			}
			id, _ := strconv.Atoi(m[1])
			score, ok := scores[id]
			if !ok {
				return "no idea"
			}
			return fmt.Sprintf(`{"score": %d, "issues": ["pacing"]}`, score)
		}, llm.UsageInfo{}, nil)
	return client
}

func reviewedSession(n int) *model.Session {
	s := &model.Session{ID: "s1", Status: model.SessionCompleted}
	for i := 1; i <= n; i++ {
		s.PutNode(model.Node{
			EventPlan: model.EventPlan{ID: i, Type: model.TypeNormal, StartChapter: i, EndChapter: i},
			Status:    model.NodeCompleted,
			Content:   fmt.Sprintf("text of node %d", i),
			Kind:      model.NodeKindMain,
		})
	}
	return s
}

func newReviewRun(t *testing.T, data queue.JobData, taskType model.TaskType) (*worker.Run, *events.InMemoryBus) {
	t.Helper()
	tasks := repository.NewInMemoryTaskRepository()
	task := &model.Task{ID: data.TaskID, SessionID: data.SessionID, Type: taskType}
	require.NoError(t, tasks.Create(context.Background(), task))
	bus := events.NewInMemoryBus()
	job := queue.Job{ID: "job-1", Queue: queue.QueueReview, Data: data}
	return worker.NewRun(job, task, tasks, events.NewEmitter(bus, zap.NewNop(), data.TaskID, data.SessionID), zap.NewNop()), bus
}

func TestNeedsFix(t *testing.T) {
	assert.True(t, NeedsFix(3, 0))
	assert.True(t, NeedsFix(1, 2))
	assert.False(t, NeedsFix(4, 0))
	assert.False(t, NeedsFix(2, 3))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))
	assert.Equal(t, Summary{Reviewed: 3, AvgScore: 3.3, LowScore: 1}, Summarize([]int{5, 3, 2}))
	assert.Equal(t, Summary{Reviewed: 2, AvgScore: 4.5}, Summarize([]int{4, 5}))
}

func TestReview_ParsesStringScore(t *testing.T) {
	client := mocks.NewMockLLMClient(t)
	client.On("Chat", mock.Anything, mock.Anything, mock.MatchedBy(func(o llm.Options) bool {
		return o.MaxTokens == llm.MaxTokensReview && o.Model == "judge"
	})).Return("```json\n{\"score\": \"4\", \"suggestions\": [\"more dialogue\"]}\n```", llm.UsageInfo{}, nil)

	res, err := newTestReviewer(t, client).Review(context.Background(), reviewedSession(1).Nodes["1"], "judge")
	require.NoError(t, err)
	assert.Equal(t, parser.FlexInt(4), res.Score)
	assert.Equal(t, []string{"more dialogue"}, res.Suggestions)
}

func TestReview_OutOfRangeScoreIsParseError(t *testing.T) {
	client := mocks.NewMockLLMClient(t)
	client.On("Chat", mock.Anything, mock.Anything, mock.Anything).Return(`{"score": 9}`, llm.UsageInfo{}, nil)

	_, err := newTestReviewer(t, client).Review(context.Background(), reviewedSession(1).Nodes["1"], "")
	var perr *parser.ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestJob_BatchReviewsCompletedNodes(t *testing.T) {
	ctx := context.Background()
	sessions := repository.NewInMemorySessionRepository()
	s := reviewedSession(4)
	pending := s.Nodes["4"]
	pending.Status, pending.Content = model.NodePending, ""
	s.PutNode(pending)
	require.NoError(t, sessions.Create(ctx, s))

	job := NewJob(newTestReviewer(t, scoringClient(t, map[int]int{1: 5, 2: 2, 3: 4})), sessions, mocks.NewMockEnqueuer(t))
	run, bus := newReviewRun(t, queue.JobData{SessionID: "s1", TaskID: "t1"}, model.TaskReview)

	res, err := job.Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Value["reviewedCount"])
	assert.Equal(t, 3.7, res.Value["avgScore"])
	assert.Equal(t, 1, res.Value["lowScoreCount"])
	assert.Equal(t, 0, res.Value["rerolledCount"])
	assert.Equal(t, "Review complete! Average score: 3.7/5", res.Message)

	got, _ := sessions.Get(ctx, "s1")
	for id, want := range map[int]int{1: 5, 2: 2, 3: 4} {
		n, _ := got.Node(id)
		require.NotNil(t, n.QualityScore)
		assert.Equal(t, want, *n.QualityScore)
	}
	n4, _ := got.Node(4)
	assert.Nil(t, n4.QualityScore)

	logs := 0
	for _, ev := range bus.Events(events.JobChannel("t1")) {
		if ev.Type == model.EventLog {
			logs++
		}
	}
	assert.Equal(t, 3, logs)
	assert.NotContains(t, bus.Types(events.JobChannel("t1")), model.EventReroll)
}

func TestJob_BatchContinuesAfterUnparsableReview(t *testing.T) {
	ctx := context.Background()
	sessions := repository.NewInMemorySessionRepository()
	require.NoError(t, sessions.Create(ctx, reviewedSession(3)))

	job := NewJob(newTestReviewer(t, scoringClient(t, map[int]int{1: 4, 3: 5})), sessions, mocks.NewMockEnqueuer(t))
	run, bus := newReviewRun(t, queue.JobData{SessionID: "s1", TaskID: "t1"}, model.TaskReview)

	res, err := job.Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Value["reviewedCount"])
	assert.Equal(t, 4.5, res.Value["avgScore"])
	assert.Contains(t, bus.Types(events.JobChannel("t1")), model.EventWarning)

	got, _ := sessions.Get(ctx, "s1")
	n2, _ := got.Node(2)
	assert.Nil(t, n2.QualityScore)
}

func TestJob_AutoFixRerollsLowScoreNode(t *testing.T) {
	ctx := context.Background()
	sessions := repository.NewInMemorySessionRepository()
	require.NoError(t, sessions.Create(ctx, reviewedSession(2)))

	enq := mocks.NewMockEnqueuer(t)
	enq.On("Enqueue", mock.Anything, queue.QueueGenerate, queue.JobData{
		SessionID:  "s1",
		TaskID:     "gen-1",
		NodeID:     model.IntPtr(2),
		AutoReview: true,
	}, queue.EnqueueOptions{}).Return("job-g", nil).Once()

	job := NewJob(newTestReviewer(t, scoringClient(t, map[int]int{2: 2})), sessions, enq)
	// авторевью идёт под задачей генерации
	run, bus := newReviewRun(t, queue.JobData{SessionID: "s1", TaskID: "gen-1", NodeID: model.IntPtr(2), AutoFix: true}, model.TaskGenerate)

	res, err := job.Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Value["score"])
	assert.Equal(t, true, res.Value["rerolled"])
	enq.AssertExpectations(t)

	got, _ := sessions.Get(ctx, "s1")
	n2, _ := got.Node(2)
	assert.Equal(t, model.NodePending, n2.Status)
	assert.Empty(t, n2.Content)
	assert.Equal(t, 1, n2.RerollCount)
	n1, _ := got.Node(1)
	assert.Equal(t, model.NodeCompleted, n1.Status)

	assert.Contains(t, bus.Types(events.JobChannel("gen-1")), model.EventReroll)
	assert.NotContains(t, bus.Types(events.JobChannel("gen-1")), model.EventProgress)
}

func TestJob_AutoFixLeavesBranchNodes(t *testing.T) {
	ctx := context.Background()
	sessions := repository.NewInMemorySessionRepository()
	s := reviewedSession(2)
	s.PutNode(model.Node{
		EventPlan:    model.EventPlan{ID: 3, Type: model.TypeNormal, StartChapter: 1, EndChapter: 1},
		Status:       model.NodeCompleted,
		Content:      "text of node 3",
		Kind:         model.NodeKindBranchBody,
		ParentNodeID: model.IntPtr(1),
	})
	require.NoError(t, sessions.Create(ctx, s))

	// без ожиданий: любая постановка в очередь провалит тест
	enqueuer := mocks.NewMockEnqueuer(t)
	job := NewJob(newTestReviewer(t, scoringClient(t, map[int]int{1: 5, 2: 4, 3: 1})), sessions, enqueuer)
	run, bus := newReviewRun(t, queue.JobData{SessionID: "s1", TaskID: "t1", AutoFix: true}, model.TaskReview)

	res, err := job.Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Value["reviewedCount"])
	assert.Equal(t, 0, res.Value["rerolledCount"])
	assert.NotContains(t, bus.Types(events.JobChannel("t1")), model.EventReroll)

	got, _ := sessions.Get(ctx, "s1")
	branch, _ := got.Node(3)
	require.NotNil(t, branch.QualityScore)
	assert.Equal(t, 1, *branch.QualityScore)
	assert.Equal(t, model.NodeCompleted, branch.Status)
	assert.Equal(t, 0, branch.RerollCount)
	assert.Equal(t, "text of node 3", branch.Content)
}

func TestJob_AutoFixStopsAtRerollLimit(t *testing.T) {
	ctx := context.Background()
	sessions := repository.NewInMemorySessionRepository()
	s := reviewedSession(1)
	n := s.Nodes["1"]
	n.RerollCount = MaxAutoRerolls
	s.PutNode(n)
	require.NoError(t, sessions.Create(ctx, s))

	enq := mocks.NewMockEnqueuer(t)
	job := NewJob(newTestReviewer(t, scoringClient(t, map[int]int{1: 1})), sessions, enq)
	run, _ := newReviewRun(t, queue.JobData{SessionID: "s1", TaskID: "gen-1", NodeID: model.IntPtr(1), AutoFix: true}, model.TaskGenerate)

	res, err := job.Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, false, res.Value["rerolled"])
	enq.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	got, _ := sessions.Get(ctx, "s1")
	kept, _ := got.Node(1)
	assert.Equal(t, model.NodeCompleted, kept.Status)
	require.NotNil(t, kept.QualityScore)
	assert.Equal(t, 1, *kept.QualityScore)
}

func TestJob_SingleNodeNotReadyIsSkipped(t *testing.T) {
	ctx := context.Background()
	sessions := repository.NewInMemorySessionRepository()
	s := reviewedSession(1)
	n := s.Nodes["1"]
	n.Status = model.NodeGenerating
	s.PutNode(n)
	require.NoError(t, sessions.Create(ctx, s))

	client := mocks.NewMockLLMClient(t)
	job := NewJob(newTestReviewer(t, client), sessions, mocks.NewMockEnqueuer(t))
	run, _ := newReviewRun(t, queue.JobData{SessionID: "s1", TaskID: "t1", NodeID: model.IntPtr(1)}, model.TaskReview)

	res, err := job.Process(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, false, res.Value["reviewed"])
	client.AssertNotCalled(t, "Chat", mock.Anything, mock.Anything, mock.Anything)
}

func TestJob_MissingSessionIsPermanent(t *testing.T) {
	job := NewJob(newTestReviewer(t, mocks.NewMockLLMClient(t)), repository.NewInMemorySessionRepository(), mocks.NewMockEnqueuer(t))
	run, _ := newReviewRun(t, queue.JobData{SessionID: "nope", TaskID: "t1"}, model.TaskReview)

	_, err := job.Process(context.Background(), run)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}
