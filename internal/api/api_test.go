package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"novel-wash/internal/events"
	"novel-wash/internal/mocks"
	"novel-wash/internal/model"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testAPI struct {
	router   *gin.Engine
	sessions *repository.InMemorySessionRepository
	tasks    *repository.InMemoryTaskRepository
	pauses   repository.PauseStore
	enqueuer *mocks.MockEnqueuer
	bus      *events.InMemoryBus
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a := &testAPI{
		sessions: repository.NewInMemorySessionRepository(),
		tasks:    repository.NewInMemoryTaskRepository(),
		pauses:   repository.NewInMemoryPauseStore(),
		enqueuer: mocks.NewMockEnqueuer(t),
		bus:      events.NewInMemoryBus(),
	}
	h := NewHandler(Deps{
		Sessions:    a.sessions,
		Tasks:       a.tasks,
		Pauses:      a.pauses,
		Idempotency: repository.NewInMemoryIdempotencyStore(),
		Enqueuer:    a.enqueuer,
		Bus:         a.bus,
		Logger:      zap.NewNop(),
	})
	a.router = NewRouter(h, Options{})
	require.NoError(t, a.sessions.Create(context.Background(), &model.Session{ID: "s1", Status: model.SessionConfirmed}))
	return a
}

func (a *testAPI) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeSubmit(t *testing.T, w *httptest.ResponseRecorder) SubmitResponse {
	t.Helper()
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSubmitGenerate(t *testing.T) {
	a := newTestAPI(t)
	a.enqueuer.On("Enqueue", mock.Anything, queue.QueueGenerate, mock.MatchedBy(func(d queue.JobData) bool {
		return d.SessionID == "s1" && d.TaskID != "" && d.AutoReview && d.StartFromNode != nil && *d.StartFromNode == 3
	}), queue.EnqueueOptions{}).Return("job-1", nil).Once()

	w := a.do(http.MethodPost, "/sessions/s1/generate", `{"autoReview": true, "startFromNode": 3}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decodeSubmit(t, w)
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, "generate", resp.Queue)

	task, err := a.tasks.Get(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskGenerate, task.Type)
	assert.Equal(t, model.TaskStatusPending, task.Status)
	assert.Equal(t, "s1", task.SessionID)
	a.enqueuer.AssertExpectations(t)
}

func TestSubmit_EmptyBodyUsesDefaults(t *testing.T) {
	a := newTestAPI(t)
	a.enqueuer.On("Enqueue", mock.Anything, queue.QueuePlan, mock.MatchedBy(func(d queue.JobData) bool {
		return d.Mode == "" && d.TargetNodeCount == 0
	}), queue.EnqueueOptions{}).Return("job-1", nil).Once()

	w := a.do(http.MethodPost, "/sessions/s1/plan", "", nil)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestSubmit_ValidationAndMissingSession(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodPost, "/sessions/s1/plan", `{"mode": "sideways"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodPost, "/sessions/s1/branch", `{"targetDivergent": -1}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodPost, "/sessions/missing/index", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	a.enqueuer.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_IdempotencyKeyReturnsSameTask(t *testing.T) {
	a := newTestAPI(t)
	a.enqueuer.On("Enqueue", mock.Anything, queue.QueueIndex, mock.Anything, queue.EnqueueOptions{}).Return("job-1", nil).Once()
	headers := map[string]string{IdempotencyHeader: "abc"}

	first := a.do(http.MethodPost, "/sessions/s1/index", "", headers)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := a.do(http.MethodPost, "/sessions/s1/index", "", headers)
	require.Equal(t, http.StatusOK, second.Code)

	r1, r2 := decodeSubmit(t, first), decodeSubmit(t, second)
	assert.Equal(t, r1.TaskID, r2.TaskID)
	assert.True(t, r2.Duplicate)

	tasks, err := a.tasks.ListBySession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	a.enqueuer.AssertExpectations(t)
}

func TestSubmit_EnqueueFailureFailsTask(t *testing.T) {
	a := newTestAPI(t)
	a.enqueuer.On("Enqueue", mock.Anything, queue.QueueReview, mock.Anything, queue.EnqueueOptions{}).Return("", errors.New("broker down")).Once()

	w := a.do(http.MethodPost, "/sessions/s1/review", `{"autoFix": true}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	tasks, err := a.tasks.ListBySession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskStatusFailed, tasks[0].Status)
}

func TestRerollNode(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	_, err := a.sessions.Update(ctx, "s1", func(s *model.Session) error {
		s.PutNode(model.Node{EventPlan: model.EventPlan{ID: 2}, Status: model.NodeCompleted, Content: "old", Kind: model.NodeKindMain})
		return nil
	})
	require.NoError(t, err)
	a.enqueuer.On("Enqueue", mock.Anything, queue.QueueGenerate, mock.MatchedBy(func(d queue.JobData) bool {
		return d.NodeID != nil && *d.NodeID == 2 && d.AutoReview
	}), queue.EnqueueOptions{}).Return("job-2", nil).Once()

	w := a.do(http.MethodPost, "/sessions/s1/nodes/2/reroll", `{"autoReview": true}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	s, _ := a.sessions.Get(ctx, "s1")
	n, _ := s.Node(2)
	assert.Equal(t, model.NodePending, n.Status)
	assert.Empty(t, n.Content)
	assert.Equal(t, 1, n.RerollCount)

	w = a.do(http.MethodPost, "/sessions/s1/nodes/9/reroll", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = a.do(http.MethodPost, "/sessions/s1/nodes/abc/reroll", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPauseResume(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	w := a.do(http.MethodPost, "/sessions/s1/pause", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	paused, err := a.pauses.IsPaused(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, paused)

	w = a.do(http.MethodPost, "/sessions/s1/resume", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	paused, _ = a.pauses.IsPaused(ctx, "s1")
	assert.False(t, paused)

	w = a.do(http.MethodPost, "/sessions/nope/pause", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfirmPlan(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	index := []model.ChapterIndex{{Number: 1}, {Number: 2}, {Number: 3}}
	require.NoError(t, a.sessions.Create(ctx, &model.Session{
		ID:           "planned",
		Status:       model.SessionPlanning,
		ChapterIndex: index,
		PlanEvents: []model.EventPlan{
			{ID: 1, Type: model.TypeNormal, StartChapter: 1, EndChapter: 2, SceneCount: 1},
			{ID: 2, Type: model.TypeHighlight, StartChapter: 3, EndChapter: 3, SceneCount: 1},
		},
	}))
	require.NoError(t, a.sessions.Create(ctx, &model.Session{
		ID:           "gappy",
		Status:       model.SessionPlanning,
		ChapterIndex: index,
		PlanEvents:   []model.EventPlan{{ID: 1, Type: model.TypeNormal, StartChapter: 1, EndChapter: 1, SceneCount: 1}},
	}))
	require.NoError(t, a.sessions.Create(ctx, &model.Session{ID: "empty", Status: model.SessionPlanning, ChapterIndex: index}))

	w := a.do(http.MethodPost, "/sessions/planned/plan/confirm", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"nodeCount":2`)

	s, err := a.sessions.Get(ctx, "planned")
	require.NoError(t, err)
	assert.Equal(t, model.SessionConfirmed, s.Status)
	n, ok := s.Node(2)
	require.True(t, ok)
	assert.Equal(t, model.NodePending, n.Status)
	assert.True(t, n.IsMain())

	// повторное подтверждение не пересоздаёт узлы
	w = a.do(http.MethodPost, "/sessions/planned/plan/confirm", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "plan_confirmed")

	w = a.do(http.MethodPost, "/sessions/gappy/plan/confirm", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "missing chapters [2 3]")
	s, _ = a.sessions.Get(ctx, "gappy")
	assert.Empty(t, s.Nodes)
	assert.Equal(t, model.SessionPlanning, s.Status)

	w = a.do(http.MethodPost, "/sessions/empty/plan/confirm", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "session_not_ready")

	w = a.do(http.MethodPost, "/sessions/nope/plan/confirm", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAndCancelTask(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, a.tasks.Create(ctx, &model.Task{ID: "t1", SessionID: "s1", Type: model.TaskPlan}))

	w := a.do(http.MethodGet, "/tasks/t1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got model.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, model.TaskPlan, got.Type)

	w = a.do(http.MethodDelete, "/tasks/t1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	task, _ := a.tasks.Get(ctx, "t1")
	assert.Equal(t, model.TaskStatusCancelled, task.Status)

	w = a.do(http.MethodDelete, "/tasks/t1", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = a.do(http.MethodGet, "/tasks/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func dialEvents(t *testing.T, srv *httptest.Server, taskID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tasks/" + taskID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStreamEvents_UntilComplete(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, a.tasks.Create(ctx, &model.Task{ID: "t1", SessionID: "s1", Type: model.TaskGenerate, Status: model.TaskStatusRunning}))
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	conn := dialEvents(t, srv, "t1")
	ch := events.JobChannel("t1")
	require.NoError(t, a.bus.Publish(ctx, ch, model.Event{Type: model.EventProgress, Message: "1/2"}))
	require.NoError(t, a.bus.Publish(ctx, ch, model.Event{Type: model.EventError, Message: "node failed", Data: map[string]interface{}{"nodeId": 2}}))
	require.NoError(t, a.bus.Publish(ctx, ch, model.Event{Type: model.EventComplete, Message: "done"}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []model.EventType
	for i := 0; i < 3; i++ {
		var ev model.Event
		require.NoError(t, conn.ReadJSON(&ev))
		got = append(got, ev.Type)
	}
	assert.Equal(t, []model.EventType{model.EventProgress, model.EventError, model.EventComplete}, got)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func TestStreamEvents_FinishedTask(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, a.tasks.Create(ctx, &model.Task{ID: "t1", SessionID: "s1", Type: model.TaskIndex}))
	require.NoError(t, a.tasks.Complete(ctx, "t1", json.RawMessage(`{"indexedCount": 3}`)))
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	conn := dialEvents(t, srv, "t1")
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev model.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.EventComplete, ev.Type)
	assert.Equal(t, float64(3), ev.Data["indexedCount"])
}

func TestStreamEvents_UnknownTask(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(http.MethodGet, "/tasks/missing/events", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
