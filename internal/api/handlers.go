package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"novel-wash/internal/model"
	"novel-wash/internal/planner"
	"novel-wash/internal/queue"
	"novel-wash/internal/writer"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IdempotencyHeader - повтор запроса с тем же ключом возвращает уже созданную задачу.
const IdempotencyHeader = "Idempotency-Key"

// ErrorResponse - тело ответа с ошибкой.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitResponse - ответ на постановку задачи.
type SubmitResponse struct {
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
	Queue     string `json:"queue"`
	JobID     string `json:"jobId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type indexRequest struct {
	RemapCharacters bool   `json:"remapCharacters"`
	Model           string `json:"model"`
}

type planRequest struct {
	Mode            model.PlanningMode `json:"mode" binding:"omitempty,oneof=auto split merge one_to_one"`
	TargetNodeCount int                `json:"targetNodeCount" binding:"min=0"`
	Model           string             `json:"model"`
}

type generateRequest struct {
	StartFromNode      *int   `json:"startFromNode" binding:"omitempty,min=1"`
	AutoReview         bool   `json:"autoReview"`
	RemapCharacters    bool   `json:"remapCharacters"`
	CustomInstructions string `json:"customInstructions" binding:"max=4000"`
	Model              string `json:"model"`
}

type reviewRequest struct {
	NodeID  *int   `json:"nodeId" binding:"omitempty,min=1"`
	AutoFix bool   `json:"autoFix"`
	Model   string `json:"model"`
}

type branchRequest struct {
	TargetDivergent  int    `json:"targetDivergent" binding:"min=0,max=20"`
	TargetConvergent int    `json:"targetConvergent" binding:"min=0,max=20"`
	Model            string `json:"model"`
}

type rerollRequest struct {
	AutoReview         bool   `json:"autoReview"`
	RemapCharacters    bool   `json:"remapCharacters"`
	CustomInstructions string `json:"customInstructions" binding:"max=4000"`
}

// bindOptional разбирает JSON тело. Пустое тело допустимо: все поля необязательны.
func bindOptional(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: "validation_error", Message: err.Error()})
		return false
	}
	return true
}

func (h *Handler) submitIndex(c *gin.Context) {
	var req indexRequest
	if !bindOptional(c, &req) {
		return
	}
	h.submit(c, model.TaskIndex, queue.JobData{RemapCharacters: req.RemapCharacters, Model: req.Model})
}

func (h *Handler) submitPlan(c *gin.Context) {
	var req planRequest
	if !bindOptional(c, &req) {
		return
	}
	h.submit(c, model.TaskPlan, queue.JobData{Mode: req.Mode, TargetNodeCount: req.TargetNodeCount, Model: req.Model})
}

// confirmPlan превращает сохранённый план в pending-узлы. После этого можно ставить генерацию.
func (h *Handler) confirmPlan(c *gin.Context) {
	sessionID := c.Param("id")
	s, err := planner.Confirm(c.Request.Context(), h.sessions, sessionID)
	if err != nil {
		var ce *planner.CoverageError
		if errors.As(err, &ce) {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, ErrorResponse{Code: "plan_invalid", Message: ce.Error()})
			return
		}
		h.handleError(c, err)
		return
	}
	h.logger.Info("Plan confirmed", zap.String("session_id", sessionID), zap.Int("nodes", len(s.Nodes)))
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "status": s.Status, "nodeCount": len(s.Nodes)})
}

func (h *Handler) submitGenerate(c *gin.Context) {
	var req generateRequest
	if !bindOptional(c, &req) {
		return
	}
	h.submit(c, model.TaskGenerate, queue.JobData{
		StartFromNode:      req.StartFromNode,
		AutoReview:         req.AutoReview,
		RemapCharacters:    req.RemapCharacters,
		CustomInstructions: req.CustomInstructions,
		Model:              req.Model,
	})
}

func (h *Handler) submitReview(c *gin.Context) {
	var req reviewRequest
	if !bindOptional(c, &req) {
		return
	}
	h.submit(c, model.TaskReview, queue.JobData{NodeID: req.NodeID, AutoFix: req.AutoFix, Model: req.Model})
}

func (h *Handler) submitBranch(c *gin.Context) {
	var req branchRequest
	if !bindOptional(c, &req) {
		return
	}
	h.submit(c, model.TaskBranch, queue.JobData{
		TargetDivergent:  req.TargetDivergent,
		TargetConvergent: req.TargetConvergent,
		Model:            req.Model,
	})
}

// rerollNode сбрасывает узел и ставит его генерацию отдельной задачей.
func (h *Handler) rerollNode(c *gin.Context) {
	sessionID := c.Param("id")
	nodeID, err := strconv.Atoi(c.Param("nodeId"))
	if err != nil || nodeID < 1 {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: "validation_error", Message: "nodeId must be a positive integer"})
		return
	}
	var req rerollRequest
	if !bindOptional(c, &req) {
		return
	}
	if _, err := writer.Reroll(c.Request.Context(), h.sessions, sessionID, nodeID); err != nil {
		h.handleError(c, err)
		return
	}
	h.submit(c, model.TaskGenerate, queue.JobData{
		NodeID:             model.IntPtr(nodeID),
		AutoReview:         req.AutoReview,
		RemapCharacters:    req.RemapCharacters,
		CustomInstructions: req.CustomInstructions,
	})
}

// submit создаёт запись задачи и ставит задание в очередь типа задачи.
func (h *Handler) submit(c *gin.Context, taskType model.TaskType, data queue.JobData) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	log := h.logger.With(zap.String("session_id", sessionID), zap.String("type", string(taskType)))

	if _, err := h.sessions.Get(ctx, sessionID); err != nil {
		h.handleError(c, err)
		return
	}

	taskID := uuid.NewString()
	if key := c.GetHeader(IdempotencyHeader); key != "" && h.idem != nil {
		existing, stored, err := h.idem.Remember(ctx, fmt.Sprintf("%s:%s:%s", sessionID, taskType, key), taskID)
		if err != nil {
			// без дедупликации запрос всё равно можно выполнить
			log.Warn("Idempotency store unavailable", zap.Error(err))
		} else if !stored {
			log.Info("Duplicate submission", zap.String("task_id", existing))
			c.JSON(http.StatusOK, SubmitResponse{TaskID: existing, SessionID: sessionID, Queue: string(taskType), Duplicate: true})
			return
		}
	}

	task := &model.Task{ID: taskID, SessionID: sessionID, Type: taskType, Status: model.TaskStatusPending}
	if err := h.tasks.Create(ctx, task); err != nil {
		h.handleError(c, fmt.Errorf("create task: %w", err))
		return
	}

	data.SessionID = sessionID
	data.TaskID = taskID
	jobID, err := h.enqueuer.Enqueue(ctx, string(taskType), data, queue.EnqueueOptions{})
	if err != nil {
		log.Error("Failed to enqueue job", zap.String("task_id", taskID), zap.Error(err))
		if fErr := h.tasks.Fail(context.WithoutCancel(ctx), taskID, "enqueue failed: "+err.Error()); fErr != nil {
			log.Warn("Failed to mark task failed", zap.Error(fErr))
		}
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Code: "queue_unavailable", Message: "Failed to enqueue job"})
		return
	}

	log.Info("Task submitted", zap.String("task_id", taskID), zap.String("job_id", jobID))
	c.JSON(http.StatusAccepted, SubmitResponse{TaskID: taskID, SessionID: sessionID, Queue: string(taskType), JobID: jobID})
}

func (h *Handler) pause(c *gin.Context) {
	h.setPaused(c, true)
}

func (h *Handler) resume(c *gin.Context) {
	h.setPaused(c, false)
}

// setPaused ставит или снимает флаг паузы. Генерация видит его перед следующим узлом.
func (h *Handler) setPaused(c *gin.Context, paused bool) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if _, err := h.sessions.Get(ctx, sessionID); err != nil {
		h.handleError(c, err)
		return
	}
	var err error
	if paused {
		err = h.pauses.Pause(ctx, sessionID)
	} else {
		err = h.pauses.Resume(ctx, sessionID)
	}
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "paused": paused})
}

func (h *Handler) getSession(c *gin.Context) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) listSessionTasks(c *gin.Context) {
	tasks, err := h.tasks.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *Handler) getTask(c *gin.Context) {
	t, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// cancelTask отменяет задачу. Воркер пропускает задания отменённых задач.
func (h *Handler) cancelTask(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	t, err := h.tasks.Get(ctx, id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if t.Status.IsTerminal() {
		c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{Code: "task_finished", Message: "Task is already " + string(t.Status)})
		return
	}
	if err := h.tasks.Cancel(ctx, id); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": id, "status": model.TaskStatusCancelled})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Code: "not_found", Message: err.Error()})
	case errors.Is(err, model.ErrPlanConfirmed):
		c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{Code: "plan_confirmed", Message: err.Error()})
	case errors.Is(err, model.ErrSessionNotReady):
		c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{Code: "session_not_ready", Message: err.Error()})
	default:
		h.logger.Error("Unhandled API error", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Code: "internal_error", Message: "An unexpected internal error occurred"})
	}
}
