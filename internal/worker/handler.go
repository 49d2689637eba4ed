package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"novel-wash/internal/events"
	"novel-wash/internal/model"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"

	"go.uber.org/zap"
)

// Result - итог успешной задачи. Value сохраняется в Task.Result и уходит в событие complete.
type Result struct {
	Message string
	Value   map[string]interface{}
}

// Processor выполняет задание одной очереди.
// Процессор должен уметь продолжить с последнего чекпоинта задачи: задание может прийти повторно.
type Processor interface {
	Process(ctx context.Context, run *Run) (Result, error)
}

// ProcessorFunc - адаптер функции к Processor.
type ProcessorFunc func(ctx context.Context, run *Run) (Result, error)

func (f ProcessorFunc) Process(ctx context.Context, run *Run) (Result, error) { return f(ctx, run) }

// Run - всё, что процессор знает о текущей задаче.
type Run struct {
	Job    queue.Job
	Task   *model.Task
	Events *events.Emitter
	Logger *zap.Logger

	tasks repository.TaskRepository
}

// NewRun собирает Run вне TaskHandler (тесты процессоров).
func NewRun(job queue.Job, task *model.Task, tasks repository.TaskRepository, emitter *events.Emitter, logger *zap.Logger) *Run {
	return &Run{Job: job, Task: task, Events: emitter, Logger: logger, tasks: tasks}
}

// Data - полезная нагрузка задания.
func (r *Run) Data() queue.JobData {
	return r.Job.Data
}

// Chained - задание выполняется под id задачи другого типа (авторевью, перегенерация).
func (r *Run) Chained() bool {
	return chained(r.Task, r.Job)
}

// Progress сохраняет прогресс задачи и публикует событие progress с процентом.
// Продолжение чужой задачи её прогресс не перезаписывает.
func (r *Run) Progress(ctx context.Context, msg string, done, total int) {
	if !r.Chained() {
		if err := r.tasks.UpdateProgress(ctx, r.Task.ID, done, total); err != nil {
			r.Logger.Warn("Failed to persist task progress", zap.Error(err))
		}
	}
	r.Events.Emit(ctx, model.EventProgress, msg, map[string]interface{}{
		"progress": events.Percent(done, total),
		"done":     done,
		"total":    total,
	})
}

// SaveCheckpoint сохраняет отметку продолжения.
func (r *Run) SaveCheckpoint(ctx context.Context, v interface{}) error {
	if r.Chained() {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := r.tasks.SaveCheckpoint(ctx, r.Task.ID, raw); err != nil {
		return err
	}
	r.Task.Checkpoint = raw
	return nil
}

// LoadCheckpoint читает отметку из задачи. false - отметки нет.
func (r *Run) LoadCheckpoint(v interface{}) (bool, error) {
	if r.Chained() {
		return false, nil
	}
	if len(r.Task.Checkpoint) == 0 || string(r.Task.Checkpoint) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(r.Task.Checkpoint, v); err != nil {
		return false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return true, nil
}

// TaskHandler связывает очередь с процессорами: ведёт запись Task, публикует события, пишет метрики.
type TaskHandler struct {
	tasks      repository.TaskRepository
	bus        events.Bus
	logger     *zap.Logger
	processors map[string]Processor
}

func NewTaskHandler(tasks repository.TaskRepository, bus events.Bus, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		tasks:      tasks,
		bus:        bus,
		logger:     logger.Named("TaskHandler"),
		processors: make(map[string]Processor),
	}
}

// Register назначает процессор очереди.
func (h *TaskHandler) Register(queueName string, p Processor) {
	h.processors[queueName] = p
}

// HandlerFor - queue.Handler для пула очереди.
func (h *TaskHandler) HandlerFor(queueName string) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		if job.Queue == "" {
			job.Queue = queueName
		}
		return h.Handle(ctx, job)
	}
}

// Handle выполняет одну попытку задания. Ошибка возвращается пулу, который решает про повтор.
func (h *TaskHandler) Handle(ctx context.Context, job queue.Job) error {
	started := time.Now()
	metricsTaskReceived(job.Queue)
	logger := h.logger.With(
		zap.String("queue", job.Queue),
		zap.String("task_id", job.Data.TaskID),
		zap.String("session_id", job.Data.SessionID),
		zap.Int("attempt", job.Data.Attempt),
	)

	p, ok := h.processors[job.Queue]
	if !ok {
		metricsTaskFailed(job.Queue, "no_processor")
		return queue.Permanent(fmt.Errorf("no processor registered for queue %s", job.Queue))
	}

	task, err := h.tasks.Get(ctx, job.Data.TaskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metricsTaskFailed(job.Queue, "task_not_found")
			return queue.Permanent(fmt.Errorf("task %s: %w", job.Data.TaskID, err))
		}
		metricsTaskFailed(job.Queue, "task_lookup")
		return err
	}
	// отменённую задачу не трогаем. Завершённую задачу того же типа повторно не выполняем:
	// сообщение могло вернуться после успешного выполнения, но до ack
	if task.Status == model.TaskStatusCancelled ||
		(task.Status == model.TaskStatusCompleted && task.Type == model.TaskType(job.Queue)) {
		logger.Info("Task already finished, skipping job", zap.String("status", string(task.Status)))
		return nil
	}

	if err := h.tasks.MarkRunning(ctx, task.ID); err != nil {
		metricsTaskFailed(job.Queue, "task_update")
		return err
	}
	task.Status = model.TaskStatusRunning

	run := &Run{
		Job:    job,
		Task:   task,
		Events: events.NewEmitter(h.bus, logger, task.ID, job.Data.SessionID),
		Logger: logger,
		tasks:  h.tasks,
	}
	logger.Info("Processing task")

	res, err := p.Process(ctx, run)
	if err != nil {
		status := "error"
		if ctx.Err() != nil {
			status = "interrupted"
		}
		metricsTaskFailed(job.Queue, failureReason(err))
		metricsTaskDuration(job.Queue, status, time.Since(started))
		logger.Warn("Task attempt failed", zap.Error(err), zap.Duration("duration", time.Since(started)))
		return err
	}

	raw, mErr := json.Marshal(res.Value)
	if mErr != nil {
		return queue.Permanent(fmt.Errorf("marshal task result: %w", mErr))
	}
	msg := res.Message
	if msg == "" {
		msg = fmt.Sprintf("%s complete", job.Queue)
	}
	// задание-продолжение (авторевью, перегенерация) идёт под id чужой задачи:
	// её не закрываем и терминальное событие не шлём
	if chained(task, job) {
		run.Events.Log(ctx, msg, res.Value)
	} else {
		if err := h.tasks.Complete(ctx, task.ID, raw); err != nil {
			metricsTaskFailed(job.Queue, "task_update")
			return err
		}
		run.Events.Complete(ctx, msg, res.Value)
	}

	metricsTaskSucceeded(job.Queue)
	metricsTaskDuration(job.Queue, "success", time.Since(started))
	logger.Info("Task completed", zap.Duration("duration", time.Since(started)))
	return nil
}

// OnFailure - queue.FailureHook: задание исчерпало попытки. Ошибка сохраняется в задаче,
// подписчики получают событие error.
func (h *TaskHandler) OnFailure(ctx context.Context, job queue.Job, jobErr error) {
	logger := h.logger.With(zap.String("queue", job.Queue), zap.String("task_id", job.Data.TaskID))
	data := map[string]interface{}{
		"error":    jobErr.Error(),
		"attempts": job.Data.Attempt,
	}
	task, err := h.tasks.Get(ctx, job.Data.TaskID)
	switch {
	case err != nil:
		logger.Warn("Task record unavailable on failure", zap.Error(err))
	case chained(task, job):
		// ошибка продолжения относится к узлу и не завершает основную задачу
		if job.Data.NodeID != nil {
			data["nodeId"] = *job.Data.NodeID
		}
	default:
		if err := h.tasks.Fail(ctx, task.ID, jobErr.Error()); err != nil {
			logger.Error("Failed to persist task failure", zap.Error(err))
		}
	}
	em := events.NewEmitter(h.bus, logger, job.Data.TaskID, job.Data.SessionID)
	em.Error(ctx, fmt.Sprintf("%s failed: %v", job.Queue, jobErr), data)
	logger.Error("Task failed", zap.Error(jobErr), zap.Int("attempts", job.Data.Attempt))
}

// PermanentIfMissing - отсутствующая запись не появится при повторе: такую ошибку помечаем постоянной.
func PermanentIfMissing(what, id string, err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("%s %s: %w", what, id, err))
	}
	return err
}

func chained(task *model.Task, job queue.Job) bool {
	return task.Type != "" && task.Type != model.TaskType(job.Queue)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "interrupted"
	case errors.Is(err, model.ErrSessionNotReady):
		return "session_not_ready"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case queue.IsPermanent(err):
		return "permanent"
	default:
		return "processing"
	}
}
