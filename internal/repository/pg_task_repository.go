package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"novel-wash/internal/model"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var _ TaskRepository = (*pgTaskRepository)(nil)

type pgTaskRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewPgTaskRepository(db DBTX, logger *zap.Logger) TaskRepository {
	return &pgTaskRepository{
		db:     db,
		logger: logger.Named("PgTaskRepo"),
	}
}

const (
	taskColumns = `id, session_id, type, status, progress, total, error, result, checkpoint, created_at, updated_at`

	createTaskQuery = `
INSERT INTO tasks (id, session_id, type, status, progress, total, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`

	getTaskQuery            = `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	listTasksBySessionQuery = `SELECT ` + taskColumns + ` FROM tasks WHERE session_id = $1 ORDER BY created_at`

	markTaskRunningQuery = `
UPDATE tasks SET status = 'running', error = NULL, updated_at = NOW()
WHERE id = $1 AND status NOT IN ('completed', 'cancelled')`

	updateTaskProgressQuery = `UPDATE tasks SET progress = $2, total = $3, updated_at = NOW() WHERE id = $1`
	saveTaskCheckpointQuery = `UPDATE tasks SET checkpoint = $2, updated_at = NOW() WHERE id = $1`
	completeTaskQuery       = `UPDATE tasks SET status = 'completed', result = $2, error = NULL, updated_at = NOW() WHERE id = $1`
	failTaskQuery           = `UPDATE tasks SET status = 'failed', error = $2, updated_at = NOW() WHERE id = $1`
	cancelTaskQuery         = `UPDATE tasks SET status = 'cancelled', updated_at = NOW() WHERE id = $1 AND status IN ('pending', 'running')`
)

func (r *pgTaskRepository) Create(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.TaskStatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt

	_, err := r.db.Exec(ctx, createTaskQuery, t.ID, t.SessionID, string(t.Type), string(t.Status), t.Progress, t.Total, t.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to create task", zap.String("task_id", t.ID), zap.Error(err))
		return fmt.Errorf("ошибка создания задачи: %w", err)
	}
	return nil
}

func (r *pgTaskRepository) Get(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	if err := pgxscan.Get(ctx, r.db, &t, getTaskQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("Failed to get task", zap.String("task_id", id), zap.Error(err))
		return nil, fmt.Errorf("ошибка получения задачи %s: %w", id, err)
	}
	return &t, nil
}

func (r *pgTaskRepository) ListBySession(ctx context.Context, sessionID string) ([]model.Task, error) {
	var tasks []model.Task
	if err := pgxscan.Select(ctx, r.db, &tasks, listTasksBySessionQuery, sessionID); err != nil {
		return nil, fmt.Errorf("ошибка получения задач сессии %s: %w", sessionID, err)
	}
	return tasks, nil
}

func (r *pgTaskRepository) MarkRunning(ctx context.Context, id string) error {
	return r.exec(ctx, "mark running", markTaskRunningQuery, id)
}

func (r *pgTaskRepository) UpdateProgress(ctx context.Context, id string, progress, total int) error {
	return r.exec(ctx, "update progress", updateTaskProgressQuery, id, progress, total)
}

func (r *pgTaskRepository) SaveCheckpoint(ctx context.Context, id string, checkpoint json.RawMessage) error {
	return r.exec(ctx, "save checkpoint", saveTaskCheckpointQuery, id, []byte(checkpoint))
}

func (r *pgTaskRepository) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return r.exec(ctx, "complete", completeTaskQuery, id, []byte(result))
}

func (r *pgTaskRepository) Fail(ctx context.Context, id string, errMsg string) error {
	return r.exec(ctx, "fail", failTaskQuery, id, errMsg)
}

func (r *pgTaskRepository) Cancel(ctx context.Context, id string) error {
	return r.exec(ctx, "cancel", cancelTaskQuery, id)
}

func (r *pgTaskRepository) exec(ctx context.Context, op, query string, args ...interface{}) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("Task update failed", zap.String("op", op), zap.Any("task_id", args[0]), zap.Error(err))
		return fmt.Errorf("task %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		// задача не найдена или уже в терминальном статусе
		r.logger.Debug("Task update affected no rows", zap.String("op", op), zap.Any("task_id", args[0]))
	}
	return nil
}
