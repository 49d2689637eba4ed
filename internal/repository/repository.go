package repository

import (
	"context"
	"encoding/json"

	"novel-wash/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound - запись не найдена.
var ErrNotFound = model.ErrNotFound

// DBTX - общее подмножество pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SessionRepository хранит агрегат сессии.
// Update - единица read-modify-write: fn видит актуальное состояние и меняет его под блокировкой.
type SessionRepository interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	Update(ctx context.Context, id string, fn func(s *model.Session) error) (*model.Session, error)
	Delete(ctx context.Context, id string) error
}

// TaskRepository хранит записи задач очередей.
type TaskRepository interface {
	Create(ctx context.Context, t *model.Task) error
	Get(ctx context.Context, id string) (*model.Task, error)
	ListBySession(ctx context.Context, sessionID string) ([]model.Task, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress, total int) error
	SaveCheckpoint(ctx context.Context, id string, checkpoint json.RawMessage) error
	Complete(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, id string, errMsg string) error
	Cancel(ctx context.Context, id string) error
}
