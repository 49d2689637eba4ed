package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"novel-wash/internal/model"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var _ SessionRepository = (*pgSessionRepository)(nil)

// Сессия хранится одним JSONB документом. status и version дублируются в колонках для выборок.
type pgSessionRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewPgSessionRepository(db DBTX, logger *zap.Logger) SessionRepository {
	return &pgSessionRepository{
		db:     db,
		logger: logger.Named("PgSessionRepo"),
	}
}

const createSessionQuery = `
INSERT INTO sessions (id, status, data, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW())`

const getSessionQuery = `SELECT data, version FROM sessions WHERE id = $1`

const getSessionForUpdateQuery = `SELECT data, version FROM sessions WHERE id = $1 FOR UPDATE`

const updateSessionQuery = `
UPDATE sessions SET status = $2, data = $3, version = $4, updated_at = NOW()
WHERE id = $1`

const deleteSessionQuery = `DELETE FROM sessions WHERE id = $1`

func (r *pgSessionRepository) Create(ctx context.Context, s *model.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}
	if _, err := r.db.Exec(ctx, createSessionQuery, s.ID, string(s.Status), data, s.Version); err != nil {
		r.logger.Error("Failed to create session", zap.String("session_id", s.ID), zap.Error(err))
		return fmt.Errorf("ошибка создания сессии: %w", err)
	}
	r.logger.Info("Session created", zap.String("session_id", s.ID))
	return nil
}

func (r *pgSessionRepository) Get(ctx context.Context, id string) (*model.Session, error) {
	return scanSession(r.db.QueryRow(ctx, getSessionQuery, id), id)
}

// Update открывает транзакцию, берёт строку FOR UPDATE, применяет fn и увеличивает version.
// Если fn вернул ошибку, транзакция откатывается и ничего не сохраняется.
func (r *pgSessionRepository) Update(ctx context.Context, id string, fn func(s *model.Session) error) (*model.Session, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// после Commit откат вернёт ErrTxClosed, это нормально
		_ = tx.Rollback(ctx)
	}()

	s, err := scanSession(tx.QueryRow(ctx, getSessionForUpdateQuery, id), id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.ID = id
	s.Version++

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session %s: %w", id, err)
	}
	if _, err := tx.Exec(ctx, updateSessionQuery, id, string(s.Status), data, s.Version); err != nil {
		r.logger.Error("Failed to update session", zap.String("session_id", id), zap.Error(err))
		return nil, fmt.Errorf("ошибка обновления сессии: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit session %s: %w", id, err)
	}
	r.logger.Debug("Session updated", zap.String("session_id", id), zap.Int64("version", s.Version))
	return s, nil
}

func (r *pgSessionRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, deleteSessionQuery, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления сессии: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(row pgx.Row, id string) (*model.Session, error) {
	var (
		data    []byte
		version int64
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения сессии %s: %w", id, err)
	}
	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	s.Version = version
	return &s, nil
}
