package memory

import (
	"context"
	"fmt"
	"time"

	"novel-wash/internal/model"
	"novel-wash/internal/repository"

	"github.com/georgysavva/scany/v2/pgxscan"
	"go.uber.org/zap"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore хранит журнал в таблице memory_logs.
type PostgresStore struct {
	db     repository.DBTX
	logger *zap.Logger
}

func NewPostgresStore(db repository.DBTX, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger.Named("PgMemoryStore")}
}

const (
	memoryColumns = `id, session_id, node_id, content, type, importance, created_at`

	appendMemoryQuery = `
INSERT INTO memory_logs (session_id, node_id, content, type, importance, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`

	recentMemoryQuery = `SELECT ` + memoryColumns + ` FROM memory_logs
WHERE session_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`

	importantMemoryQuery = `SELECT ` + memoryColumns + ` FROM memory_logs
WHERE session_id = $1 AND importance >= $2
ORDER BY created_at DESC, id DESC
LIMIT $3`

	deleteMemoryQuery = `DELETE FROM memory_logs WHERE session_id = $1`
)

func (s *PostgresStore) Append(ctx context.Context, entry *model.MemoryLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRow(ctx, appendMemoryQuery,
		entry.SessionID, entry.NodeID, entry.Content, entry.Type, entry.Importance, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		s.logger.Error("Failed to append memory entry", zap.String("session_id", entry.SessionID), zap.Error(err))
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]model.MemoryLogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []model.MemoryLogEntry
	if err := pgxscan.Select(ctx, s.db, &out, recentMemoryQuery, sessionID, limit); err != nil {
		return nil, fmt.Errorf("recent memory: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Important(ctx context.Context, sessionID string, minImportance, limit int) ([]model.MemoryLogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []model.MemoryLogEntry
	if err := pgxscan.Select(ctx, s.db, &out, importantMemoryQuery, sessionID, minImportance, limit); err != nil {
		return nil, fmt.Errorf("important memory: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, deleteMemoryQuery, sessionID); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}
