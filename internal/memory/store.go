package memory

import (
	"context"

	"novel-wash/internal/model"
)

// Store - append-only журнал памяти сессии.
// Выборки возвращают записи от новых к старым (created_at desc, id desc).
type Store interface {
	Append(ctx context.Context, entry *model.MemoryLogEntry) error
	Recent(ctx context.Context, sessionID string, limit int) ([]model.MemoryLogEntry, error)
	Important(ctx context.Context, sessionID string, minImportance, limit int) ([]model.MemoryLogEntry, error)
	DeleteSession(ctx context.Context, sessionID string) error
}
