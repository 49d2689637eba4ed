package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"novel-wash/internal/model"

	"go.uber.org/zap"
)

const (
	DefaultEntryType  = "summary"
	DefaultImportance = 1
)

// Window - какие записи попадают в контекст промпта.
type Window struct {
	RecentLimit    int // последние N записей независимо от важности
	MinImportance  int // порог "важных" записей
	ImportantLimit int // сколько важных записей брать
}

// DefaultWindow - 3 последних плюс до 10 записей с важностью от 3.
func DefaultWindow() Window {
	return Window{RecentLimit: 3, MinImportance: 3, ImportantLimit: 10}
}

// Manager собирает ограниченный контекст памяти из журнала.
type Manager struct {
	store  Store
	logger *zap.Logger
}

func NewManager(store Store, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger.Named("MemoryManager")}
}

// Append добавляет запись. Пустой content игнорируется.
func (m *Manager) Append(ctx context.Context, sessionID string, nodeID *int, content, entryType string, importance int) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	if entryType == "" {
		entryType = DefaultEntryType
	}
	if importance <= 0 {
		importance = DefaultImportance
	}
	entry := &model.MemoryLogEntry{
		SessionID:  sessionID,
		NodeID:     nodeID,
		Content:    content,
		Type:       entryType,
		Importance: importance,
	}
	if err := m.store.Append(ctx, entry); err != nil {
		return err
	}
	m.logger.Debug("Memory entry appended",
		zap.String("session_id", sessionID),
		zap.Int64("entry_id", entry.ID),
		zap.String("type", entryType),
		zap.Int("importance", importance),
	)
	return nil
}

// GetContext возвращает объединение последних и важных записей без повторов
// в хронологическом порядке, по строке "[type#importance] content" на запись.
// Пустой журнал даёт пустую строку.
func (m *Manager) GetContext(ctx context.Context, sessionID string, w Window) (string, error) {
	recent, err := m.store.Recent(ctx, sessionID, w.RecentLimit)
	if err != nil {
		return "", fmt.Errorf("memory context: %w", err)
	}
	important, err := m.store.Important(ctx, sessionID, w.MinImportance, w.ImportantLimit)
	if err != nil {
		return "", fmt.Errorf("memory context: %w", err)
	}

	seen := make(map[int64]struct{}, len(recent))
	merged := make([]model.MemoryLogEntry, 0, len(recent)+len(important))
	for _, e := range recent {
		seen[e.ID] = struct{}{}
		merged = append(merged, e)
	}
	for _, e := range important {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		merged = append(merged, e)
	}
	if len(merged) == 0 {
		return "", nil
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.Before(merged[j].CreatedAt)
		}
		return merged[i].ID < merged[j].ID
	})

	lines := make([]string, len(merged))
	for i, e := range merged {
		lines[i] = FormatEntry(e)
	}
	return strings.Join(lines, "\n"), nil
}

// DeleteSession удаляет журнал целиком. Других способов удаления нет.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	return m.store.DeleteSession(ctx, sessionID)
}

// FormatEntry - строка записи в контексте промпта.
func FormatEntry(e model.MemoryLogEntry) string {
	tag := e.Type
	if tag == "" {
		tag = "memory"
	}
	imp := e.Importance
	if imp <= 0 {
		imp = DefaultImportance
	}
	return fmt.Sprintf("[%s#%d] %s", tag, imp, e.Content)
}
