package events

import (
	"context"

	"novel-wash/internal/model"
)

// Bus - шина событий прогресса. Доставка best-effort: подписчик, пришедший позже, события не увидит.
type Bus interface {
	Publish(ctx context.Context, channel string, ev model.Event) error
	// Subscribe возвращает канал событий и функцию отписки. Канал закрывается после отписки или отмены ctx.
	Subscribe(ctx context.Context, channel string) (<-chan model.Event, func(), error)
}

// JobChannel - канал событий одной задачи.
func JobChannel(taskID string) string {
	return "job-events:" + taskID
}

// SessionChannel - канал событий сессии.
func SessionChannel(sessionID string) string {
	return "session-events:" + sessionID
}
