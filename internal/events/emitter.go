package events

import (
	"context"
	"time"

	"novel-wash/internal/model"

	"go.uber.org/zap"
)

// Emitter публикует события одной задачи. Ошибки публикации только логируются:
// потерянное событие прогресса не должно ронять задачу.
type Emitter struct {
	bus       Bus
	logger    *zap.Logger
	taskID    string
	sessionID string
}

func NewEmitter(bus Bus, logger *zap.Logger, taskID, sessionID string) *Emitter {
	return &Emitter{
		bus:       bus,
		logger:    logger.With(zap.String("task_id", taskID), zap.String("session_id", sessionID)),
		taskID:    taskID,
		sessionID: sessionID,
	}
}

// mirrored - события, которые дублируются в канал сессии.
var mirrored = map[model.EventType]bool{
	model.EventNodeStart: true,
	model.EventNodeReady: true,
	model.EventPaused:    true,
	model.EventReroll:    true,
	model.EventComplete:  true,
	model.EventError:     true,
}

// Emit публикует событие в канал задачи.
func (e *Emitter) Emit(ctx context.Context, typ model.EventType, msg string, data map[string]interface{}) {
	if e == nil || e.bus == nil {
		return
	}
	ev := model.Event{Type: typ, Message: msg, Data: data, Timestamp: time.Now().UTC()}
	if err := e.bus.Publish(ctx, JobChannel(e.taskID), ev); err != nil {
		e.logger.Warn("Failed to publish event", zap.String("type", string(typ)), zap.Error(err))
	}
	if mirrored[typ] && e.sessionID != "" {
		if err := e.bus.Publish(ctx, SessionChannel(e.sessionID), ev); err != nil {
			e.logger.Warn("Failed to publish session event", zap.String("type", string(typ)), zap.Error(err))
		}
	}
}

func (e *Emitter) Progress(ctx context.Context, msg string, progress, total int) {
	e.Emit(ctx, model.EventProgress, msg, map[string]interface{}{"progress": progress, "total": total})
}

func (e *Emitter) Thought(ctx context.Context, msg string, data map[string]interface{}) {
	e.Emit(ctx, model.EventThought, msg, data)
}

func (e *Emitter) Log(ctx context.Context, msg string, data map[string]interface{}) {
	e.Emit(ctx, model.EventLog, msg, data)
}

func (e *Emitter) Warning(ctx context.Context, msg string, data map[string]interface{}) {
	e.Emit(ctx, model.EventWarning, msg, data)
}

func (e *Emitter) Complete(ctx context.Context, msg string, data map[string]interface{}) {
	e.Emit(ctx, model.EventComplete, msg, data)
}

func (e *Emitter) Error(ctx context.Context, msg string, data map[string]interface{}) {
	e.Emit(ctx, model.EventError, msg, data)
}

// Percent - целый процент выполнения, 0 при пустом total.
func Percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return done * 100 / total
}
