package api

import (
	"encoding/json"
	"net/http"
	"time"

	"novel-wash/internal/events"
	"novel-wash/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время, разрешенное для чтения следующего pong сообщения от клиента.
	pongWait = 60 * time.Second
	// Пинги чаще, чем истекает pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Клиент ничего не шлёт, кроме управляющих кадров.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin проверяет CORS слой перед апгрейдом
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents транслирует события задачи в websocket до complete или error без nodeId.
func (h *Handler) streamEvents(c *gin.Context) {
	ctx := c.Request.Context()
	taskID := c.Param("id")
	task, err := h.tasks.Get(ctx, taskID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	log := h.logger.With(zap.String("task_id", taskID))

	// подписываемся до апгрейда, чтобы не потерять события между проверкой статуса и чтением
	sub, unsubscribe, err := h.bus.Subscribe(ctx, events.JobChannel(taskID))
	if err != nil {
		h.handleError(c, err)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader уже ответил клиенту
		log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()
	log.Info("Event stream opened")

	// задача могла завершиться до подписки
	if latest, err := h.tasks.Get(ctx, taskID); err == nil {
		task = latest
	}
	if task.Status.IsTerminal() {
		_ = writeEvent(conn, finalEvent(task))
		closeStream(conn, "task finished")
		return
	}

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				closeStream(conn, "stream closed")
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				log.Warn("Failed to write event", zap.Error(err))
				return
			}
			if ev.Terminal() {
				closeStream(conn, "task finished")
				log.Info("Event stream finished", zap.String("last_event", string(ev.Type)))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("Failed to send ping", zap.Error(err))
				return
			}
		case <-closed:
			log.Info("Client closed event stream")
			return
		case <-ctx.Done():
			return
		}
	}
}

// readPump читает управляющие кадры, пока клиент не закроет соединение.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev model.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// finalEvent - событие по записи уже завершённой задачи.
func finalEvent(t *model.Task) model.Event {
	ev := model.Event{Timestamp: t.UpdatedAt}
	switch t.Status {
	case model.TaskStatusCompleted:
		ev.Type = model.EventComplete
		ev.Message = "Task already completed"
		var result map[string]interface{}
		if len(t.Result) > 0 && json.Unmarshal(t.Result, &result) == nil {
			ev.Data = result
		}
	default:
		ev.Type = model.EventError
		ev.Message = "Task " + string(t.Status)
		if t.Error != nil {
			ev.Message = *t.Error
		}
	}
	return ev
}
