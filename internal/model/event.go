package model

import "time"

// EventType - тип события в канале задачи.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventThought   EventType = "thought"
	EventLog       EventType = "log"
	EventNodeStart EventType = "node_start"
	EventNodeReady EventType = "node_ready"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
	EventPaused    EventType = "paused"
	EventReroll    EventType = "reroll"
	EventWarning   EventType = "warning"
)

// IsTerminal - тип события, которым может закончиться задача.
func (t EventType) IsTerminal() bool {
	return t == EventComplete || t == EventError
}

// Event - сообщение шины прогресса.
type Event struct {
	Type      EventType              `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Terminal - после этого события подписчик может закрыть поток.
// Ошибка отдельного узла (data.nodeId) задачу не завершает.
func (e Event) Terminal() bool {
	if e.Type == EventError {
		_, perNode := e.Data["nodeId"]
		return !perNode
	}
	return e.Type == EventComplete
}
