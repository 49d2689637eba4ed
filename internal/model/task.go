package model

import (
	"encoding/json"
	"time"
)

// TaskStatus представляет статус задачи.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal - задача больше не будет выполняться.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskType совпадает с именем очереди, в которую ушла задача.
type TaskType string

const (
	TaskIndex    TaskType = "index"
	TaskPlan     TaskType = "plan"
	TaskGenerate TaskType = "generate"
	TaskReview   TaskType = "review"
	TaskBranch   TaskType = "branch"
)

// Task - долговечная запись о задаче очереди, 1:1 с job.
// Checkpoint хранит отметку, с которой можно продолжить после повторной доставки.
type Task struct {
	ID         string          `json:"id" db:"id"`
	SessionID  string          `json:"sessionId" db:"session_id"`
	Type       TaskType        `json:"type" db:"type"`
	Status     TaskStatus      `json:"status" db:"status"`
	Progress   int             `json:"progress" db:"progress"`
	Total      int             `json:"total" db:"total"`
	Error      *string         `json:"error,omitempty" db:"error"`
	Result     json.RawMessage `json:"result,omitempty" db:"result"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty" db:"checkpoint"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time       `json:"updatedAt" db:"updated_at"`
}
