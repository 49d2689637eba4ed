package model

import "time"

// MemoryLogEntry - запись журнала памяти. Только добавление.
type MemoryLogEntry struct {
	ID         int64     `json:"id" db:"id"`
	SessionID  string    `json:"sessionId" db:"session_id"`
	NodeID     *int      `json:"nodeId,omitempty" db:"node_id"`
	Content    string    `json:"content" db:"content"`
	Type       string    `json:"type" db:"type"`
	Importance int       `json:"importance" db:"importance"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}
