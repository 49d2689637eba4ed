package queue

import (
	"context"
	"time"

	"novel-wash/internal/config"
	"novel-wash/internal/model"
)

// Имена очередей совпадают с типами задач.
const (
	QueueIndex    = string(model.TaskIndex)
	QueuePlan     = string(model.TaskPlan)
	QueueGenerate = string(model.TaskGenerate)
	QueueReview   = string(model.TaskReview)
	QueueBranch   = string(model.TaskBranch)
)

// AllQueues - порядок объявления топологии.
var AllQueues = []string{QueueIndex, QueuePlan, QueueGenerate, QueueReview, QueueBranch}

// JobData - полезная нагрузка задания. Какие поля нужны, зависит от очереди.
type JobData struct {
	SessionID          string             `json:"sessionId"`
	TaskID             string             `json:"taskId"`
	Mode               model.PlanningMode `json:"mode,omitempty"`
	TargetNodeCount    int                `json:"targetNodeCount,omitempty"`
	NodeID             *int               `json:"nodeId,omitempty"`
	StartFromNode      *int               `json:"startFromNode,omitempty"`
	Model              string             `json:"model,omitempty"`
	AutoReview         bool               `json:"autoReview,omitempty"`
	AutoFix            bool               `json:"autoFix,omitempty"`
	RemapCharacters    bool               `json:"remapCharacters,omitempty"`
	CustomInstructions string             `json:"customInstructions,omitempty"`
	TargetDivergent    int                `json:"targetDivergent,omitempty"`
	TargetConvergent   int                `json:"targetConvergent,omitempty"`
	Attempt            int                `json:"attempt,omitempty"`
}

// Job - сообщение в брокере.
type Job struct {
	ID          string        `json:"id"`
	Queue       string        `json:"queue"`
	Data        JobData       `json:"data"`
	MaxAttempts int           `json:"maxAttempts,omitempty"`
	BackoffBase time.Duration `json:"backoffBase,omitempty"`
}

// EnqueueOptions переопределяют настройки очереди для одного задания. Нули - значения очереди.
type EnqueueOptions struct {
	Attempts    int
	BackoffBase time.Duration
}

// Enqueuer - постановка заданий в очередь.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, data JobData, opts EnqueueOptions) (string, error)
}

// QueueOptions - настройки пула одной очереди.
type QueueOptions struct {
	Concurrency  int
	LockDuration time.Duration
	Attempts     int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// OptionsFromConfig - настройки всех очередей.
func OptionsFromConfig(cfg *config.Config) map[string]QueueOptions {
	mk := func(concurrency int, lock time.Duration) QueueOptions {
		return QueueOptions{
			Concurrency:  concurrency,
			LockDuration: lock,
			Attempts:     cfg.JobAttempts,
			BackoffBase:  cfg.JobBackoffBase,
			BackoffCap:   cfg.JobBackoffCap,
		}
	}
	return map[string]QueueOptions{
		QueueIndex:    mk(cfg.ConcurrencyIndex, cfg.LockIndex),
		QueuePlan:     mk(cfg.ConcurrencyPlan, cfg.LockPlan),
		QueueGenerate: mk(cfg.ConcurrencyGenerate, cfg.LockGenerate),
		QueueReview:   mk(cfg.ConcurrencyReview, cfg.LockReview),
		QueueBranch:   mk(cfg.ConcurrencyBranch, cfg.LockBranch),
	}
}

func (o QueueOptions) normalized() QueueOptions {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 2 * time.Minute
	}
	if o.Attempts < 1 {
		o.Attempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	return o
}
