package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Broker = (*MemoryBroker)(nil)

// MemoryBroker - брокер в памяти процесса для тестов и локального запуска.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan Job
	dead   map[string][]Job
	acked  map[string][]Job
	timers []*time.Timer
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]chan Job),
		dead:   make(map[string][]Job),
		acked:  make(map[string][]Job),
	}
}

func (b *MemoryBroker) queue(name string) chan Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan Job, 1024)
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Enqueue(_ context.Context, queue string, data JobData, opts EnqueueOptions) (string, error) {
	if data.Attempt < 1 {
		data.Attempt = 1
	}
	job := Job{ID: uuid.NewString(), Queue: queue, Data: data, MaxAttempts: opts.Attempts, BackoffBase: opts.BackoffBase}
	b.queue(queue) <- job
	return job.ID, nil
}

func (b *MemoryBroker) Retry(_ context.Context, job Job, delay time.Duration) error {
	q := b.queue(job.Queue)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.timers = append(b.timers, time.AfterFunc(delay, func() {
		select {
		case q <- job:
		default:
		}
	}))
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string, _ int) (Subscription, error) {
	q := b.queue(queue)
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-q:
				d := NewDelivery(job, false,
					func() error { b.record(b.acked, job); return nil },
					func(requeue bool) error {
						if requeue {
							q <- job
							return nil
						}
						b.record(b.dead, job)
						return nil
					},
				)
				select {
				case out <- d:
				case <-ctx.Done():
					q <- job
					return
				}
			}
		}
	}()
	return memorySubscription{out: out}, nil
}

func (b *MemoryBroker) record(m map[string][]Job, job Job) {
	b.mu.Lock()
	m[job.Queue] = append(m[job.Queue], job)
	b.mu.Unlock()
}

// DeadLettered - задания, ушедшие в DLQ очереди.
func (b *MemoryBroker) DeadLettered(queue string) []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Job(nil), b.dead[queue]...)
}

// Acked - подтверждённые задания очереди.
func (b *MemoryBroker) Acked(queue string) []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Job(nil), b.acked[queue]...)
}

// Pending - сколько заданий ждёт в основной очереди.
func (b *MemoryBroker) Pending(queue string) int {
	return len(b.queue(queue))
}

// Close останавливает отложенные повторы.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	return nil
}

type memorySubscription struct {
	out chan Delivery
}

func (s memorySubscription) Deliveries() <-chan Delivery { return s.out }
func (s memorySubscription) Close() error                { return nil }
