package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"novel-wash/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler обрабатывает одно задание. Ошибка ведёт к повтору с задержкой,
// PermanentError - сразу в DLQ.
type Handler func(ctx context.Context, job Job) error

// FailureHook вызывается один раз, когда задание окончательно ушло в DLQ.
type FailureHook func(ctx context.Context, job Job, err error)

// Pool - N обработчиков одной очереди с арендой задачи и повторами.
type Pool struct {
	queue     string
	opts      QueueOptions
	broker    Broker
	lock      repository.TaskLock
	handler   Handler
	onFailure FailureHook
	logger    *zap.Logger
	owner     string
	rnd       func() float64
}

func NewPool(queue string, opts QueueOptions, broker Broker, lock repository.TaskLock, handler Handler, onFailure FailureHook, logger *zap.Logger) *Pool {
	host, _ := os.Hostname()
	return &Pool{
		queue:     queue,
		opts:      opts.normalized(),
		broker:    broker,
		lock:      lock,
		handler:   handler,
		onFailure: onFailure,
		logger:    logger.Named("QueuePool").With(zap.String("queue", queue)),
		owner:     fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
	}
}

// Run обрабатывает задания до отмены ctx и ждёт завершения начатых.
// Задания, прерванные остановкой, возвращаются в очередь без списания попытки.
func (p *Pool) Run(ctx context.Context) error {
	sub, err := p.broker.Consume(ctx, p.queue, p.opts.Concurrency)
	if err != nil {
		return err
	}
	p.logger.Info("Worker pool started",
		zap.Int("concurrency", p.opts.Concurrency),
		zap.Duration("lock_duration", p.opts.LockDuration),
		zap.Int("attempts", p.opts.Attempts),
	)

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for d := range sub.Deliveries() {
				p.process(ctx, d, worker)
			}
		}(i)
	}
	wg.Wait()
	p.logger.Info("Worker pool stopped")
	return sub.Close()
}

func (p *Pool) lockID(job Job) string {
	id := job.Data.TaskID
	if id == "" {
		id = job.ID
	}
	return p.queue + ":" + id
}

func (p *Pool) process(ctx context.Context, d Delivery, worker int) {
	job := d.Job
	if job.Data.Attempt < 1 {
		job.Data.Attempt = 1
	}
	logger := p.logger.With(
		zap.Int("worker", worker),
		zap.String("job_id", job.ID),
		zap.String("task_id", job.Data.TaskID),
		zap.Int("attempt", job.Data.Attempt),
	)

	lockID := p.lockID(job)
	owner := p.owner + ":" + job.ID
	acquired, err := p.lock.Acquire(ctx, lockID, owner, p.opts.LockDuration)
	if err != nil || !acquired {
		// аренда у другого воркера (повторная доставка) или Redis недоступен
		logger.Warn("Task lease not acquired, deferring job", zap.Bool("held_elsewhere", err == nil), zap.Error(err))
		p.deferJob(ctx, d, p.lockRetryDelay(), "deferred")
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	var stalled atomic.Bool
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(p.opts.LockDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				ok, err := p.lock.Renew(jobCtx, lockID, owner, p.opts.LockDuration)
				if jobCtx.Err() != nil {
					return
				}
				if err != nil || !ok {
					logger.Warn("Task lease lost, job is stalled", zap.Error(err))
					stalled.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	jobsInFlight.WithLabelValues(p.queue).Inc()
	started := time.Now()
	err = p.safeHandle(jobCtx, job)
	jobDuration.WithLabelValues(p.queue).Observe(time.Since(started).Seconds())
	jobsInFlight.WithLabelValues(p.queue).Dec()

	cancel()
	<-renewDone
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if relErr := p.lock.Release(releaseCtx, lockID, owner); relErr != nil {
		logger.Warn("Failed to release task lease", zap.Error(relErr))
	}
	releaseCancel()

	switch {
	case err == nil:
		p.settle(d.Ack(), logger, "ack")
		jobsTotal.WithLabelValues(p.queue, "completed").Inc()
		logger.Info("Job completed", zap.Duration("duration", time.Since(started)))

	case stalled.Load():
		p.settle(d.Requeue(), logger, "requeue")
		jobsTotal.WithLabelValues(p.queue, "stalled").Inc()

	case ctx.Err() != nil:
		p.settle(d.Requeue(), logger, "requeue")
		jobsTotal.WithLabelValues(p.queue, "requeued").Inc()
		logger.Info("Job interrupted by shutdown, requeued")

	default:
		maxAttempts := job.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = p.opts.Attempts
		}
		if IsPermanent(err) || job.Data.Attempt >= maxAttempts {
			logger.Error("Job failed permanently, moving to DLQ", zap.Error(err), zap.Int("max_attempts", maxAttempts))
			p.settle(d.DeadLetter(), logger, "dead-letter")
			jobsTotal.WithLabelValues(p.queue, "dead_lettered").Inc()
			if p.onFailure != nil {
				p.onFailure(ctx, job, err)
			}
			return
		}

		base := job.BackoffBase
		if base <= 0 {
			base = p.opts.BackoffBase
		}
		delay := Backoff(job.Data.Attempt, base, p.opts.BackoffCap, p.rnd)
		next := job
		next.Data.Attempt++
		logger.Warn("Job failed, scheduling retry", zap.Error(err), zap.Duration("delay", delay))
		if rErr := p.broker.Retry(ctx, next, delay); rErr != nil {
			logger.Error("Failed to schedule retry, requeueing", zap.Error(rErr))
			p.settle(d.Requeue(), logger, "requeue")
			return
		}
		p.settle(d.Ack(), logger, "ack")
		jobsTotal.WithLabelValues(p.queue, "retried").Inc()
	}
}

func (p *Pool) deferJob(ctx context.Context, d Delivery, delay time.Duration, outcome string) {
	if err := p.broker.Retry(ctx, d.Job, delay); err != nil {
		p.settle(d.Requeue(), p.logger, "requeue")
		return
	}
	p.settle(d.Ack(), p.logger, "ack")
	jobsTotal.WithLabelValues(p.queue, outcome).Inc()
}

func (p *Pool) lockRetryDelay() time.Duration {
	d := p.opts.LockDuration / 3
	if d > p.opts.BackoffCap {
		d = p.opts.BackoffCap
	}
	return d
}

func (p *Pool) safeHandle(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic recovered in job handler", zap.Any("panic", r), zap.String("job_id", job.ID))
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

func (p *Pool) settle(err error, logger *zap.Logger, op string) {
	if err != nil {
		logger.Error("Failed to settle delivery", zap.String("op", op), zap.Error(err))
	}
}
