//go:build integration

package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"novel-wash/internal/repository"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func startRabbit(t *testing.T) *amqp.Connection {
	t.Helper()
	ctx := context.Background()
	container, err := rabbitmq.Run(ctx,
		"rabbitmq:3-management-alpine",
		testcontainers.WithWaitStrategy(wait.ForLog("Server startup complete")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)
	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRabbitBroker_RetryThenSucceed(t *testing.T) {
	conn := startRabbit(t)
	broker, err := NewRabbitBroker(conn, "it", zap.NewNop())
	require.NoError(t, err)
	defer broker.Close()

	var calls atomic.Int32
	done := make(chan struct{})
	handler := func(ctx context.Context, job Job) error {
		if calls.Add(1) < 2 {
			return errors.New("transient")
		}
		assert.Equal(t, 2, job.Data.Attempt)
		close(done)
		return nil
	}
	opts := QueueOptions{Concurrency: 1, LockDuration: 5 * time.Second, Attempts: 3, BackoffBase: 50 * time.Millisecond, BackoffCap: 200 * time.Millisecond}
	pool := NewPool(QueuePlan, opts, broker, repository.NewInMemoryTaskLock(), handler, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- pool.Run(ctx) }()

	_, err = broker.Enqueue(context.Background(), QueuePlan, JobData{SessionID: "s1", TaskID: "t1"}, EnqueueOptions{})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("job was not retried")
	}
	cancel()
	require.NoError(t, <-stopped)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRabbitBroker_PermanentGoesToDLQ(t *testing.T) {
	conn := startRabbit(t)
	broker, err := NewRabbitBroker(conn, "it", zap.NewNop())
	require.NoError(t, err)
	defer broker.Close()

	failed := make(chan Job, 1)
	handler := func(ctx context.Context, job Job) error {
		return Permanent(errors.New("bad payload"))
	}
	onFailure := func(ctx context.Context, job Job, err error) { failed <- job }
	pool := NewPool(QueueReview, QueueOptions{Concurrency: 1, LockDuration: 5 * time.Second, Attempts: 3},
		broker, repository.NewInMemoryTaskLock(), handler, onFailure, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- pool.Run(ctx) }()

	_, err = broker.Enqueue(context.Background(), QueueReview, JobData{TaskID: "t2"}, EnqueueOptions{})
	require.NoError(t, err)

	select {
	case job := <-failed:
		assert.Equal(t, "t2", job.Data.TaskID)
	case <-time.After(30 * time.Second):
		t.Fatal("failure hook not called")
	}
	cancel()
	require.NoError(t, <-stopped)

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()
	require.Eventually(t, func() bool {
		msg, ok, err := ch.Get(QueueNames("it", QueueReview).DLQ, true)
		return err == nil && ok && len(msg.Body) > 0
	}, 10*time.Second, 100*time.Millisecond)
}
