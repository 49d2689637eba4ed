package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Names - имена очередей брокера для логической очереди.
type Names struct {
	Main  string
	Retry string
	DLQ   string
}

// QueueNames: <prefix>.<queue>, <prefix>.<queue>.retry, <prefix>.<queue>.dlq.
func QueueNames(prefix, queue string) Names {
	main := prefix + "." + queue
	return Names{Main: main, Retry: main + ".retry", DLQ: main + ".dlq"}
}

// DeclareTopology объявляет три очереди одной логической очереди.
// Основная при Nack(requeue=false) отправляет сообщение в DLQ через default exchange.
// Retry не имеет потребителей: сообщение лежит там Expiration мс и возвращается в основную.
func DeclareTopology(ch *amqp.Channel, prefix, queue string) (Names, error) {
	names := QueueNames(prefix, queue)

	if _, err := ch.QueueDeclare(names.DLQ, true, false, false, false, amqp.Table{
		"x-queue-mode": "lazy",
	}); err != nil {
		return names, fmt.Errorf("не удалось объявить DLQ '%s': %w", names.DLQ, err)
	}

	if _, err := ch.QueueDeclare(names.Retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": names.Main,
	}); err != nil {
		return names, fmt.Errorf("не удалось объявить очередь повторов '%s': %w", names.Retry, err)
	}

	if _, err := ch.QueueDeclare(names.Main, true, false, false, false, amqp.Table{
		"x-queue-mode":              "lazy",
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": names.DLQ,
	}); err != nil {
		return names, fmt.Errorf("не удалось объявить очередь '%s': %w", names.Main, err)
	}
	return names, nil
}

var _ Broker = (*RabbitBroker)(nil)

// RabbitBroker - Broker поверх RabbitMQ. Публикация идёт через один канал под мьютексом,
// каждый Consume открывает свой канал с Qos(prefetch).
type RabbitBroker struct {
	conn   *amqp.Connection
	prefix string
	logger *zap.Logger

	mu    sync.Mutex
	pubCh *amqp.Channel
}

// NewRabbitBroker открывает канал публикации и объявляет топологию всех очередей.
func NewRabbitBroker(conn *amqp.Connection, prefix string, logger *zap.Logger) (*RabbitBroker, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть канал RabbitMQ: %w", err)
	}
	b := &RabbitBroker{conn: conn, prefix: prefix, logger: logger.Named("RabbitBroker"), pubCh: ch}
	for _, q := range AllQueues {
		names, err := DeclareTopology(ch, prefix, q)
		if err != nil {
			_ = ch.Close()
			return nil, err
		}
		b.logger.Info("Queue topology declared",
			zap.String("queue", names.Main),
			zap.String("retry", names.Retry),
			zap.String("dlq", names.DLQ),
		)
	}
	return b, nil
}

func (b *RabbitBroker) Enqueue(ctx context.Context, queue string, data JobData, opts EnqueueOptions) (string, error) {
	if data.Attempt < 1 {
		data.Attempt = 1
	}
	job := Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Data:        data,
		MaxAttempts: opts.Attempts,
		BackoffBase: opts.BackoffBase,
	}
	if err := b.publish(ctx, QueueNames(b.prefix, queue).Main, job, 0); err != nil {
		return "", err
	}
	b.logger.Info("Job enqueued",
		zap.String("queue", queue),
		zap.String("job_id", job.ID),
		zap.String("task_id", data.TaskID),
		zap.String("session_id", data.SessionID),
	)
	return job.ID, nil
}

func (b *RabbitBroker) Retry(ctx context.Context, job Job, delay time.Duration) error {
	return b.publish(ctx, QueueNames(b.prefix, job.Queue).Retry, job, delay)
}

func (b *RabbitBroker) publish(ctx context.Context, routingKey string, job Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("ошибка сериализации задания %s: %w", job.ID, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
		AppId:        "novel-wash",
		MessageId:    job.ID,
		Headers:      amqp.Table{"x-attempt": int32(job.Data.Attempt)},
	}
	if delay > 0 {
		ms := delay.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		msg.Expiration = strconv.FormatInt(ms, 10)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pubCh.PublishWithContext(ctx, "", routingKey, false, false, msg); err != nil {
		b.logger.Error("Failed to publish job", zap.String("routing_key", routingKey), zap.String("job_id", job.ID), zap.Error(err))
		return fmt.Errorf("ошибка публикации задания %s: %w", job.ID, err)
	}
	return nil
}

func (b *RabbitBroker) Consume(ctx context.Context, queue string, prefetch int) (Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть канал потребителя: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("не удалось установить QoS: %w", err)
	}
	names := QueueNames(b.prefix, queue)
	tag := fmt.Sprintf("%s-%s", queue, uuid.NewString()[:8])
	msgs, err := ch.Consume(names.Main, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("не удалось зарегистрировать консьюмера '%s': %w", names.Main, err)
	}

	sub := &rabbitSubscription{ch: ch, out: make(chan Delivery)}
	logger := b.logger.With(zap.String("queue", names.Main), zap.String("consumer", tag))
	logger.Info("Consumer started", zap.Int("prefetch", prefetch))

	go func() {
		defer close(sub.out)
		ctxDone := ctx.Done()
		for {
			select {
			case <-ctxDone:
				// после Cancel брокер закроет msgs, неподтверждённые вернутся в очередь
				if err := ch.Cancel(tag, false); err != nil {
					logger.Warn("Failed to cancel consumer", zap.Error(err))
					return
				}
				ctxDone = nil
			case msg, ok := <-msgs:
				if !ok {
					logger.Info("Delivery channel closed")
					return
				}
				var job Job
				if err := json.Unmarshal(msg.Body, &job); err != nil {
					logger.Error("Malformed job, dead-lettering", zap.Error(err), zap.String("body", string(msg.Body)))
					_ = msg.Nack(false, false)
					continue
				}
				if job.Queue == "" {
					job.Queue = queue
				}
				m := msg
				d := NewDelivery(job, m.Redelivered,
					func() error { return m.Ack(false) },
					func(requeue bool) error { return m.Nack(false, requeue) },
				)
				select {
				case sub.out <- d:
				case <-ctx.Done():
					_ = m.Nack(false, true)
				}
			}
		}
	}()
	return sub, nil
}

// Close закрывает канал публикации. Соединение закрывает владелец.
func (b *RabbitBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pubCh.Close()
}

type rabbitSubscription struct {
	ch  *amqp.Channel
	out chan Delivery
}

func (s *rabbitSubscription) Deliveries() <-chan Delivery { return s.out }

func (s *rabbitSubscription) Close() error {
	return s.ch.Close()
}
