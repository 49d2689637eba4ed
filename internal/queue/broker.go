package queue

import (
	"context"
	"errors"
	"time"
)

// Delivery - полученное задание. Ровно один из Ack/Requeue/DeadLetter должен быть вызван.
type Delivery struct {
	Job         Job
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery - для реализаций Broker вне пакета.
func NewDelivery(job Job, redelivered bool, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Job: job, Redelivered: redelivered, ack: ack, nack: nack}
}

func (d Delivery) Ack() error        { return d.ack() }
func (d Delivery) Requeue() error    { return d.nack(true) }
func (d Delivery) DeadLetter() error { return d.nack(false) }

// Subscription - поток заданий одной очереди. Поток закрывается после отмены ctx,
// Close освобождает ресурсы и вызывается после обработки всех полученных заданий.
type Subscription interface {
	Deliveries() <-chan Delivery
	Close() error
}

// Broker - транспорт очередей.
type Broker interface {
	Enqueuer
	// Retry кладёт задание в очередь отложенных повторов: через delay оно вернётся в основную.
	Retry(ctx context.Context, job Job, delay time.Duration) error
	Consume(ctx context.Context, queue string, prefetch int) (Subscription, error)
}

// PermanentError - ошибка, которую бессмысленно повторять. Задание сразу уходит в DLQ.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent помечает ошибку как неповторяемую.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent - сахар над errors.As.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
