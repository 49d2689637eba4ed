package events

import (
	"context"
	"sync"
	"time"

	"novel-wash/internal/model"
)

var _ Bus = (*InMemoryBus)(nil)

// InMemoryBus - шина в пределах процесса. Хранит историю по каналам для проверок в тестах.
type InMemoryBus struct {
	mu      sync.Mutex
	subs    map[string]map[int]chan model.Event
	nextID  int
	history map[string][]model.Event
}

func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs:    make(map[string]map[int]chan model.Event),
		history: make(map[string][]model.Event),
	}
}

// Publish не блокируется: медленный подписчик теряет события.
func (b *InMemoryBus) Publish(_ context.Context, channel string, ev model.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[channel] = append(b.history[channel], ev)
	for _, ch := range b.subs[channel] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *InMemoryBus) Subscribe(ctx context.Context, channel string) (<-chan model.Event, func(), error) {
	ch := make(chan model.Event, 256)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan model.Event)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], id)
			b.mu.Unlock()
			close(ch)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}

// Events - копия опубликованных в канал событий.
func (b *InMemoryBus) Events(channel string) []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Event(nil), b.history[channel]...)
}

// Types - типы событий канала по порядку.
func (b *InMemoryBus) Types(channel string) []model.EventType {
	evs := b.Events(channel)
	out := make([]model.EventType, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}
