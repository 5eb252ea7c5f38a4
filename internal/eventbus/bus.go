package eventbus

import (
	"sync"
	"time"
)

// Event types published by the engine. The scheduler emits the task.*
// lifecycle transitions; the orchestrator emits delivery.* outcomes.
const (
	TaskScheduled   = "task.scheduled"
	TaskStarted     = "task.started"
	TaskCompleted   = "task.completed"
	TaskFailed      = "task.failed"
	TaskCancelled   = "task.cancelled"
	TaskRescheduled = "task.rescheduled"

	DeliverySent   = "delivery.sent"
	DeliveryFailed = "delivery.failed"
)

// Event is a lightweight in-memory signal. Diagnostics observe task and
// delivery flow through it without coupling to the scheduler or the
// orchestrator.
//
// Contract:
//   - Publish never blocks; a slow subscriber drops events.
//   - Data should be small and JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; Publish
// delivers synchronously with non-blocking sends.
func New() Bus {
	return &fanout{}
}

type subscriber struct {
	id uint64
	ch chan Event
}

type fanout struct {
	mu   sync.RWMutex
	subs []subscriber
	next uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.ch, e)
	}
}

// deliver is non-blocking and tolerates a channel closed by a concurrent
// unsubscribe.
func deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscriber{id: id, ch: ch})
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}
