package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the queue.
const (
	TypeSubmitted   = "op.submitted"
	TypeExecuted    = "op.executed"
	TypeCancelled   = "op.cancelled"
	TypeFailed      = "op.failed"
	TypeQueueClosed = "queue.closed"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable (OpEvent, QueueEvent).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// OpEvent describes one queued operation.
type OpEvent struct {
	Queue    string        `json:"queue"`
	ID       uint64        `json:"id"`
	Due      time.Time     `json:"due"`
	Started  time.Time     `json:"started,omitempty"`
	Lag      time.Duration `json:"lag,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// QueueEvent describes a whole-queue transition.
type QueueEvent struct {
	Queue     string   `json:"queue"`
	Discarded []uint64 `json:"discarded,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Hold the read lock while sending: sends never block, and Unsubscribe
	// needs the write lock before closing, so no send can hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *memBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
