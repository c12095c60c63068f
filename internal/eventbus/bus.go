// Package eventbus is a lightweight in-memory fanout used to decouple the
// monitoring pipeline from observers (stats counters, /status output).
//
// Contract:
//   - Publish never blocks.
//   - Subscribers receive on buffered channels; slow subscribers drop events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the pipeline. Data payloads are small structs
// owned by the publishing package.
const (
	TypeCheckChanged   = "check.changed"
	TypeCheckFailed    = "check.failed"
	TypeNotifySent     = "notify.sent"
	TypeNotifyFiltered = "notify.filtered"
	TypeNotifyFailed   = "notify.failed"
	TypeFeedback       = "feedback.received"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no background goroutines.
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
	// Snapshot subscribers so Publish doesn't hold the lock while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Unsubscribe may close a channel concurrently; a send on a closed
		// channel panics, so guard each attempt.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
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
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
