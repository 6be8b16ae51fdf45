// Package eventbus carries in-process post lifecycle events between the
// posting service and its observers (metrics, relay, admin).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	PostScheduled      = "post.scheduled"
	PostClaimed        = "post.claimed"
	PostPublished      = "post.published"
	PostPartialFailure = "post.partial_failure"
	PostFailed         = "post.failed"
	PostFeedback       = "post.feedback"
	SweepCompleted     = "sweep.completed"
)

// Event is a lightweight in-memory signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels.
//   - Slow subscribers drop events.
//
// Data should be small and JSON-serializable.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// PostEvent is the Data of every post.* event.
type PostEvent struct {
	PostID     string   `json:"post_id"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	Status     string   `json:"status"`
	Platforms  []string `json:"platforms,omitempty"`
	Failed     []string `json:"failed,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Dropped reports how many deliveries b has discarded, or 0 for foreign buses.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
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
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
