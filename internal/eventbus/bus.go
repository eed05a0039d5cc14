// Package eventbus fans delivery outcomes out to in-process consumers
// (metrics, stats) without coupling them to the dispatch workers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Result classifies a finished delivery attempt.
type Result string

const (
	ResultOK        Result = "ok"         // image sent, history committed
	ResultSendError Result = "send_error" // transport failed, state unchanged
	ResultEmpty     Result = "empty"      // catalog empty, benign no-op
	ResultError     Result = "error"      // catalog/store failure
)

// DeliveryEvent describes one finished delivery attempt.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type DeliveryEvent struct {
	ID       string
	UserID   string
	Image    string
	Result   Result
	Error    string
	Started  time.Time
	Duration time.Duration
}

type Bus interface {
	Publish(e DeliveryEvent)
	Subscribe(buffer int) (ch <-chan DeliveryEvent, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan DeliveryEvent{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan DeliveryEvent
	seq  atomic.Uint64
}

func (b *memBus) Publish(e DeliveryEvent) {
	if e.Started.IsZero() {
		e.Started = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan DeliveryEvent, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan DeliveryEvent, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan DeliveryEvent, buffer)
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
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
