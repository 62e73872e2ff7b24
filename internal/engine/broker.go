package engine

import (
	"sync"
	"sync/atomic"

	"github.com/seantiz/depflow/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 256

// EventBroker fans completion events out to subscribers.
// It is safe for concurrent use.
//
// After Close, Subscribe returns a closed channel so late subscribers do not
// block forever.
type EventBroker struct {
	mu     sync.Mutex
	subs   map[int]chan model.OpRecord
	nextID int
	closed bool
	active atomic.Int32
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		subs: make(map[int]chan model.OpRecord),
	}
}

// Subscribe returns a channel that receives completion events and an
// unsubscribe function.
func (b *EventBroker) Subscribe() (<-chan model.OpRecord, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.OpRecord, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.active.Add(1)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			b.active.Add(-1)
		}
	}
}

// HasSubscribers reports whether anyone is listening.
func (b *EventBroker) HasSubscribers() bool {
	return b.active.Load() > 0
}

// Publish sends rec to all subscribers. Events are dropped for subscribers
// whose buffers are full.
func (b *EventBroker) Publish(rec model.OpRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- rec:
		default:
			// Drop the event rather than stall the completing operation.
		}
	}
}

// Close closes every subscriber channel. Later Subscribe calls return a
// closed channel.
func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.active.Store(0)
}
