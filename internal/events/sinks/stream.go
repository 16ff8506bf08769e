package sinks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/readlater-archiver/internal/events"
)

const defaultSubscriberBuffer = 64

// StreamSink fans lifecycle events out to per-owner subscribers. Slow
// subscribers lose events rather than stalling the hub.
type StreamSink struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]*subscriber
	closed  bool
	dropped atomic.Int64
}

type subscriber struct {
	owner string
	ch    chan events.Event
}

// NewStreamSink returns an empty StreamSink.
func NewStreamSink() *StreamSink {
	return &StreamSink{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a listener for owner's events. The cancel func removes
// the subscription and closes the channel; it is safe to call more than once.
func (b *StreamSink) Subscribe(owner string, buffer int) (<-chan events.Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan events.Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{owner: owner, ch: ch}
	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *StreamSink) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Subscribers reports the number of live subscriptions.
func (b *StreamSink) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped reports events not delivered because a subscriber buffer was full.
func (b *StreamSink) Dropped() int64 {
	return b.dropped.Load()
}

// Consume delivers each event to the subscribers of its owner.
func (b *StreamSink) Consume(_ context.Context, batch []events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		for _, sub := range b.subs {
			if sub.owner != evt.Owner {
				continue
			}
			select {
			case sub.ch <- evt:
			default:
				b.dropped.Add(1)
			}
		}
	}
	return nil
}

// Close ends every subscription.
func (b *StreamSink) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}
