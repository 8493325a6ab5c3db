// Package eventbus provides process-wide fan-out of lifecycle and
// progress events. Publishing never blocks: each subscriber owns a
// bounded queue, and a full queue drops the event for that subscriber
// only. One stalled dashboard client must never slow session progress or
// other clients.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

// DefaultQueueSize is the per-subscriber buffer length.
const DefaultQueueSize = 64

// Subscription is one subscriber's view of the bus. Receive events from
// C; call Close when done.
type Subscription struct {
	// C delivers events in publish order (per session) until Close.
	C <-chan types.Event

	id     uint64
	bus    *Bus
	ch     chan types.Event
	filter map[types.EventType]bool
	drops  atomic.Uint64
	once   sync.Once
}

// Drops returns how many events were dropped because this subscriber's
// queue was full.
func (s *Subscription) Drops() uint64 {
	return s.drops.Load()
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.ch)
	})
}

func (s *Subscription) wants(t types.EventType) bool {
	if s.filter == nil {
		return true
	}
	return s.filter[t]
}

// Bus is the single in-process publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool

	queueSize int
}

// New creates a Bus with the given per-subscriber queue size. A
// non-positive size uses DefaultQueueSize.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{subs: make(map[uint64]*Subscription), queueSize: queueSize}
}

// Subscribe registers a subscriber. With no event types given, the
// subscriber receives everything; otherwise only the listed types.
func (b *Bus) Subscribe(eventTypes ...types.EventType) *Subscription {
	var filter map[types.EventType]bool
	if len(eventTypes) > 0 {
		filter = make(map[types.EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			filter[t] = true
		}
	}

	ch := make(chan types.Event, b.queueSize)
	sub := &Subscription{C: ch, ch: ch, filter: filter, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish fans ev out to all matching subscribers with a non-blocking
// send per queue. Returns how many subscribers dropped the event.
func (b *Bus) Publish(ev types.Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	dropped := 0
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.drops.Add(1)
			dropped++
		}
	}
	return dropped
}

// SubscriberCount returns how many subscriptions are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches and closes every subscription. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	detached := make([]*Subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		delete(b.subs, id)
		detached = append(detached, sub)
	}
	b.mu.Unlock()

	// A concurrent Subscription.Close takes the bus lock inside its
	// once, so the bus must not hold the lock while entering the same
	// once from this side.
	for _, sub := range detached {
		ch := sub.ch
		sub.once.Do(func() { close(ch) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	delete(b.subs, id)
}
