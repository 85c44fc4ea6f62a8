package event

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// Bus fans task lifecycle events out to subscribers. Publish never blocks:
// when a subscriber's buffer is full the event is dropped for that
// subscriber and counted, so the publishing path stays O(subscribers) with
// no backpressure into the queue.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID uint64
	closed bool

	bufferSize int

	published atomic.Int64
	dropped   atomic.Int64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) { b.bufferSize = size }
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:       make(map[uint64]*Subscriber),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber for the given event types. With no types
// given the subscriber receives everything.
func (b *Bus) Subscribe(types ...Type) *Subscriber {
	var filter map[Type]struct{}
	if len(types) > 0 {
		filter = make(map[Type]struct{}, len(types))
		for _, typ := range types {
			filter[typ] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		bus:    b,
		ch:     make(chan Event, b.bufferSize),
		filter: filter,
	}
	if b.closed {
		sub.closed.Store(true)
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers evt to every matching subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		if !sub.send(evt) {
			b.dropped.Add(1)
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.closeLocked()
		delete(b.subs, id)
	}
}

// Stats returns publish and drop counters plus the subscriber count.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BusStats{
		Subscribers: len(b.subs),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// BusStats contains bus counters.
type BusStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	sub.closeLocked()
}

// Subscriber receives events on a buffered channel.
type Subscriber struct {
	bus    *Bus
	id     uint64
	ch     chan Event
	filter map[Type]struct{}
	closed atomic.Bool
}

// C returns the read-only event channel. It is closed when the subscriber
// or the bus is closed.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Close detaches the subscriber from the bus and closes its channel.
// Safe to call multiple times.
func (s *Subscriber) Close() {
	s.bus.remove(s.id)
}

// send delivers evt unless the subscriber filters it out or its buffer is
// full. Returns false when the event was dropped.
func (s *Subscriber) send(evt Event) bool {
	if s.closed.Load() {
		return false
	}
	if s.filter != nil {
		if _, ok := s.filter[evt.Type]; !ok {
			return true
		}
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *Subscriber) closeLocked() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
