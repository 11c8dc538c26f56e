package events

import (
	"sync"
	"sync/atomic"

	"github.com/gxo-labs/runway/pkg/runway/v1/events"
	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
)

const defaultBufferSize = 100

// Broadcaster implements events.Bus by fanning each event out to every
// subscriber over its own buffered channel. Emission never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscription
	nextID      uint64
	bufferSize  int
	closed      bool
	dropped     atomic.Uint64
	onDrop      func(events.Event)
	log         rwlog.Logger
}

type subscription struct {
	ch     chan events.Event
	filter func(events.Event) bool
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold
// bufferSize events (100 when non-positive).
func NewBroadcaster(bufferSize int, log rwlog.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		panic("Broadcaster requires a non-nil logger")
	}
	b := &Broadcaster{
		subscribers: make(map[uint64]*subscription),
		bufferSize:  bufferSize,
		log:         log.With("component", "Broadcaster"),
	}
	b.log.Debugf("Broadcaster initialized with buffer size %d", bufferSize)
	return b
}

// OnDrop registers a callback invoked for every dropped delivery.
func (b *Broadcaster) OnDrop(fn func(events.Event)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe returns a channel receiving every event accepted by filter (all
// events when filter is nil) and a function that ends the subscription.
func (b *Broadcaster) Subscribe(filter func(events.Event) bool) (<-chan events.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan events.Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = &subscription{ch: ch, filter: filter}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub.ch)
			}
		})
	}
}

// Emit delivers event to every matching subscriber without blocking.
func (b *Broadcaster) Emit(event events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.log.Warnf("Subscriber buffer full, dropping event type '%s' for execution '%s'", event.Type, event.ExecutionID)
			if b.onDrop != nil {
				b.onDrop(event)
			}
		}
	}
}

// Dropped returns the number of deliveries dropped so far.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close ends every subscription. Later emits are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.log.Debugf("Broadcaster closed")
}

var _ events.Bus = (*Broadcaster)(nil)
