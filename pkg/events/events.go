package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/patchbay-dev/patchbay/pkg/types"
)

const (
	// DefaultBufferSize is the per-subscriber queue depth. A subscriber
	// that falls further behind starts losing events.
	DefaultBufferSize = 50

	// DefaultDedupSize is the number of recently seen event ids kept for
	// publish-side deduplication.
	DefaultDedupSize = 1024

	brokerQueueSize = 100
)

// Subscription is one subscriber's view of the bus. Events arrive on C in
// publish order; the channel is closed by Close or when the bus shuts down.
type Subscription struct {
	C <-chan types.Event

	bus   *Bus
	ch    chan types.Event
	types map[string]bool
	once  sync.Once
}

// Close cancels the subscription and releases its queue.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// wants reports whether the subscription's type filter admits the event.
func (s *Subscription) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// Bus is the process-wide event fan-out. Publishing never blocks: events
// queue per subscriber and are dropped for subscribers whose buffer is
// full. Events carrying an id are deduplicated against an LRU of recently
// seen ids.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]bool
	eventCh     chan types.Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	seen        *lru.Cache[string, struct{}]
	bufferSize  int

	dropped   func(eventType string)
	published func(eventType string)
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber queue depth.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithDedupSize overrides the id-dedup LRU capacity.
func WithDedupSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.seen, _ = lru.New[string, struct{}](n)
		}
	}
}

// WithDropCounter installs a callback invoked when a subscriber loses an
// event. Used to feed the metrics package without importing it here.
func WithDropCounter(fn func(eventType string)) Option {
	return func(b *Bus) { b.dropped = fn }
}

// WithPublishCounter installs a callback invoked for every delivered
// publish.
func WithPublishCounter(fn func(eventType string)) Option {
	return func(b *Bus) { b.published = fn }
}

// NewBus creates and starts an event bus.
func NewBus(opts ...Option) *Bus {
	seen, _ := lru.New[string, struct{}](DefaultDedupSize)
	b := &Bus{
		subscribers: make(map[*Subscription]bool),
		eventCh:     make(chan types.Event, brokerQueueSize),
		stopCh:      make(chan struct{}),
		seen:        seen,
		bufferSize:  DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// Subscribe registers a subscriber. With no types, every event is
// delivered; otherwise only events whose Type is listed.
func (b *Bus) Subscribe(eventTypes ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus: b,
		ch:  make(chan types.Event, b.bufferSize),
	}
	sub.C = sub.ch
	if len(eventTypes) > 0 {
		sub.types = make(map[string]bool, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = true
		}
	}
	b.subscribers[sub] = true
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Publish enqueues an event for fan-out. Events with an already-seen id are
// dropped. The timestamp is stamped here when the caller left it zero.
func (b *Bus) Publish(event types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID != "" {
		if found, _ := b.seen.ContainsOrAdd(event.ID, struct{}{}); found {
			return
		}
	}
	if b.published != nil {
		b.published(event.Type)
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// NewEventID returns a fresh unique event id.
func NewEventID() string {
	return uuid.NewString()
}

// Close publishes a terminal close notice, stops fan-out, and closes every
// subscriber channel.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		// Best-effort terminal notice so SSE clients see a clean shutdown.
		b.broadcast(types.Event{Type: types.EventClose, Timestamp: time.Now()})
		close(b.stopCh)

		b.mu.Lock()
		defer b.mu.Unlock()
		for sub := range b.subscribers {
			delete(b.subscribers, sub)
			sub.once.Do(func() { close(sub.ch) })
		}
	})
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full, drop for this subscriber only.
			if b.dropped != nil {
				b.dropped(event.Type)
			}
		}
	}
}
