// Package eventbus implements the in-process publish/subscribe fabric that
// fans a session's parsed events out to any number of readers. Unlike the
// teacher's EventEmitter (which silently drops an event after a 100ms grace
// period on a full channel), subscribers here own an independent bounded
// buffer and a full buffer evicts the subscriber with a terminal error
// event rather than dropping events for everyone else.
package eventbus

import (
	"sync"

	"github.com/elemental-run/agentcore/internal/debuglog"
	"github.com/elemental-run/agentcore/pkg/models"
)

// DefaultBufferSize is the per-subscriber channel depth used when none is
// configured explicitly.
const DefaultBufferSize = 64

// Subscription is a live handle to one subscriber's event stream.
type Subscription struct {
	ch     chan models.SessionEvent
	bus    *Bus
	sessID string
	id     uint64

	closedOnce sync.Once
}

// Events returns the channel to receive from. It is closed when the
// subscriber is evicted, the session ends, or Close is called.
func (s *Subscription) Events() <-chan models.SessionEvent {
	return s.ch
}

// Close unregisters the subscription. Safe to call more than once and safe
// to call after the bus has already closed it.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.sessID, s.id)
}

type subscriber struct {
	id  uint64
	ch  chan models.SessionEvent
	cap int
}

// Bus is a per-session broadcast fabric. The zero value is not usable;
// construct with New.
type Bus struct {
	mu          sync.Mutex
	subs        map[string][]*subscriber // session id -> live subscribers
	closed      map[string]bool          // session id -> stream closed
	nextID      uint64
	bufferSize  int
	log         *debuglog.Logger
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithBufferSize overrides the default per-subscriber buffer depth.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger attaches a debug sink.
func WithLogger(l *debuglog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// New constructs an Event Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[string][]*subscriber),
		closed:     make(map[string]bool),
		bufferSize: DefaultBufferSize,
		log:        debuglog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber for sessionID. If the session's
// stream has already been closed, the returned subscription's channel is
// immediately closed and empty.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	// One slot beyond cap is reserved for the final slow_consumer or
	// terminal result event, so it always fits.
	sub := &subscriber{id: id, ch: make(chan models.SessionEvent, b.bufferSize+1), cap: b.bufferSize}

	if b.closed[sessionID] {
		close(sub.ch)
		return &Subscription{ch: sub.ch, bus: b, sessID: sessionID, id: id}
	}

	b.subs[sessionID] = append(b.subs[sessionID], sub)
	return &Subscription{ch: sub.ch, bus: b, sessID: sessionID, id: id}
}

// Publish delivers event to every live subscriber of its session. Sends are
// non-blocking: a subscriber whose buffer is full is evicted with a final
// slow_consumer error event instead of blocking the publisher. Publish never
// blocks regardless of subscriber behavior.
func (b *Bus) Publish(sessionID string, event models.SessionEvent) {
	b.mu.Lock()
	snapshot := append([]*subscriber(nil), b.subs[sessionID]...)
	b.mu.Unlock()

	var evicted []uint64
	for _, sub := range snapshot {
		if len(sub.ch) >= sub.cap {
			evicted = append(evicted, sub.id)
			continue
		}
		select {
		case sub.ch <- event:
		default:
			evicted = append(evicted, sub.id)
		}
	}
	for _, id := range evicted {
		b.evict(sessionID, id)
	}
}

func (b *Bus) evict(sessionID string, id uint64) {
	b.mu.Lock()
	subs := b.subs[sessionID]
	idx := -1
	for i, s := range subs {
		if s.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return
	}
	sub := subs[idx]
	b.subs[sessionID] = append(subs[:idx], subs[idx+1:]...)
	b.mu.Unlock()

	b.log.Log("eventbus: evicting slow consumer session=%s sub=%d", sessionID, id)

	// The slot reserved at Subscribe holds this final event: Publish stops
	// sending to a subscriber once cap events are buffered.
	select {
	case sub.ch <- models.SessionEvent{Kind: models.EventError, SessionID: sessionID, ErrorReason: "slow_consumer"}:
	default:
	}
	close(sub.ch)
}

// unsubscribe removes sub id from the live set, closing its channel if it
// is still present. A no-op if the subscriber was already removed (by
// eviction or session close).
func (b *Bus) unsubscribe(sessionID string, id uint64) {
	b.mu.Lock()
	subs := b.subs[sessionID]
	idx := -1
	for i, s := range subs {
		if s.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return
	}
	sub := subs[idx]
	b.subs[sessionID] = append(subs[:idx], subs[idx+1:]...)
	b.mu.Unlock()
	close(sub.ch)
}

// CloseSession emits a synthetic terminal result event to every subscriber
// of sessionID, closes every subscriber channel, and marks the session as
// closed so future Subscribe calls get an already-closed stream.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	subs := b.subs[sessionID]
	delete(b.subs, sessionID)
	b.closed[sessionID] = true
	b.mu.Unlock()

	terminal := models.SessionEvent{Kind: models.EventResult, Subtype: "exit", SessionID: sessionID}
	for _, sub := range subs {
		select {
		case sub.ch <- terminal:
		default:
		}
		close(sub.ch)
	}
}

// SubscriberCount returns the number of live subscribers for sessionID,
// for tests and observability.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}
