// Package bus implements the in-process broadcast channel carrying
// collection and processing lifecycle events to subscribed clients.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the closed set of broadcast events.
type EventType string

const (
	CollectionStarted   EventType = "collection.started"
	CollectionProgress  EventType = "collection.progress"
	CollectionCompleted EventType = "collection.completed"
	CollectionFailed    EventType = "collection.failed"

	ProcessingStarted   EventType = "processing.started"
	ProcessingProgress  EventType = "processing.progress"
	ProcessingCompleted EventType = "processing.completed"

	BriefingStarted   EventType = "briefing.started"
	BriefingProgress  EventType = "briefing.progress"
	BriefingCompleted EventType = "briefing.completed"

	SystemStatus EventType = "system.status"
	SystemHealth EventType = "system.health"

	EntityDetected EventType = "entity.detected"
	EntityMention  EventType = "entity.mention"
)

// Event is one broadcast message.
type Event struct {
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
}

// Listener is an internal callback invoked synchronously for every
// event, before subscriber delivery.
type Listener func(Event)

// Subscriber receives matching events on a buffered channel. A
// subscriber that stops draining loses its subscription: when its
// buffer is full a delivery fails and the bus evicts it.
type Subscriber struct {
	id      string
	filters map[EventType]struct{}
	ch      chan Event
	closed  bool
}

// C returns the subscriber's event channel. The channel is closed on
// eviction or Unsubscribe.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

func (s *Subscriber) matches(t EventType) bool {
	if len(s.filters) == 0 {
		return true
	}
	_, ok := s.filters[t]
	return ok
}

const (
	defaultRetention = 100
	subscriberBuffer = 32
)

// Bus delivers typed events to subscribers and listeners, retaining a
// bounded ring of recent events for late joiners.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*Subscriber
	listeners []Listener
	ring      []Event
	retention int
	logger    *slog.Logger

	// deliverMu serializes Broadcast calls so every subscriber
	// observes events in broadcast order.
	deliverMu sync.Mutex
}

// New creates a bus retaining the last 100 events.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:      make(map[string]*Subscriber),
		retention: defaultRetention,
		logger:    logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber for the given event types. An
// empty filter set subscribes to everything.
func (b *Bus) Subscribe(types ...EventType) *Subscriber {
	return b.subscribe(false, types...)
}

// SubscribeWithReplay registers a subscriber and preloads the retained
// events matching its filters, oldest first. When more events are
// retained than the subscriber buffer holds, the most recent ones win.
func (b *Bus) SubscribeWithReplay(types ...EventType) *Subscriber {
	return b.subscribe(true, types...)
}

func (b *Bus) subscribe(replay bool, types ...EventType) *Subscriber {
	sub := &Subscriber{
		id:      uuid.New().String(),
		filters: make(map[EventType]struct{}, len(types)),
		ch:      make(chan Event, subscriberBuffer),
	}
	for _, t := range types {
		sub.filters[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if replay {
		var matched []Event
		for _, evt := range b.ring {
			if sub.matches(evt.Type) {
				matched = append(matched, evt)
			}
		}
		if len(matched) > subscriberBuffer {
			matched = matched[len(matched)-subscriberBuffer:]
		}
		for _, evt := range matched {
			sub.ch <- evt
		}
	}

	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub.id)
}

func (b *Bus) removeLocked(id string) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// AddListener registers a synchronous callback. Listener panics are
// recovered and logged so one listener cannot block the rest.
func (b *Bus) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Broadcast appends the event to the retention ring, invokes the
// listeners, then delivers to every matching subscriber. A subscriber
// whose buffer is full counts as a failed delivery and is evicted.
func (b *Bus) Broadcast(evt Event) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.ring = append(b.ring, evt)
	if len(b.ring) > b.retention {
		b.ring = b.ring[len(b.ring)-b.retention:]
	}
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, l := range listeners {
		b.callListener(l, evt)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if !sub.matches(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("evicting slow subscriber", "subscriber", id, "event", string(evt.Type))
			b.removeLocked(id)
		}
	}
}

func (b *Bus) callListener(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus listener panicked", "event", string(evt.Type), "panic", r)
		}
	}()
	l(evt)
}

// Emit is shorthand for broadcasting a typed event with a payload.
func (b *Bus) Emit(t EventType, source string, payload map[string]any) {
	b.Broadcast(Event{Type: t, Payload: payload, Source: source})
}

// Retained returns a copy of the retention ring, oldest first.
func (b *Bus) Retained() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.ring))
	copy(out, b.ring)
	return out
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
