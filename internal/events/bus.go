package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventRouteSuccess  EventType = "route_success"
	EventRouteFallback EventType = "route_fallback"
	EventRouteDegraded EventType = "route_degraded"
	EventRouteError    EventType = "route_error"
	EventCacheHit      EventType = "cache_hit"
	EventBreakerChange EventType = "breaker_change"
	EventHealthChange  EventType = "health_change"
	EventModelUpdated  EventType = "model_updated"
)

// Event is a single routing event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`

	// Routing fields (populated for route events).
	ModelID   string `json:"model_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// State fields (populated for breaker_change and health_change events).
	Label    string `json:"label,omitempty"`
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on C. Events that do not fit in the buffer are
// dropped and counted.
type Subscriber struct {
	C <-chan Event

	ch      chan Event
	types   map[EventType]bool // nil accepts every type
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped returns how many events were discarded because C was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscriber) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// Bus is an in-memory fan-out of routing, health and registry events.
// Publishing never blocks on a slow subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	seq         atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber with a buffer of bufSize (64 when not
// positive). When types are given only those event types are delivered.
func (b *Bus) Subscribe(bufSize int, types ...EventType) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Event, bufSize)
	s := &Subscriber{C: ch, ch: ch}
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe detaches s from the bus. It is safe to call more than once.
// C is not closed so readers selecting on it never see a zero Event.
func (b *Bus) Unsubscribe(s *Subscriber) {
	s.once.Do(func() {
		b.mu.Lock()
		delete(b.subscribers, s)
		b.mu.Unlock()
	})
}

// Publish stamps e with a sequence number and a timestamp if unset, then
// offers it to every interested subscriber.
func (b *Bus) Publish(e Event) {
	e.Seq = b.seq.Add(1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
