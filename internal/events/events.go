// Package events is the node's pub-sub boundary. Emission never blocks the
// caller; slow subscribers lose events rather than stall the core.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/unicornultrafoundation/kadnet/internal/identity"
)

// Type labels one kind of node event.
type Type string

const (
	NewSession  Type = "new-session"
	TableInsert Type = "table-insert"
	TableRemove Type = "table-remove"
)

// Event is one occurrence on the bus.
type Event struct {
	Type      Type            `json:"type"`
	Node      identity.Node   `json:"-"`
	NodeID    identity.NodeID `json:"node_id"`
	SessionID uuid.UUID       `json:"session_id,omitempty"`
}

const subscriptionBuffer = 64

// Bus fans events out to streaming subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	log  *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		log:  log.With("component", "events"),
	}
}

// Subscription is a scoped event stream; Close deregisters it.
type Subscription struct {
	bus    *Bus
	ch     chan Event
	filter Type // empty matches everything
	once   sync.Once
}

// Ch returns the stream of events.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Close deregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
}

// Subscribe registers a streaming subscription. An empty filter receives all
// event types.
func (b *Bus) Subscribe(filter Type) *Subscription {
	sub := &Subscription{bus: b, ch: make(chan Event, subscriptionBuffer), filter: filter}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Wait blocks for the next event of the given type, a one-shot subscription.
func (b *Bus) Wait(ctx context.Context, filter Type) (Event, error) {
	sub := b.Subscribe(filter)
	defer sub.Close()
	select {
	case ev := <-sub.ch:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Emit delivers an event to all matching subscribers without blocking.
func (b *Bus) Emit(ev Event) {
	ev.NodeID = ev.Node.ID
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.filter != "" && sub.filter != ev.Type {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Debug("subscriber full, event dropped", "type", ev.Type)
		}
	}
}
