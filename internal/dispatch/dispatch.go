// Package dispatch correlates requests with responses and fans other inbound
// messages out to typed subscribers.
package dispatch

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
)

// ErrRequestTimeout is returned when no matching response arrives in time.
var ErrRequestTimeout = errors.New("request timed out")

const subscriptionBuffer = 32

type pendingKey struct {
	remote    identity.NodeID
	requestID uint32
}

type pendingEntry struct {
	expected byte
	ch       chan protocol.Message
	// multi keeps the entry registered after the first response, for
	// paginated FoundNodes replies. Single-shot entries are removed on the
	// first match.
	multi bool
}

// Dispatcher routes inbound messages: outstanding requests first, then typed
// subscribers. Correlation lookup and delivery are atomic per message.
type Dispatcher struct {
	mu      sync.Mutex
	subs    map[byte]map[*Subscription]struct{}
	pending map[pendingKey]*pendingEntry
	dropped int
	log     *slog.Logger
}

// New creates an empty dispatcher.
func New(log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:    make(map[byte]map[*Subscription]struct{}),
		pending: make(map[pendingKey]*pendingEntry),
		log:     log.With("component", "dispatch"),
	}
}

// Subscription is a scoped registration for one message type. Close always
// deregisters it, whatever path the scope exits on.
type Subscription struct {
	d         *Dispatcher
	messageID byte
	ch        chan protocol.Message
	once      sync.Once
}

// Ch returns the subscriber's message stream.
func (s *Subscription) Ch() <-chan protocol.Message { return s.ch }

// Receive blocks for the next message or context cancellation.
func (s *Subscription) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Close deregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.d.mu.Lock()
		if set, ok := s.d.subs[s.messageID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.d.subs, s.messageID)
			}
		}
		s.d.mu.Unlock()
	})
}

// Subscribe registers for all inbound messages of one type that are not
// claimed by an outstanding request.
func (d *Dispatcher) Subscribe(messageID byte) *Subscription {
	sub := &Subscription{d: d, messageID: messageID, ch: make(chan protocol.Message, subscriptionBuffer)}
	d.mu.Lock()
	set, ok := d.subs[messageID]
	if !ok {
		set = make(map[*Subscription]struct{})
		d.subs[messageID] = set
	}
	set[sub] = struct{}{}
	d.mu.Unlock()
	return sub
}

// Waiter is one outstanding request's reply slot.
type Waiter struct {
	d   *Dispatcher
	key pendingKey
	ch  chan protocol.Message
}

// RequestID returns the request id reserved for this waiter.
func (w *Waiter) RequestID() uint32 { return w.key.requestID }

// Wait blocks for the next response. On timeout or cancellation the
// correlation entry is removed before the error is returned.
func (w *Waiter) Wait(ctx context.Context) (protocol.Message, error) {
	select {
	case msg := <-w.ch:
		return msg, nil
	case <-ctx.Done():
		w.Cancel()
		// Drain a response that raced with cancellation.
		select {
		case msg := <-w.ch:
			return msg, nil
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Message{}, fmt.Errorf("%w: rid=%#08x", ErrRequestTimeout, w.key.requestID)
		}
		return protocol.Message{}, ctx.Err()
	}
}

// Cancel removes the correlation entry.
func (w *Waiter) Cancel() {
	w.d.mu.Lock()
	delete(w.d.pending, w.key)
	w.d.mu.Unlock()
}

// Expect reserves a fresh random request id for the remote node and registers
// a reply slot for the expected response type. IDs colliding with an active
// entry are re-drawn. Multi keeps the slot open across paginated responses;
// the caller must Cancel it.
func (d *Dispatcher) Expect(remote identity.NodeID, expected byte, multi bool) (*Waiter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for attempt := 0; attempt < 32; attempt++ {
		var buf [4]byte
		if _, err := crand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("draw request id: %w", err)
		}
		key := pendingKey{remote: remote, requestID: binary.BigEndian.Uint32(buf[:])}
		if _, taken := d.pending[key]; taken {
			continue
		}
		w := &Waiter{d: d, key: key, ch: make(chan protocol.Message, subscriptionBuffer)}
		d.pending[key] = &pendingEntry{expected: expected, ch: w.ch, multi: multi}
		return w, nil
	}
	return nil, errors.New("request id space exhausted")
}

// Deliver routes one inbound message. A matching outstanding request receives
// it exclusively; otherwise every subscriber of the message type gets a copy.
func (d *Dispatcher) Deliver(msg protocol.Message) {
	id := msg.Payload.MessageID()
	key := pendingKey{remote: msg.Node.ID, requestID: msg.Payload.RequestID()}

	d.mu.Lock()
	if entry, ok := d.pending[key]; ok && entry.expected == id {
		if !entry.multi {
			delete(d.pending, key)
		}
		select {
		case entry.ch <- msg:
		default:
			d.dropped++
			d.log.Warn("reply channel full, response dropped", "rid", key.requestID)
		}
		d.mu.Unlock()
		return
	}

	subs := d.subs[id]
	if len(subs) == 0 {
		d.dropped++
		d.mu.Unlock()
		d.log.Debug("no subscriber for message", "id", id, "peer", msg.Node.ID.Short())
		return
	}
	for sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			d.dropped++
			d.log.Debug("subscriber full, message dropped", "id", id)
		}
	}
	d.mu.Unlock()
}

// Dropped returns the count of messages that found no receiver.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}
