// Package pool multiplexes sessions by remote node ID and brokers their
// lifecycle.
package pool

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unicornultrafoundation/kadnet/internal/events"
	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
	"github.com/unicornultrafoundation/kadnet/internal/session"
	"github.com/unicornultrafoundation/kadnet/internal/transport"
)

var (
	// ErrSessionNotFound is returned on a lookup miss.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned when a session already exists for the
	// remote node.
	ErrDuplicateSession = errors.New("duplicate session")
)

// Pool owns the NodeID -> Session mapping; exactly one session exists per
// remote node at a time.
type Pool struct {
	privateKey  *ecdsa.PrivateKey
	localID     identity.NodeID
	localENRSeq uint64

	out      chan<- transport.Datagram
	messages chan<- protocol.Message
	events   *events.Bus
	log      *slog.Logger

	mu       sync.RWMutex
	sessions map[identity.NodeID]*session.Session
}

// New creates an empty pool. Sessions it creates emit packets to out and
// decrypted messages to messages.
func New(privateKey *ecdsa.PrivateKey, out chan<- transport.Datagram, messages chan<- protocol.Message, bus *events.Bus, log *slog.Logger) *Pool {
	return &Pool{
		privateKey: privateKey,
		localID:    identity.NodeIDFromPublicKey(&privateKey.PublicKey),
		out:        out,
		messages:   messages,
		events:     bus,
		sessions:   make(map[identity.NodeID]*session.Session),
		log:        log.With("component", "pool"),
	}
}

// LocalNodeID returns the pool's local node ID.
func (p *Pool) LocalNodeID() identity.NodeID { return p.localID }

// HasSession reports whether a session exists for the remote node.
func (p *Pool) HasSession(remoteID identity.NodeID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.sessions[remoteID]
	return ok
}

// GetSession returns the session for the remote node.
func (p *Pool) GetSession(remoteID identity.NodeID) (*session.Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[remoteID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, remoteID.Short())
	}
	return s, nil
}

// CreateSession registers a new session for the remote node.
func (p *Pool) CreateSession(remote identity.Node, isInitiator bool) (*session.Session, error) {
	p.mu.Lock()
	if _, exists := p.sessions[remote.ID]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, remote.ID.Short())
	}
	role := session.Recipient
	if isInitiator {
		role = session.Initiator
	}
	s := session.New(role, session.Config{
		PrivateKey:  p.privateKey,
		LocalID:     p.localID,
		LocalENRSeq: p.localENRSeq,
		Remote:      remote,
		Out:         p.out,
		Messages:    p.messages,
		Log:         p.log,
	})
	p.sessions[remote.ID] = s
	p.mu.Unlock()

	p.log.Debug("session created", "peer", remote.ID.Short(), "initiator", isInitiator)
	// Event delivery must not block session setup.
	p.events.Emit(events.Event{Type: events.NewSession, Node: remote, SessionID: s.ID()})
	return s, nil
}

// RemoveSession removes and closes the session with the given internal UUID.
// Missing sessions are tolerated; the return reports whether one was removed.
func (p *Pool) RemoveSession(sessionID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for remoteID, s := range p.sessions {
		if s.ID() == sessionID {
			delete(p.sessions, remoteID)
			s.Close()
			p.log.Debug("session removed", "peer", remoteID.Short())
			return true
		}
	}
	return false
}

// IdleSessions returns sessions whose last message is older than the idle
// threshold.
func (p *Pool) IdleSessions() []*session.Session {
	cutoff := time.Now().Add(-protocol.SessionIdleTimeout)
	p.mu.RLock()
	defer p.mu.RUnlock()
	var idle []*session.Session
	for _, s := range p.sessions {
		if s.LastMessageAt().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	return idle
}

// Sessions returns a snapshot of all live sessions.
func (p *Pool) Sessions() []*session.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*session.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}
