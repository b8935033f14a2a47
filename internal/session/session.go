// Package session implements the per-peer handshake and encryption state
// machine that turns raw packets into authenticated messages.
package session

import (
	"crypto/ecdsa"
	crand "crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/packet"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
	"github.com/unicornultrafoundation/kadnet/internal/transport"
)

// Role marks which side of the handshake this session plays.
type Role int

const (
	Initiator Role = iota
	Recipient
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "recipient"
}

// State is the handshake progress of a session.
type State int

const (
	BeforeHandshake State = iota
	DuringHandshake
	HandshakeComplete
	Closed
)

func (s State) String() string {
	switch s {
	case BeforeHandshake:
		return "before-handshake"
	case DuringHandshake:
		return "during-handshake"
	case HandshakeComplete:
		return "handshake-complete"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrHandshakeFailed marks signature or key agreement failure; the
	// session must be destroyed.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrDecryptionFailed marks an AEAD authentication failure; the message
	// is dropped and the session preserved.
	ErrDecryptionFailed = errors.New("message decryption failed")
	// ErrSessionClosed is returned by operations on a torn-down session.
	ErrSessionClosed = errors.New("session closed")
)

// Config carries the dependencies a session needs.
type Config struct {
	PrivateKey  *ecdsa.PrivateKey
	LocalID     identity.NodeID
	LocalENRSeq uint64
	Remote      identity.Node
	// Out receives encoded packets addressed to the remote endpoint.
	Out chan<- transport.Datagram
	// Messages receives decrypted inbound messages.
	Messages chan<- protocol.Message
	Log      *slog.Logger
}

// Session is the state machine for one (local, remote) pair. All methods are
// safe for concurrent use; outbound messages hit the wire in the order they
// were accepted.
type Session struct {
	id   uuid.UUID
	role Role

	privateKey  *ecdsa.PrivateKey
	localID     identity.NodeID
	localENRSeq uint64

	out      chan<- transport.Datagram
	messages chan<- protocol.Message
	log      *slog.Logger

	// tag goes on packets we send; peerTag is expected on inbound packets.
	tag     identity.Tag
	peerTag identity.Tag

	mu              sync.Mutex
	state           State
	remote          identity.Node
	remoteENRSeq    uint64
	keys            sessionKeys
	idNonce         [packet.IDNonceSize]byte // recipient: challenge we issued
	queue           []protocol.Payload
	lastMessageAt   time.Time
	createdAt       time.Time
	decryptFailures int
}

// New creates a session in BeforeHandshake state.
func New(role Role, cfg Config) *Session {
	now := time.Now()
	return &Session{
		id:            uuid.New(),
		role:          role,
		privateKey:    cfg.PrivateKey,
		localID:       cfg.LocalID,
		localENRSeq:   cfg.LocalENRSeq,
		remote:        cfg.Remote,
		out:           cfg.Out,
		messages:      cfg.Messages,
		tag:           identity.ComputeTag(cfg.LocalID, cfg.Remote.ID),
		peerTag:       identity.ComputeTag(cfg.Remote.ID, cfg.LocalID),
		state:         BeforeHandshake,
		lastMessageAt: now,
		createdAt:     now,
		log:           cfg.Log.With("peer", cfg.Remote.ID.Short(), "role", role.String()),
	}
}

// ID returns the session's internal UUID.
func (s *Session) ID() uuid.UUID { return s.id }

// Role returns which side of the handshake this session plays.
func (s *Session) Role() Role { return s.role }

// RemoteNode returns the peer descriptor.
func (s *Session) RemoteNode() identity.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// RemoteNodeID returns the peer's node ID.
func (s *Session) RemoteNodeID() identity.NodeID { return s.remote.ID }

// Tag returns the tag stamped on packets this session sends.
func (s *Session) Tag() identity.Tag { return s.tag }

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsHandshakeComplete reports whether symmetric keys exist.
func (s *Session) IsHandshakeComplete() bool { return s.State() == HandshakeComplete }

// LastMessageAt returns the time of the last accepted message.
func (s *Session) LastMessageAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageAt
}

// DecryptFailures returns the count of dropped undecryptable messages.
func (s *Session) DecryptFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decryptFailures
}

// Close tears the session down; in-flight and future operations fail with
// ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Closed {
		s.state = Closed
		s.queue = nil
	}
}

// HandleOutboundMessage accepts a payload for the peer. Before the handshake
// completes the payload is queued (the first one, on the initiator side,
// triggers the handshake); afterwards it is sealed and emitted immediately.
func (s *Session) HandleOutboundMessage(payload protocol.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Closed:
		return ErrSessionClosed
	case HandshakeComplete:
		return s.sealAndEmit(payload)
	case DuringHandshake:
		s.queue = append(s.queue, payload)
		return nil
	case BeforeHandshake:
		s.queue = append(s.queue, payload)
		if s.role == Initiator {
			var authTag [packet.AuthTagSize]byte
			if _, err := crand.Read(authTag[:]); err != nil {
				return fmt.Errorf("generate auth tag: %w", err)
			}
			s.emit(&packet.AuthTagPacket{Tag: s.tag, AuthTag: authTag})
			s.state = DuringHandshake
		}
		return nil
	default:
		return fmt.Errorf("unexpected session state %v", s.state)
	}
}

// HandleInboundPacket advances the state machine with one decoded packet.
func (s *Session) HandleInboundPacket(pkt packet.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return ErrSessionClosed
	}
	if pkt.PacketTag() != s.peerTag {
		s.log.Debug("packet tag does not match peer, dropped")
		return nil
	}

	switch p := pkt.(type) {
	case *packet.AuthTagPacket:
		return s.handleAuthTag(p)
	case *packet.WhoAreYouPacket:
		return s.handleWhoAreYou(p)
	case *packet.AuthHeaderPacket:
		return s.handleAuthHeader(p)
	case *packet.MessagePacket:
		return s.handleMessage(p)
	default:
		return fmt.Errorf("unhandled packet type %T", pkt)
	}
}

// --- Recipient flow ---

func (s *Session) handleAuthTag(p *packet.AuthTagPacket) error {
	if s.role != Recipient || s.state != BeforeHandshake {
		// Duplicate initiation, ignore.
		s.log.Debug("ignoring auth tag packet", "state", s.state.String())
		return nil
	}
	if _, err := crand.Read(s.idNonce[:]); err != nil {
		return fmt.Errorf("generate id nonce: %w", err)
	}
	s.emit(&packet.WhoAreYouPacket{
		Tag:     s.tag,
		Magic:   identity.WhoAreYouMagic(s.remote.ID),
		IDNonce: s.idNonce,
		ENRSeq:  s.remoteENRSeq,
	})
	s.state = DuringHandshake
	return nil
}

func (s *Session) handleAuthHeader(p *packet.AuthHeaderPacket) error {
	if s.role != Recipient || s.state != DuringHandshake {
		s.log.Debug("ignoring auth header packet", "state", s.state.String())
		return nil
	}

	secret, err := ecdhAgreeStatic(s.privateKey, p.EphemeralKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	keys, err := deriveKeys(secret, s.idNonce, s.remote.ID, s.localID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	record, err := openAuthResponse(keys.authRespKey, p.EncryptedAuthResp)
	if err != nil {
		return fmt.Errorf("%w: bad auth response", ErrHandshakeFailed)
	}
	remotePub, err := parsePublicKeyRecord(record, s.remote.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if !verifyIDNonce(remotePub, s.idNonce, p.IDNonceSig) {
		return fmt.Errorf("%w: invalid id nonce signature", ErrHandshakeFailed)
	}

	plaintext, err := openMessage(keys.initiatorKey, p.Tag, p.AuthTag, p.EncryptedMessage)
	if err != nil {
		return fmt.Errorf("%w: embedded message", ErrHandshakeFailed)
	}
	payload, err := protocol.DecodePayload(plaintext)
	if err != nil {
		return fmt.Errorf("%w: embedded message: %v", ErrHandshakeFailed, err)
	}

	s.keys = keys
	s.remote.PublicKey = remotePub
	s.state = HandshakeComplete
	s.lastMessageAt = time.Now()
	s.log.Debug("handshake complete")

	s.deliver(payload)
	return s.flushQueue()
}

// --- Initiator flow ---

func (s *Session) handleWhoAreYou(p *packet.WhoAreYouPacket) error {
	if s.role != Initiator || s.state != DuringHandshake {
		s.log.Debug("ignoring who-are-you packet", "state", s.state.String())
		return nil
	}
	if s.remote.PublicKey == nil {
		return fmt.Errorf("%w: remote public key unknown", ErrHandshakeFailed)
	}

	eph, err := generateEphemeral()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	secret, err := ecdhAgree(eph, s.remote.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	keys, err := deriveKeys(secret, p.IDNonce, s.localID, s.remote.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	sig, err := signIDNonce(s.privateKey, p.IDNonce)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	record := localPublicKeyRecord(s.privateKey)
	authResp, err := sealAuthResponse(keys.authRespKey, record)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if len(s.queue) == 0 {
		return fmt.Errorf("%w: no pending message for auth header", ErrHandshakeFailed)
	}
	first := s.queue[0]
	s.queue = s.queue[1:]
	authTag, ciphertext, err := sealMessage(keys.initiatorKey, s.tag, first.Encode(nil))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	s.emit(&packet.AuthHeaderPacket{
		Tag:               s.tag,
		AuthTag:           authTag,
		IDNonceSig:        sig,
		EphemeralKey:      eph.PublicKey().Bytes(),
		EncryptedAuthResp: authResp,
		EncryptedMessage:  ciphertext,
	})

	s.keys = keys
	s.remoteENRSeq = p.ENRSeq
	s.state = HandshakeComplete
	s.lastMessageAt = time.Now()
	s.log.Debug("handshake complete")

	return s.flushQueue()
}

// --- Post-handshake ---

func (s *Session) handleMessage(p *packet.MessagePacket) error {
	if s.state != HandshakeComplete {
		s.decryptFailures++
		s.log.Debug("message packet before handshake completion, dropped")
		return nil
	}
	key := s.keys.initiatorKey
	if s.role == Initiator {
		key = s.keys.recipientKey
	}
	plaintext, err := openMessage(key, p.Tag, p.AuthTag, p.Ciphertext)
	if err != nil {
		s.decryptFailures++
		return ErrDecryptionFailed
	}
	payload, err := protocol.DecodePayload(plaintext)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	s.lastMessageAt = time.Now()
	s.deliver(payload)
	return nil
}

func (s *Session) sealAndEmit(payload protocol.Payload) error {
	key := s.keys.initiatorKey
	if s.role == Recipient {
		key = s.keys.recipientKey
	}
	authTag, ciphertext, err := sealMessage(key, s.tag, payload.Encode(nil))
	if err != nil {
		return err
	}
	s.emit(&packet.MessagePacket{Tag: s.tag, AuthTag: authTag, Ciphertext: ciphertext})
	s.lastMessageAt = time.Now()
	return nil
}

func (s *Session) flushQueue() error {
	for _, payload := range s.queue {
		if err := s.sealAndEmit(payload); err != nil {
			return err
		}
	}
	s.queue = nil
	return nil
}

// emit and deliver never block: both channels are shared across sessions, and
// a send that parked here while holding s.mu would stall inbound processing
// for every peer. Under pressure the datagram or message is dropped instead,
// which UDP callers must tolerate anyway.

func (s *Session) emit(pkt packet.Packet) {
	select {
	case s.out <- transport.Datagram{Data: pkt.Encode(), Endpoint: s.remote.Endpoint}:
	default:
		s.log.Warn("outbound channel full, packet dropped")
	}
}

func (s *Session) deliver(payload protocol.Payload) {
	select {
	case s.messages <- protocol.Message{Payload: payload, Node: s.remote}:
	default:
		s.log.Warn("message channel full, inbound message dropped")
	}
}
