package session

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/packet"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
	"github.com/unicornultrafoundation/kadnet/internal/transport"
)

type endpointStack struct {
	identity *identity.Identity
	session  *Session
	out      chan transport.Datagram
	messages chan protocol.Message
	magic    [32]byte
}

// newPair builds a connected initiator/recipient session pair with fresh
// keys. The initiator knows the recipient's static public key up front; the
// recipient learns the initiator's from the auth response.
func newPair(t *testing.T) (*endpointStack, *endpointStack) {
	t.Helper()
	log := slog.Default()

	idI, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	idR, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	epI, _ := identity.ParseEndpoint("127.0.0.1:9001")
	epR, _ := identity.ParseEndpoint("127.0.0.1:9002")

	initiator := &endpointStack{
		identity: idI,
		out:      make(chan transport.Datagram, 64),
		messages: make(chan protocol.Message, 64),
		magic:    identity.WhoAreYouMagic(idI.NodeID),
	}
	recipient := &endpointStack{
		identity: idR,
		out:      make(chan transport.Datagram, 64),
		messages: make(chan protocol.Message, 64),
		magic:    identity.WhoAreYouMagic(idR.NodeID),
	}

	initiator.session = New(Initiator, Config{
		PrivateKey: idI.PrivateKey,
		LocalID:    idI.NodeID,
		Remote:     idR.Node(epR),
		Out:        initiator.out,
		Messages:   initiator.messages,
		Log:        log,
	})
	recipient.session = New(Recipient, Config{
		PrivateKey: idR.PrivateKey,
		LocalID:    idR.NodeID,
		Remote:     identity.Node{ID: idI.NodeID, Endpoint: epI},
		Out:        recipient.out,
		Messages:   recipient.messages,
		Log:        log,
	})
	return initiator, recipient
}

// deliverAll decodes everything queued on from's out channel and feeds it to
// to's session, returning the raw datagrams shuttled.
func deliverAll(t *testing.T, from, to *endpointStack) int {
	t.Helper()
	n := 0
	for {
		select {
		case dgram := <-from.out:
			pkt, err := packet.Decode(dgram.Data, to.magic)
			if err != nil {
				t.Fatalf("decode shuttled packet: %v", err)
			}
			if err := to.session.HandleInboundPacket(pkt); err != nil {
				t.Fatalf("inbound packet: %v", err)
			}
			n++
		default:
			return n
		}
	}
}

func completeHandshake(t *testing.T, initiator, recipient *endpointStack) {
	t.Helper()
	deliverAll(t, initiator, recipient) // AuthTag
	deliverAll(t, recipient, initiator) // WhoAreYou
	deliverAll(t, initiator, recipient) // AuthHeader
}

func TestHandshakeAndEcho(t *testing.T) {
	initiator, recipient := newPair(t)

	ping := protocol.Ping{ReqID: 0x01020304, ENRSeq: 0}
	if err := initiator.session.HandleOutboundMessage(ping); err != nil {
		t.Fatal(err)
	}
	if got := initiator.session.State(); got != DuringHandshake {
		t.Fatalf("initiator state = %v, want during-handshake", got)
	}

	completeHandshake(t, initiator, recipient)

	if got := initiator.session.State(); got != HandshakeComplete {
		t.Fatalf("initiator state = %v, want handshake-complete", got)
	}
	if got := recipient.session.State(); got != HandshakeComplete {
		t.Fatalf("recipient state = %v, want handshake-complete", got)
	}

	select {
	case msg := <-recipient.messages:
		got, ok := msg.Payload.(protocol.Ping)
		if !ok || got != ping {
			t.Fatalf("recipient got %v, want %v", msg.Payload, ping)
		}
		if msg.Node.ID != initiator.identity.NodeID {
			t.Fatalf("message attributed to %s, want %s", msg.Node.ID, initiator.identity.NodeID)
		}
	default:
		t.Fatal("recipient did not receive the handshake message")
	}

	// Echo a pong back over the established keys.
	pong := protocol.Pong{ReqID: 0x01020304, ENRSeq: 1, PacketPort: 9001}
	if err := recipient.session.HandleOutboundMessage(pong); err != nil {
		t.Fatal(err)
	}
	deliverAll(t, recipient, initiator)

	select {
	case msg := <-initiator.messages:
		got, ok := msg.Payload.(protocol.Pong)
		if !ok || got.ReqID != pong.ReqID || got.ENRSeq != pong.ENRSeq {
			t.Fatalf("initiator got %v, want %v", msg.Payload, pong)
		}
	default:
		t.Fatal("initiator did not receive the pong")
	}
}

func TestQueuedMessagesFlushInOrder(t *testing.T) {
	initiator, recipient := newPair(t)

	// Accept several messages before the handshake can complete.
	for i := uint32(1); i <= 5; i++ {
		if err := initiator.session.HandleOutboundMessage(protocol.Ping{ReqID: i}); err != nil {
			t.Fatal(err)
		}
	}

	completeHandshake(t, initiator, recipient)
	deliverAll(t, initiator, recipient) // queued messages flushed at completion

	for want := uint32(1); want <= 5; want++ {
		select {
		case msg := <-recipient.messages:
			if got := msg.Payload.RequestID(); got != want {
				t.Fatalf("message order broken: got rid %d, want %d", got, want)
			}
		default:
			t.Fatalf("missing message %d", want)
		}
	}
}

func TestRecipientQueuesUntilComplete(t *testing.T) {
	initiator, recipient := newPair(t)

	// The recipient has traffic to send before any handshake exists.
	if err := recipient.session.HandleOutboundMessage(protocol.Ping{ReqID: 7}); err != nil {
		t.Fatal(err)
	}
	if n := len(recipient.out); n != 0 {
		t.Fatalf("recipient emitted %d packets before handshake", n)
	}

	if err := initiator.session.HandleOutboundMessage(protocol.Ping{ReqID: 1}); err != nil {
		t.Fatal(err)
	}
	completeHandshake(t, initiator, recipient)

	// Completion must flush the recipient's queue.
	deliverAll(t, recipient, initiator)
	select {
	case msg := <-initiator.messages:
		if msg.Payload.RequestID() != 7 {
			t.Fatalf("got rid %d, want 7", msg.Payload.RequestID())
		}
	default:
		t.Fatal("queued recipient message was not flushed")
	}
}

func TestDecryptionFailurePreservesSession(t *testing.T) {
	initiator, recipient := newPair(t)
	if err := initiator.session.HandleOutboundMessage(protocol.Ping{ReqID: 1}); err != nil {
		t.Fatal(err)
	}
	completeHandshake(t, initiator, recipient)
	drain(recipient.messages)

	if err := initiator.session.HandleOutboundMessage(protocol.Ping{ReqID: 2}); err != nil {
		t.Fatal(err)
	}
	dgram := <-initiator.out
	// Corrupt one ciphertext byte.
	dgram.Data[len(dgram.Data)-1] ^= 0xff
	pkt, err := packet.Decode(dgram.Data, recipient.magic)
	if err != nil {
		t.Fatal(err)
	}
	if err := recipient.session.HandleInboundPacket(pkt); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
	if got := recipient.session.DecryptFailures(); got != 1 {
		t.Fatalf("decrypt failures = %d, want 1", got)
	}
	if recipient.session.State() != HandshakeComplete {
		t.Fatal("session must survive a decryption failure")
	}

	// The next healthy message still goes through.
	if err := initiator.session.HandleOutboundMessage(protocol.Ping{ReqID: 3}); err != nil {
		t.Fatal(err)
	}
	deliverAll(t, initiator, recipient)
	select {
	case msg := <-recipient.messages:
		if msg.Payload.RequestID() != 3 {
			t.Fatalf("got rid %d, want 3", msg.Payload.RequestID())
		}
	default:
		t.Fatal("session stopped delivering after a decryption failure")
	}
}

func TestTamperedSignatureFailsHandshake(t *testing.T) {
	initiator, recipient := newPair(t)
	if err := initiator.session.HandleOutboundMessage(protocol.Ping{ReqID: 1}); err != nil {
		t.Fatal(err)
	}
	deliverAll(t, initiator, recipient)
	deliverAll(t, recipient, initiator)

	dgram := <-initiator.out // AuthHeader
	pkt, err := packet.Decode(dgram.Data, recipient.magic)
	if err != nil {
		t.Fatal(err)
	}
	header := pkt.(*packet.AuthHeaderPacket)
	header.IDNonceSig[0] ^= 0xff

	if err := recipient.session.HandleInboundPacket(header); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("err = %v, want ErrHandshakeFailed", err)
	}
}

func TestDuplicateAuthTagIgnored(t *testing.T) {
	initiator, recipient := newPair(t)
	if err := initiator.session.HandleOutboundMessage(protocol.Ping{ReqID: 1}); err != nil {
		t.Fatal(err)
	}
	dgram := <-initiator.out
	pkt, err := packet.Decode(dgram.Data, recipient.magic)
	if err != nil {
		t.Fatal(err)
	}
	if err := recipient.session.HandleInboundPacket(pkt); err != nil {
		t.Fatal(err)
	}
	// A duplicate initiation must not produce a second challenge.
	if err := recipient.session.HandleInboundPacket(pkt); err != nil {
		t.Fatal(err)
	}
	if n := len(recipient.out); n != 1 {
		t.Fatalf("recipient sent %d challenges, want 1", n)
	}
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	initiator, _ := newPair(t)
	initiator.session.Close()
	err := initiator.session.HandleOutboundMessage(protocol.Ping{ReqID: 1})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
	if err := initiator.session.HandleInboundPacket(&packet.AuthTagPacket{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func drain(ch chan protocol.Message) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
