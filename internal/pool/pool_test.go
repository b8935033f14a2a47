package pool

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/unicornultrafoundation/kadnet/internal/events"
	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
	"github.com/unicornultrafoundation/kadnet/internal/transport"
)

func newTestPool(t *testing.T) (*Pool, *events.Bus) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus(slog.Default())
	out := make(chan transport.Datagram, 64)
	messages := make(chan protocol.Message, 64)
	return New(id.PrivateKey, out, messages, bus, slog.Default()), bus
}

func testNode(t *testing.T) identity.Node {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	ep, _ := identity.ParseEndpoint("127.0.0.1:9000")
	return id.Node(ep)
}

func TestDuplicateSessionRejected(t *testing.T) {
	p, _ := newTestPool(t)
	remote := testNode(t)

	first, err := p.CreateSession(remote, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.CreateSession(remote, false); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("err = %v, want ErrDuplicateSession", err)
	}

	// Only the first registration survives.
	got, err := p.GetSession(remote.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != first.ID() {
		t.Fatal("duplicate create replaced the original session")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	p, _ := newTestPool(t)
	if _, err := p.GetSession(identity.NodeID{0x01}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestRemoveSessionByUUID(t *testing.T) {
	p, _ := newTestPool(t)
	remote := testNode(t)

	s, err := p.CreateSession(remote, true)
	if err != nil {
		t.Fatal(err)
	}
	if !p.RemoveSession(s.ID()) {
		t.Fatal("remove reported no session")
	}
	if p.HasSession(remote.ID) {
		t.Fatal("session still registered after removal")
	}
	// Missing sessions are tolerated.
	if p.RemoveSession(uuid.New()) {
		t.Fatal("remove of unknown uuid reported success")
	}
	// A new session for the same node is allowed again.
	if _, err := p.CreateSession(remote, false); err != nil {
		t.Fatal(err)
	}
}

func TestIdleSessions(t *testing.T) {
	p, _ := newTestPool(t)
	if _, err := p.CreateSession(testNode(t), true); err != nil {
		t.Fatal(err)
	}
	// A freshly created session is not idle.
	if idle := p.IdleSessions(); len(idle) != 0 {
		t.Fatalf("idle sessions = %d, want 0", len(idle))
	}
}

func TestNewSessionEvent(t *testing.T) {
	p, bus := newTestPool(t)
	sub := bus.Subscribe(events.NewSession)
	defer sub.Close()

	remote := testNode(t)
	s, err := p.CreateSession(remote, true)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sub.Ch():
		if ev.NodeID != remote.ID || ev.SessionID != s.ID() {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no new-session event emitted")
	}
}
