package client

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/unicornultrafoundation/kadnet/internal/events"
	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
	"github.com/unicornultrafoundation/kadnet/internal/transport"
)

type stack struct {
	identity *identity.Identity
	client   *Client
}

// newStack brings up a transport and client on a loopback port.
func newStack(t *testing.T, ctx context.Context) *stack {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	tr, err := transport.New(0, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })

	c := New(id, tr, events.NewBus(log), log)
	go tr.Run(ctx)
	go c.Run(ctx)
	return &stack{identity: id, client: c}
}

func TestPingPongOverLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newStack(t, ctx)
	b := newStack(t, ctx)

	// b answers pings the way the routing manager would.
	sub := b.client.Subscribe(protocol.MsgPing)
	defer sub.Close()
	go func() {
		for {
			msg, err := sub.Receive(ctx)
			if err != nil {
				return
			}
			b.client.SendPong(msg.Node, msg.Payload.RequestID())
		}
	}()

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()
	pong, err := a.client.Ping(reqCtx, b.client.LocalNode())
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if pong.PacketPort == 0 {
		t.Fatal("pong did not echo an endpoint")
	}

	// Both ends finished the handshake.
	sessA, err := a.client.Pool().GetSession(b.identity.NodeID)
	if err != nil {
		t.Fatal(err)
	}
	if !sessA.IsHandshakeComplete() {
		t.Fatal("initiator session not complete")
	}
	sessB, err := b.client.Pool().GetSession(a.identity.NodeID)
	if err != nil {
		t.Fatal(err)
	}
	if !sessB.IsHandshakeComplete() {
		t.Fatal("recipient session not complete")
	}
}

func TestFindNodesPaginatedOverLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newStack(t, ctx)
	b := newStack(t, ctx)

	// b serves FindNodes with more records than fit in one message.
	count := protocol.MaxFoundNodesPerMessage + 5
	served := make([]identity.Node, count)
	for i := range served {
		id, err := identity.Generate()
		if err != nil {
			t.Fatal(err)
		}
		ep, _ := identity.ParseEndpoint("127.0.0.1:40000")
		served[i] = id.Node(ep)
	}
	sub := b.client.Subscribe(protocol.MsgFindNodes)
	defer sub.Close()
	go func() {
		for {
			msg, err := sub.Receive(ctx)
			if err != nil {
				return
			}
			b.client.SendFoundNodes(msg.Node, msg.Payload.RequestID(), served)
		}
	}()

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()
	found, err := a.client.FindNodes(reqCtx, b.client.LocalNode(), 42)
	if err != nil {
		t.Fatalf("find nodes failed: %v", err)
	}
	if len(found) != count {
		t.Fatalf("got %d nodes, want %d", len(found), count)
	}
	// Discovered nodes become resolvable, public keys included.
	n, ok := a.client.Resolve(served[0].ID)
	if !ok {
		t.Fatal("discovered node not resolvable")
	}
	if n.PublicKey == nil {
		t.Fatal("discovered node lost its public key")
	}
}

func TestRequestTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newStack(t, ctx)
	b := newStack(t, ctx)
	// b never answers: no subscriber is registered.

	reqCtx, reqCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer reqCancel()
	if _, err := a.client.Ping(reqCtx, b.client.LocalNode()); err == nil {
		t.Fatal("ping to a silent peer succeeded")
	}
}
