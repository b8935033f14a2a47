package routing

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
)

func TestPingRoundEvictsUnresponsivePeers(t *testing.T) {
	tab := newTestTable(t)
	fc := newFakeClient(identity.Node{ID: tab.Self()})
	m := NewManager(tab, fc, slog.Default())

	// A full bucket of peers, none responding.
	for i := 0; i < protocol.BucketSize; i++ {
		id := idAtDistance(t, 255, byte(i+1))
		tab.Update(id)
		fc.down[id] = true
	}
	// Two replacement candidates behind them.
	promoted := []identity.NodeID{
		idAtDistance(t, 255, 0xf0),
		idAtDistance(t, 255, 0xf1),
	}
	for _, id := range promoted {
		tab.Update(id)
		fc.down[id] = true
	}

	// Replacements get promoted and probed too; after enough rounds the
	// bucket drains completely.
	for i := 0; i < 3 && !tab.IsEmpty(); i++ {
		m.pingOldestBucket(context.Background())
	}
	if got := len(tab.NodesAtLogDistance(255)); got != 0 {
		t.Fatalf("bucket size after eviction = %d, want 0", got)
	}
	if len(fc.pings) < protocol.BucketSize {
		t.Fatalf("only %d peers were probed", len(fc.pings))
	}
}

func TestPingRoundStopsAtFirstResponder(t *testing.T) {
	tab := newTestTable(t)
	fc := newFakeClient(identity.Node{ID: tab.Self()})
	m := NewManager(tab, fc, slog.Default())

	oldest := idAtDistance(t, 128, 1)
	newest := idAtDistance(t, 128, 2)
	tab.Update(oldest)
	tab.Update(newest)

	// The oldest member answers, so the newer one is never probed.
	m.pingOldestBucket(context.Background())
	if len(fc.pings) != 1 || fc.pings[0] != oldest {
		t.Fatalf("pings = %v, want just %s", fc.pings, oldest.Short())
	}
	if got := len(tab.NodesAtLogDistance(128)); got != 2 {
		t.Fatalf("bucket size = %d, want 2", got)
	}
}

func TestServeFindNodesDistanceZero(t *testing.T) {
	tab := newTestTable(t)
	local := identity.Node{ID: tab.Self()}
	fc := newFakeClient(local)
	m := NewManager(tab, fc, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.serveFindNodes(ctx)

	// Give the daemon a moment to subscribe.
	waitFor(t, func() bool { return deliverFindNodes(fc, 0) })

	waitFor(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.foundSends) > 0
	})
	fc.mu.Lock()
	defer fc.mu.Unlock()
	sent := fc.foundSends[0]
	if len(sent) != 1 || sent[0].ID != local.ID {
		t.Fatalf("distance 0 response = %v, want local node only", sent)
	}
}

func TestServeFindNodesReturnsBucket(t *testing.T) {
	tab := newTestTable(t)
	fc := newFakeClient(identity.Node{ID: tab.Self()})
	m := NewManager(tab, fc, slog.Default())

	a := idAtDistance(t, 99, 1)
	b := idAtDistance(t, 99, 2)
	tab.Update(a)
	tab.Update(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.serveFindNodes(ctx)

	waitFor(t, func() bool { return deliverFindNodes(fc, 99) })
	waitFor(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.foundSends) > 0
	})
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if got := len(fc.foundSends[0]); got != 2 {
		t.Fatalf("bucket response size = %d, want 2", got)
	}
}

func TestServePingEchoesRequestID(t *testing.T) {
	tab := newTestTable(t)
	fc := newFakeClient(identity.Node{ID: tab.Self()})
	m := NewManager(tab, fc, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.servePing(ctx)

	requester := identity.Node{ID: identity.NodeID{0x09}}
	waitFor(t, func() bool {
		fc.dispatcher.Deliver(protocol.Message{
			Payload: protocol.Ping{ReqID: 0xcafebabe},
			Node:    requester,
		})
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.pongs) > 0
	})
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.pongs[0] != 0xcafebabe {
		t.Fatalf("pong rid = %#08x, want 0xcafebabe", fc.pongs[0])
	}
}

// deliverFindNodes injects a FindNodes request; it reports whether any
// subscriber was registered to receive it.
func deliverFindNodes(fc *fakeClient, distance uint16) bool {
	before := fc.dispatcher.Dropped()
	fc.dispatcher.Deliver(protocol.Message{
		Payload: protocol.FindNodes{ReqID: 0x01, Distance: distance},
		Node:    identity.Node{ID: identity.NodeID{0x08}},
	})
	return fc.dispatcher.Dropped() == before
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
