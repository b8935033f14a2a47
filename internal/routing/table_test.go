package routing

import (
	crand "crypto/rand"
	"log/slog"
	"testing"

	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	var self identity.NodeID
	return NewTable(self, nil, slog.Default())
}

// idAtDistance builds a node ID at an exact log distance from self (all-zero
// self in these tests).
func idAtDistance(t *testing.T, distance int, fill byte) identity.NodeID {
	t.Helper()
	var id identity.NodeID
	bit := distance - 1
	id[identity.NodeIDSize-1-bit/8] |= 1 << (bit % 8)
	// Vary low bits without crossing the distance boundary.
	if bit >= 8 {
		id[identity.NodeIDSize-1] = fill
	}
	if got := identity.LogDistance(identity.NodeID{}, id); got != distance {
		t.Fatalf("constructed id at distance %d, want %d", got, distance)
	}
	return id
}

func randomID(t *testing.T) identity.NodeID {
	t.Helper()
	var id identity.NodeID
	if _, err := crand.Read(id[:]); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestUpdateIgnoresSelf(t *testing.T) {
	tab := newTestTable(t)
	tab.Update(tab.Self())
	if !tab.IsEmpty() {
		t.Fatal("table admitted its own node id")
	}
}

func TestBucketIndexInvariant(t *testing.T) {
	tab := newTestTable(t)
	for i := 0; i < 200; i++ {
		tab.Update(randomID(t))
	}
	for d := 1; d <= identity.NumBuckets; d++ {
		for _, id := range tab.NodesAtLogDistance(d) {
			if got := identity.LogDistance(tab.Self(), id); got != d {
				t.Fatalf("node %s in bucket %d has distance %d", id.Short(), d, got)
			}
		}
	}
}

func TestUpdateRecency(t *testing.T) {
	tab := newTestTable(t)
	a := idAtDistance(t, 200, 1)
	b := idAtDistance(t, 200, 2)
	c := idAtDistance(t, 200, 3)

	tab.Update(a)
	tab.Update(b)
	tab.Update(c)
	// Refresh a; it must move to the most-recent position.
	tab.Update(a)

	got := tab.NodesAtLogDistance(200)
	want := []identity.NodeID{a, c, b} // most-recent-first
	if len(got) != len(want) {
		t.Fatalf("bucket size = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, got[i].Short(), want[i].Short())
		}
	}
}

func TestUpdateIdempotentUpToRecency(t *testing.T) {
	tab := newTestTable(t)
	a := idAtDistance(t, 100, 1)
	tab.Update(idAtDistance(t, 100, 2))
	for i := 0; i < 3; i++ {
		tab.Update(a)
		if got := tab.NodesAtLogDistance(100)[0]; got != a {
			t.Fatalf("node not at most-recent position after update %d", i)
		}
		if tab.Len() != 2 {
			t.Fatalf("repeated update changed table size to %d", tab.Len())
		}
	}
}

func TestFullBucketGoesToReplacementCache(t *testing.T) {
	tab := newTestTable(t)
	members := make([]identity.NodeID, 0, protocol.BucketSize)
	for i := 0; i < protocol.BucketSize; i++ {
		id := idAtDistance(t, 250, byte(i+1))
		members = append(members, id)
		tab.Update(id)
	}
	overflow := idAtDistance(t, 250, 0xfe)
	tab.Update(overflow)

	if got := len(tab.NodesAtLogDistance(250)); got != protocol.BucketSize {
		t.Fatalf("bucket size = %d, want %d", got, protocol.BucketSize)
	}
	if tab.Contains(overflow) {
		t.Fatal("overflow node admitted to a full bucket")
	}
	stats := tab.Stats()
	if stats.TotalReplacements != 1 {
		t.Fatalf("replacements = %d, want 1", stats.TotalReplacements)
	}

	// Eviction promotes the replacement and keeps the bucket full.
	tab.Remove(members[0])
	if got := len(tab.NodesAtLogDistance(250)); got != protocol.BucketSize {
		t.Fatalf("bucket size after remove = %d, want %d", got, protocol.BucketSize)
	}
	if !tab.Contains(overflow) {
		t.Fatal("replacement candidate was not promoted")
	}
}

func TestRemoveWithoutReplacementShrinksBucket(t *testing.T) {
	tab := newTestTable(t)
	a := idAtDistance(t, 50, 1)
	b := idAtDistance(t, 50, 2)
	tab.Update(a)
	tab.Update(b)
	tab.Remove(a)
	got := tab.NodesAtLogDistance(50)
	if len(got) != 1 || got[0] != b {
		t.Fatalf("bucket after remove = %v", got)
	}
	// Removing an absent node is harmless.
	tab.Remove(a)
	if len(tab.NodesAtLogDistance(50)) != 1 {
		t.Fatal("second remove changed the bucket")
	}
}

func TestLeastRecentlyUpdatedLogDistance(t *testing.T) {
	tab := newTestTable(t)
	if _, ok := tab.LeastRecentlyUpdatedLogDistance(); ok {
		t.Fatal("empty table reported a bucket")
	}

	stale := idAtDistance(t, 10, 1)
	tab.Update(stale)
	tab.Update(idAtDistance(t, 20, 1))
	// Refreshing the newer bucket must leave the stale one oldest.
	tab.Update(idAtDistance(t, 20, 2))

	d, ok := tab.LeastRecentlyUpdatedLogDistance()
	if !ok || d != 10 {
		t.Fatalf("least recently updated distance = %d (%v), want 10", d, ok)
	}
	// Refreshing the stale bucket flips the answer.
	tab.Update(stale)
	d, _ = tab.LeastRecentlyUpdatedLogDistance()
	if d != 20 {
		t.Fatalf("least recently updated distance = %d, want 20", d)
	}
}

func TestKClosestOrdering(t *testing.T) {
	tab := newTestTable(t)
	for i := 0; i < 100; i++ {
		tab.Update(randomID(t))
	}
	target := randomID(t)
	closest := tab.KClosest(target, protocol.BucketSize)
	for i := 1; i < len(closest); i++ {
		if identity.DistanceCmp(target, closest[i-1], closest[i]) > 0 {
			t.Fatal("k-closest result is not sorted by distance")
		}
	}
}

func TestReplacementCacheBounded(t *testing.T) {
	tab := newTestTable(t)
	for i := 0; i < protocol.BucketSize; i++ {
		tab.Update(idAtDistance(t, 240, byte(i+1)))
	}
	for i := 0; i < protocol.BucketSize+8; i++ {
		tab.Update(idAtDistance(t, 240, byte(100+i)))
	}
	stats := tab.Stats()
	if stats.TotalReplacements != protocol.BucketSize {
		t.Fatalf("replacement cache size = %d, want %d", stats.TotalReplacements, protocol.BucketSize)
	}
}
