// Package routing holds the k-bucket routing table, the iterative lookup and
// the maintenance daemons.
package routing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/unicornultrafoundation/kadnet/internal/events"
	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
)

type tableEntry struct {
	id   identity.NodeID
	seen time.Time
}

type bucket struct {
	// entries are ordered least-recently-seen first; the tail is the most
	// recent. replacements follow the same order.
	entries      []tableEntry
	replacements []identity.NodeID
}

func (b *bucket) indexOf(id identity.NodeID) int {
	for i, e := range b.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (b *bucket) replacementIndexOf(id identity.NodeID) int {
	for i, r := range b.replacements {
		if r == id {
			return i
		}
	}
	return -1
}

// Table is the 256-bucket XOR routing table. All operations are serialized;
// no reader observes partial state.
type Table struct {
	self identity.NodeID

	mu      sync.Mutex
	buckets [identity.NumBuckets]bucket

	bus *events.Bus
	log *slog.Logger
}

// NewTable creates an empty table centered on self. The bus may be nil.
func NewTable(self identity.NodeID, bus *events.Bus, log *slog.Logger) *Table {
	return &Table{
		self: self,
		bus:  bus,
		log:  log.With("component", "routing-table"),
	}
}

// Self returns the local node ID the table is centered on.
func (t *Table) Self() identity.NodeID { return t.self }

// Update records that the node was seen. Known nodes move to the bucket
// tail; new nodes are appended while the bucket has room and otherwise land
// in the replacement cache.
func (t *Table) Update(id identity.NodeID) {
	if id == t.self {
		return
	}
	d := identity.LogDistance(t.self, id)
	now := time.Now()

	t.mu.Lock()
	b := &t.buckets[d-1]
	if i := b.indexOf(id); i >= 0 {
		b.entries = append(append(b.entries[:i:i], b.entries[i+1:]...), tableEntry{id, now})
		t.mu.Unlock()
		return
	}
	if len(b.entries) < protocol.BucketSize {
		b.entries = append(b.entries, tableEntry{id, now})
		t.mu.Unlock()
		if t.bus != nil {
			t.bus.Emit(events.Event{Type: events.TableInsert, Node: identity.Node{ID: id}})
		}
		return
	}
	if i := b.replacementIndexOf(id); i >= 0 {
		b.replacements = append(append(b.replacements[:i:i], b.replacements[i+1:]...), id)
		t.mu.Unlock()
		return
	}
	b.replacements = append(b.replacements, id)
	if len(b.replacements) > protocol.BucketSize {
		b.replacements = b.replacements[1:]
	}
	t.mu.Unlock()
}

// Remove evicts the node. If the bucket has replacement candidates, the most
// recent one is promoted to the bucket tail so bucket size is preserved.
func (t *Table) Remove(id identity.NodeID) {
	if id == t.self {
		return
	}
	d := identity.LogDistance(t.self, id)

	t.mu.Lock()
	b := &t.buckets[d-1]
	if i := b.replacementIndexOf(id); i >= 0 {
		b.replacements = append(b.replacements[:i:i], b.replacements[i+1:]...)
	}
	i := b.indexOf(id)
	if i < 0 {
		t.mu.Unlock()
		return
	}
	b.entries = append(b.entries[:i:i], b.entries[i+1:]...)
	if n := len(b.replacements); n > 0 {
		promoted := b.replacements[n-1]
		b.replacements = b.replacements[:n-1]
		b.entries = append(b.entries, tableEntry{promoted, time.Now()})
	}
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.Emit(events.Event{Type: events.TableRemove, Node: identity.Node{ID: id}})
	}
}

// Contains reports whether the node sits in a bucket (not the replacement
// cache).
func (t *Table) Contains(id identity.NodeID) bool {
	if id == t.self {
		return false
	}
	d := identity.LogDistance(t.self, id)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buckets[d-1].indexOf(id) >= 0
}

// NodesAtLogDistance returns the bucket contents most-recent-first.
func (t *Table) NodesAtLogDistance(distance int) []identity.NodeID {
	if distance < 1 || distance > identity.NumBuckets {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.buckets[distance-1].entries
	out := make([]identity.NodeID, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e.id
	}
	return out
}

// LeastRecentlyUpdatedLogDistance returns the distance of the non-empty
// bucket whose least-recently-seen entry is oldest. ok is false when the
// table is empty.
func (t *Table) LeastRecentlyUpdatedLogDistance() (distance int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var oldest time.Time
	for i := range t.buckets {
		entries := t.buckets[i].entries
		if len(entries) == 0 {
			continue
		}
		if !ok || entries[0].seen.Before(oldest) {
			oldest = entries[0].seen
			distance = i + 1
			ok = true
		}
	}
	return distance, ok
}

// KClosest returns up to k node IDs closest to target, ties broken bytewise.
func (t *Table) KClosest(target identity.NodeID, k int) []identity.NodeID {
	t.mu.Lock()
	all := make([]identity.NodeID, 0, k)
	for i := range t.buckets {
		for _, e := range t.buckets[i].entries {
			all = append(all, e.id)
		}
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return identity.DistanceCmp(target, all[i], all[j]) < 0
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// IsEmpty reports whether no bucket holds an entry.
func (t *Table) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.buckets {
		if len(t.buckets[i].entries) > 0 {
			return false
		}
	}
	return true
}

// Len returns the total number of bucket entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for i := range t.buckets {
		total += len(t.buckets[i].entries)
	}
	return total
}

// BucketStat describes one non-empty bucket.
type BucketStat struct {
	Distance     int `json:"distance"`
	Entries      int `json:"entries"`
	Replacements int `json:"replacements"`
}

// Stats is a point-in-time routing table summary.
type Stats struct {
	BucketSize        int          `json:"bucket_size"`
	NumBuckets        int          `json:"num_buckets"`
	TotalNodes        int          `json:"total_nodes"`
	TotalReplacements int          `json:"total_replacements"`
	FullBuckets       []int        `json:"full_buckets,omitempty"`
	Buckets           []BucketStat `json:"buckets,omitempty"`
}

// Stats returns per-bucket fill and replacement sizes.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{BucketSize: protocol.BucketSize, NumBuckets: identity.NumBuckets}
	for i := range t.buckets {
		b := &t.buckets[i]
		if len(b.entries) == 0 && len(b.replacements) == 0 {
			continue
		}
		s.TotalNodes += len(b.entries)
		s.TotalReplacements += len(b.replacements)
		if len(b.entries) == protocol.BucketSize {
			s.FullBuckets = append(s.FullBuckets, i+1)
		}
		s.Buckets = append(s.Buckets, BucketStat{
			Distance:     i + 1,
			Entries:      len(b.entries),
			Replacements: len(b.replacements),
		})
	}
	return s
}
