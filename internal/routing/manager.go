package routing

import (
	"context"
	crand "crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/unicornultrafoundation/kadnet/internal/dispatch"
	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
)

// Client is the messaging surface the manager drives.
type Client interface {
	LocalNode() identity.Node
	Ping(ctx context.Context, node identity.Node) (protocol.Pong, error)
	FindNodes(ctx context.Context, node identity.Node, distance int) ([]identity.Node, error)
	SendPong(node identity.Node, requestID uint32) error
	SendFoundNodes(node identity.Node, requestID uint32, nodes []identity.Node) error
	Subscribe(messageID byte) *dispatch.Subscription
	// Resolve maps a node ID to a full descriptor, when known.
	Resolve(id identity.NodeID) (identity.Node, bool)
}

// Manager keeps the routing table alive: it pings stale buckets, walks the
// keyspace with random lookups, and answers Ping and FindNodes requests.
type Manager struct {
	table  *Table
	client Client
	log    *slog.Logger

	emptyResponses int

	pingInterval   time.Duration
	lookupInterval time.Duration
	statusInterval time.Duration
}

// NewManager wires a manager to its table and client.
func NewManager(table *Table, client Client, log *slog.Logger) *Manager {
	return &Manager{
		table:          table,
		client:         client,
		log:            log.With("component", "routing-manager"),
		pingInterval:   protocol.TablePingInterval,
		lookupInterval: protocol.TableLookupInterval,
		statusInterval: protocol.StatusInterval,
	}
}

// Run starts the five daemons and blocks until ctx is cancelled and they have
// all stopped.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, daemon := range []func(context.Context){
		m.pingLoop,
		m.lookupLoop,
		m.serveFindNodes,
		m.servePing,
		m.statusLoop,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(daemon)
	}
	wg.Wait()
}

// pingLoop probes the least-recently-updated bucket, oldest member first.
// The first member that answers ends the round; silent members are evicted.
func (m *Manager) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pingOldestBucket(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) pingOldestBucket(ctx context.Context) {
	distance, ok := m.table.LeastRecentlyUpdatedLogDistance()
	if !ok {
		m.log.Warn("routing table is empty, no one to ping")
		return
	}
	members := m.table.NodesAtLogDistance(distance)
	// Most-recent-first; walk from the oldest end.
	for i := len(members) - 1; i >= 0; i-- {
		id := members[i]
		node, known := m.client.Resolve(id)
		if !known {
			m.table.Remove(id)
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, protocol.PingTimeout)
		_, err := m.client.Ping(pingCtx, node)
		cancel()
		if err == nil {
			m.table.Update(id)
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.log.Debug("node did not respond to ping, removing", "peer", id.Short())
		m.table.Remove(id)
	}
}

// lookupLoop walks toward a random target and verifies what it finds.
func (m *Manager) lookupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.lookupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if m.table.IsEmpty() {
				m.log.Debug("skipping scheduled lookup, routing table empty")
				continue
			}
			var target identity.NodeID
			if _, err := crand.Read(target[:]); err != nil {
				continue
			}
			found := m.Lookup(ctx, target)
			m.log.Debug("lookup finished", "target", target.Short(), "found", len(found))
			for _, node := range found {
				go m.verifyNode(ctx, node)
			}
		case <-ctx.Done():
			return
		}
	}
}

// verifyNode admits a discovered node only after it answers a single ping.
func (m *Manager) verifyNode(ctx context.Context, node identity.Node) {
	if node.ID == m.table.Self() || m.table.Contains(node.ID) {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, protocol.PingTimeout)
	defer cancel()
	if _, err := m.client.Ping(pingCtx, node); err != nil {
		m.log.Debug("node verification failed", "peer", node.ID.Short(), "err", err)
		return
	}
	m.table.Update(node.ID)
}

// serveFindNodes answers FindNodes requests. Distance zero returns only the
// local node record.
func (m *Manager) serveFindNodes(ctx context.Context) {
	sub := m.client.Subscribe(protocol.MsgFindNodes)
	defer sub.Close()
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			return
		}
		req, ok := msg.Payload.(protocol.FindNodes)
		if !ok {
			continue
		}
		var found []identity.Node
		if req.Distance == 0 {
			found = []identity.Node{m.client.LocalNode()}
		} else {
			for _, id := range m.table.NodesAtLogDistance(int(req.Distance)) {
				if node, known := m.client.Resolve(id); known {
					found = append(found, node)
				}
			}
		}
		m.log.Debug("serving find nodes", "peer", msg.Node.ID.Short(), "distance", req.Distance, "found", len(found))
		if err := m.client.SendFoundNodes(msg.Node, req.ReqID, found); err != nil {
			m.log.Debug("send found nodes failed", "peer", msg.Node.ID.Short(), "err", err)
		}
	}
}

// servePing answers Ping with a Pong echoing the request id.
func (m *Manager) servePing(ctx context.Context) {
	sub := m.client.Subscribe(protocol.MsgPing)
	defer sub.Close()
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			return
		}
		if err := m.client.SendPong(msg.Node, msg.Payload.RequestID()); err != nil {
			m.log.Debug("send pong failed", "peer", msg.Node.ID.Short(), "err", err)
		}
	}
}

// statusLoop reports table statistics; observational only.
func (m *Manager) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(m.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := m.table.Stats()
			m.log.Info("routing table status",
				"nodes", stats.TotalNodes,
				"full_buckets", len(stats.FullBuckets),
				"replacements", stats.TotalReplacements,
			)
		case <-ctx.Done():
			return
		}
	}
}
