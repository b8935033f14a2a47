package routing

import (
	"context"
	"sort"

	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
)

type candidateState int

const (
	unqueried candidateState = iota
	pending
	responded
	failed
)

type candidate struct {
	node  identity.Node
	state candidateState
}

type lookupResult struct {
	from  identity.NodeID
	nodes []identity.Node
	err   error
}

// Lookup runs the iterative alpha-wide, K-closest expanding search.
// Client.FindNodes is called concurrently for up to LookupConcurrency peers at a time; peers that
// error or time out are marked failed and never re-queried. An empty routing
// table returns an empty result without querying anyone.
func (m *Manager) Lookup(ctx context.Context, target identity.NodeID) []identity.Node {
	cands := make(map[identity.NodeID]*candidate)
	for _, id := range m.table.KClosest(target, protocol.BucketSize) {
		if node, ok := m.client.Resolve(id); ok {
			cands[id] = &candidate{node: node}
		}
	}
	if len(cands) == 0 {
		return nil
	}

	results := make(chan lookupResult)
	inFlight := 0

	// closest returns the K closest candidates, bytewise tie-break.
	closest := func() []*candidate {
		out := make([]*candidate, 0, len(cands))
		for _, c := range cands {
			out = append(out, c)
		}
		sort.Slice(out, func(i, j int) bool {
			return identity.DistanceCmp(target, out[i].node.ID, out[j].node.ID) < 0
		})
		if len(out) > protocol.BucketSize {
			out = out[:protocol.BucketSize]
		}
		return out
	}

	launch := func(c *candidate) {
		c.state = pending
		inFlight++
		node := c.node
		distance := identity.LogDistance(node.ID, target)
		go func() {
			nodes, err := m.client.FindNodes(ctx, node, distance)
			select {
			case results <- lookupResult{from: node.ID, nodes: nodes, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	for {
		settled := true
		launched := 0
		for _, c := range closest() {
			switch c.state {
			case unqueried:
				settled = false
				if inFlight < protocol.LookupConcurrency {
					launch(c)
					launched++
				}
			case pending:
				settled = false
			}
		}
		if settled && inFlight == 0 {
			break
		}
		if launched == 0 && inFlight == 0 {
			// Unqueried candidates remain but nothing can be launched.
			break
		}

		select {
		case res := <-results:
			inFlight--
			c := cands[res.from]
			if res.err != nil {
				c.state = failed
				m.log.Debug("lookup query failed", "peer", res.from.Short(), "err", res.err)
				break
			}
			c.state = responded
			if len(res.nodes) == 0 {
				m.emptyResponses++
			}
			for _, n := range res.nodes {
				if n.ID == m.table.Self() || n.ID == res.from {
					continue
				}
				if _, known := cands[n.ID]; !known {
					cands[n.ID] = &candidate{node: n}
				}
			}
		case <-ctx.Done():
			return m.collectResponded(target, cands)
		}
	}

	return m.collectResponded(target, cands)
}

func (m *Manager) collectResponded(target identity.NodeID, cands map[identity.NodeID]*candidate) []identity.Node {
	out := make([]identity.Node, 0, protocol.BucketSize)
	for _, c := range cands {
		if c.state == responded {
			out = append(out, c.node)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return identity.DistanceCmp(target, out[i].ID, out[j].ID) < 0
	})
	if len(out) > protocol.BucketSize {
		out = out[:protocol.BucketSize]
	}
	return out
}
