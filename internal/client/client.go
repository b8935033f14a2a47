// Package client wires the transport, session pool and dispatcher into a
// messaging surface: typed requests out, decrypted messages in.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unicornultrafoundation/kadnet/internal/dispatch"
	"github.com/unicornultrafoundation/kadnet/internal/events"
	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/packet"
	"github.com/unicornultrafoundation/kadnet/internal/pool"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
	"github.com/unicornultrafoundation/kadnet/internal/session"
	"github.com/unicornultrafoundation/kadnet/internal/transport"
)

const messageBuffer = 1024

// idleSweepInterval is how often the pool is scanned for idle sessions.
const idleSweepInterval = 15 * time.Second

// Counters tracks dropped traffic; observational.
type Counters struct {
	MalformedPackets int
	UnknownSender    int
	DecryptFailures  int
	UnknownMessages  int
}

// Client turns datagrams into messages and back.
type Client struct {
	identity   *identity.Identity
	dispatcher *dispatch.Dispatcher
	pool       *pool.Pool
	bus        *events.Bus
	log        *slog.Logger

	inbound  <-chan transport.Datagram
	messages chan protocol.Message
	magic    [32]byte

	mu        sync.RWMutex
	localNode identity.Node
	enrSeq    uint64
	nodes     map[identity.NodeID]identity.Node
	counters  Counters
}

// New builds a client on top of a running transport.
func New(id *identity.Identity, tr *transport.Transport, bus *events.Bus, log *slog.Logger) *Client {
	messages := make(chan protocol.Message, messageBuffer)
	c := &Client{
		identity:   id,
		dispatcher: dispatch.New(log),
		pool:       pool.New(id.PrivateKey, tr.Outbound(), messages, bus, log),
		bus:        bus,
		log:        log.With("component", "client"),
		inbound:    tr.Inbound(),
		messages:   messages,
		magic:      identity.WhoAreYouMagic(id.NodeID),
		localNode:  id.Node(tr.LocalEndpoint()),
		nodes:      make(map[identity.NodeID]identity.Node),
	}
	return c
}

// Run pumps inbound datagrams and messages until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for {
			select {
			case dgram := <-c.inbound:
				c.handleDatagram(dgram)
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case msg := <-c.messages:
				c.remember(msg.Node)
				c.dispatcher.Deliver(msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(idleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range c.pool.IdleSessions() {
					c.log.Debug("evicting idle session", "peer", s.RemoteNodeID().Short())
					c.pool.RemoveSession(s.ID())
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	wg.Wait()
}

// LocalNode returns the local node record.
func (c *Client) LocalNode() identity.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localNode
}

// SetAdvertisedEndpoint replaces the endpoint in the local node record, e.g.
// after STUN discovery.
func (c *Client) SetAdvertisedEndpoint(ep identity.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localNode.Endpoint = ep
}

// Pool exposes the session pool.
func (c *Client) Pool() *pool.Pool { return c.pool }

// Counters returns a snapshot of the drop counters.
func (c *Client) Counters() Counters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters
}

// Subscribe registers for inbound messages of one type.
func (c *Client) Subscribe(messageID byte) *dispatch.Subscription {
	return c.dispatcher.Subscribe(messageID)
}

// Resolve returns the full descriptor for a known node ID.
func (c *Client) Resolve(id identity.NodeID) (identity.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok
}

// KnownNodes returns a snapshot of the node registry.
func (c *Client) KnownNodes() []identity.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]identity.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out
}

// AddNode records a node descriptor learned out of band (bootstrap lists,
// the record store).
func (c *Client) AddNode(n identity.Node) {
	c.remember(n)
}

func (c *Client) remember(n identity.Node) {
	if n.ID == c.identity.NodeID || n.ID.IsZero() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.nodes[n.ID]
	if ok {
		if n.PublicKey == nil {
			n.PublicKey = prev.PublicKey
		}
		if n.Endpoint.IsZero() {
			n.Endpoint = prev.Endpoint
		}
	}
	c.nodes[n.ID] = n
}

// --- Inbound path ---

func (c *Client) handleDatagram(dgram transport.Datagram) {
	pkt, err := packet.Decode(dgram.Data, c.magic)
	if err != nil {
		c.count(func(ct *Counters) { ct.MalformedPackets++ })
		c.log.Debug("dropping malformed packet", "endpoint", dgram.Endpoint, "err", err)
		return
	}
	sender := identity.SenderFromTag(pkt.PacketTag(), c.identity.NodeID)

	sess, err := c.pool.GetSession(sender)
	if err != nil {
		if _, isAuthTag := pkt.(*packet.AuthTagPacket); !isAuthTag {
			c.count(func(ct *Counters) { ct.UnknownSender++ })
			c.log.Debug("packet for unknown session dropped", "peer", sender.Short())
			return
		}
		remote := identity.Node{ID: sender, Endpoint: dgram.Endpoint}
		if known, ok := c.Resolve(sender); ok {
			remote.PublicKey = known.PublicKey
		}
		sess, err = c.pool.CreateSession(remote, false)
		if err != nil {
			// Lost a race with another datagram; use the winner.
			sess, err = c.pool.GetSession(sender)
			if err != nil {
				return
			}
		}
	}

	switch err := sess.HandleInboundPacket(pkt); {
	case err == nil:
	case errors.Is(err, session.ErrHandshakeFailed):
		c.log.Warn("handshake failed, destroying session", "peer", sender.Short(), "err", err)
		c.pool.RemoveSession(sess.ID())
	case errors.Is(err, session.ErrDecryptionFailed):
		c.count(func(ct *Counters) { ct.DecryptFailures++ })
		c.log.Debug("undecryptable message dropped", "peer", sender.Short())
	case errors.Is(err, protocol.ErrUnknownMessage):
		c.count(func(ct *Counters) { ct.UnknownMessages++ })
		c.log.Debug("unknown message id dropped", "peer", sender.Short())
	default:
		c.log.Debug("inbound packet error", "peer", sender.Short(), "err", err)
	}
}

func (c *Client) count(f func(*Counters)) {
	c.mu.Lock()
	f(&c.counters)
	c.mu.Unlock()
}

// --- Outbound path ---

// send hands a payload to the peer's session, creating an initiator session
// if none exists.
func (c *Client) send(node identity.Node, payload protocol.Payload) error {
	sess, err := c.pool.GetSession(node.ID)
	if errors.Is(err, pool.ErrSessionNotFound) {
		sess, err = c.pool.CreateSession(node, true)
		if errors.Is(err, pool.ErrDuplicateSession) {
			sess, err = c.pool.GetSession(node.ID)
		}
	}
	if err != nil {
		return err
	}
	if err := sess.HandleOutboundMessage(payload); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			c.pool.RemoveSession(sess.ID())
		}
		return fmt.Errorf("send to %s: %w", node.ID.Short(), err)
	}
	return nil
}

// Ping sends a Ping and waits for the matching Pong.
func (c *Client) Ping(ctx context.Context, node identity.Node) (protocol.Pong, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, protocol.RequestTimeout)
		defer cancel()
	}
	w, err := c.dispatcher.Expect(node.ID, protocol.MsgPong, false)
	if err != nil {
		return protocol.Pong{}, err
	}
	c.mu.RLock()
	enrSeq := c.enrSeq
	c.mu.RUnlock()
	if err := c.send(node, protocol.Ping{ReqID: w.RequestID(), ENRSeq: enrSeq}); err != nil {
		w.Cancel()
		return protocol.Pong{}, err
	}
	msg, err := w.Wait(ctx)
	if err != nil {
		return protocol.Pong{}, err
	}
	pong, ok := msg.Payload.(protocol.Pong)
	if !ok {
		return protocol.Pong{}, fmt.Errorf("unexpected response %#02x to ping", msg.Payload.MessageID())
	}
	c.remember(node)
	return pong, nil
}

// FindNodes asks a peer for its bucket at the given distance and collects the
// full, possibly paginated, response.
func (c *Client) FindNodes(ctx context.Context, node identity.Node, distance int) ([]identity.Node, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, protocol.RequestTimeout)
		defer cancel()
	}
	w, err := c.dispatcher.Expect(node.ID, protocol.MsgFoundNodes, true)
	if err != nil {
		return nil, err
	}
	defer w.Cancel()

	if err := c.send(node, protocol.FindNodes{ReqID: w.RequestID(), Distance: uint16(distance)}); err != nil {
		return nil, err
	}

	seen := make(map[identity.NodeID]identity.Node)
	pages := 0
	total := -1
	for total < 0 || pages < total {
		msg, err := w.Wait(ctx)
		if err != nil {
			return nil, err
		}
		found, ok := msg.Payload.(protocol.FoundNodes)
		if !ok {
			continue
		}
		pages++
		if total < 0 {
			total = int(found.Total)
		}
		for _, rec := range found.Records {
			n := rec.Node()
			if n.ID == c.identity.NodeID {
				continue
			}
			seen[n.ID] = n
			c.remember(n)
		}
		if total == 0 {
			break
		}
	}

	out := make([]identity.Node, 0, len(seen))
	for _, n := range seen {
		out = append(out, n)
	}
	return out, nil
}

// SendPong answers a Ping, echoing the request id and the endpoint the
// ping arrived from.
func (c *Client) SendPong(node identity.Node, requestID uint32) error {
	c.mu.RLock()
	enrSeq := c.enrSeq
	c.mu.RUnlock()
	return c.send(node, protocol.Pong{
		ReqID:      requestID,
		ENRSeq:     enrSeq,
		PacketIP:   node.Endpoint.IP,
		PacketPort: node.Endpoint.Port,
	})
}

// SendFoundNodes answers a FindNodes request, splitting the records so every
// packet stays under the MTU.
func (c *Client) SendFoundNodes(node identity.Node, requestID uint32, nodes []identity.Node) error {
	records := make([]protocol.NodeRecord, len(nodes))
	for i, n := range nodes {
		records[i] = protocol.RecordFromNode(n)
	}
	pages := (len(records) + protocol.MaxFoundNodesPerMessage - 1) / protocol.MaxFoundNodesPerMessage
	if pages == 0 {
		pages = 1
	}
	for i := 0; i < pages; i++ {
		lo := i * protocol.MaxFoundNodesPerMessage
		hi := min(lo+protocol.MaxFoundNodesPerMessage, len(records))
		err := c.send(node, protocol.FoundNodes{
			ReqID:   requestID,
			Total:   uint8(pages),
			Records: records[lo:hi],
		})
		if err != nil {
			return err
		}
	}
	return nil
}
