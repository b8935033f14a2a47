// Package node assembles the full discovery node: identity, transport,
// client, routing daemons, persistence and the admin API.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/unicornultrafoundation/kadnet/internal/api"
	"github.com/unicornultrafoundation/kadnet/internal/client"
	"github.com/unicornultrafoundation/kadnet/internal/config"
	"github.com/unicornultrafoundation/kadnet/internal/events"
	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/natprobe"
	"github.com/unicornultrafoundation/kadnet/internal/routing"
	"github.com/unicornultrafoundation/kadnet/internal/store"
	"github.com/unicornultrafoundation/kadnet/internal/transport"
)

const bootstrapReload = 32

// Node is the running service.
type Node struct {
	cfg       *config.Config
	identity  *identity.Identity
	transport *transport.Transport
	client    *client.Client
	table     *routing.Table
	manager   *routing.Manager
	bus       *events.Bus
	store     *store.Store
	api       *api.Server
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a node from its configuration.
func New(cfg *config.Config, log *slog.Logger) (*Node, error) {
	id, err := identity.LoadOrGenerate(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	log.Info("identity loaded", "node", id.NodeID.Short())

	tr, err := transport.New(cfg.ListenPort, log)
	if err != nil {
		return nil, fmt.Errorf("start transport: %w", err)
	}

	bus := events.NewBus(log)
	cl := client.New(id, tr, bus, log)
	table := routing.NewTable(id.NodeID, bus, log)
	manager := routing.NewManager(table, cl, log)

	n := &Node{
		cfg:       cfg,
		identity:  id,
		transport: tr,
		client:    cl,
		table:     table,
		manager:   manager,
		bus:       bus,
		log:       log,
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if cfg.Database != "" {
		st, err := store.Open(cfg.Database)
		if err != nil {
			tr.Close()
			return nil, err
		}
		n.store = st
	}

	if cfg.API.Enabled {
		srv, err := api.New(cfg.API, cl, table, manager, bus, log)
		if err != nil {
			tr.Close()
			return nil, err
		}
		n.api = srv
	}
	return n, nil
}

// Identity returns the node's identity.
func (n *Node) Identity() *identity.Identity { return n.identity }

// Client returns the messaging client.
func (n *Node) Client() *client.Client { return n.client }

// Table returns the routing table.
func (n *Node) Table() *routing.Table { return n.table }

// Start launches all subsystems.
func (n *Node) Start() error {
	if len(n.cfg.STUNServers) > 0 {
		prober := natprobe.New(n.cfg.STUNServers, n.log)
		if ep, err := prober.PublicEndpoint(); err == nil {
			n.client.SetAdvertisedEndpoint(ep)
		} else {
			n.log.Debug("public endpoint discovery failed", "err", err)
		}
	}

	n.run(func(ctx context.Context) { n.transport.Run(ctx) })
	n.run(func(ctx context.Context) { n.client.Run(ctx) })
	n.run(func(ctx context.Context) { n.manager.Run(ctx) })
	if n.api != nil {
		n.run(func(ctx context.Context) { n.api.Run(ctx) })
	}
	if n.store != nil {
		n.run(n.persistLoop)
	}
	n.run(n.bootstrap)

	n.log.Info("node started",
		"node", n.identity.NodeID.Short(),
		"endpoint", n.client.LocalNode().Endpoint,
	)
	return nil
}

// Stop shuts the node down and waits for all daemons.
func (n *Node) Stop() {
	n.log.Info("node stopping")
	n.cancel()
	n.transport.Close()
	n.wg.Wait()
	n.log.Info("node stopped")
}

func (n *Node) run(f func(context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		f(n.ctx)
	}()
}

// bootstrap seeds the node registry from config and the record store, then
// verifies each candidate with a ping.
func (n *Node) bootstrap(ctx context.Context) {
	var candidates []identity.Node
	for _, entry := range n.cfg.Bootstrap {
		node, err := ParseBootstrapEntry(entry)
		if err != nil {
			n.log.Warn("invalid bootstrap entry", "entry", entry, "err", err)
			continue
		}
		candidates = append(candidates, node)
	}
	if n.store != nil {
		if stored, err := n.store.Recent(bootstrapReload); err == nil {
			candidates = append(candidates, stored...)
		}
	}

	for _, node := range candidates {
		if node.ID == n.identity.NodeID {
			continue
		}
		n.client.AddNode(node)
		if _, err := n.client.Ping(ctx, node); err != nil {
			n.log.Debug("bootstrap node unreachable", "peer", node.ID.Short(), "err", err)
			continue
		}
		n.table.Update(node.ID)
		n.log.Info("bootstrap node verified", "peer", node.ID.Short())
	}
}

// persistLoop mirrors routing table admissions into the record store.
func (n *Node) persistLoop(ctx context.Context) {
	sub := n.bus.Subscribe(events.TableInsert)
	defer sub.Close()
	for {
		select {
		case ev := <-sub.Ch():
			node, ok := n.client.Resolve(ev.NodeID)
			if !ok {
				continue
			}
			if err := n.store.Save(node); err != nil {
				n.log.Debug("persist node record failed", "peer", node.ID.Short(), "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ParseBootstrapEntry parses "node_id@host:port/pubkey_hex" (the key part is
// optional).
func ParseBootstrapEntry(entry string) (identity.Node, error) {
	idPart, rest, found := strings.Cut(entry, "@")
	if !found {
		return identity.Node{}, fmt.Errorf("missing @ separator")
	}
	id, err := identity.NodeIDFromHex(idPart)
	if err != nil {
		return identity.Node{}, err
	}
	addrPart, keyPart, hasKey := strings.Cut(rest, "/")
	ep, err := identity.ParseEndpoint(addrPart)
	if err != nil {
		return identity.Node{}, err
	}
	node := identity.Node{ID: id, Endpoint: ep}
	if hasKey {
		raw, err := hex.DecodeString(keyPart)
		if err != nil {
			return identity.Node{}, fmt.Errorf("invalid public key: %w", err)
		}
		pub, err := identity.UnmarshalPublicKey(raw)
		if err != nil {
			return identity.Node{}, err
		}
		node.PublicKey = pub
	}
	return node, nil
}
