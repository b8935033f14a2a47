// Package natprobe discovers the node's public endpoint via STUN so the
// advertised node record survives NAT.
package natprobe

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/unicornultrafoundation/kadnet/internal/identity"
)

const probeTimeout = 5 * time.Second

// Prober queries STUN servers for the reflexive address.
type Prober struct {
	servers []string
	log     *slog.Logger
}

// New creates a prober over the configured servers.
func New(servers []string, log *slog.Logger) *Prober {
	return &Prober{servers: servers, log: log.With("component", "natprobe")}
}

// PublicEndpoint returns the first reflexive endpoint any server reports.
func (p *Prober) PublicEndpoint() (identity.Endpoint, error) {
	if len(p.servers) == 0 {
		return identity.Endpoint{}, fmt.Errorf("no STUN servers configured")
	}
	for _, server := range p.servers {
		ep, err := bindingRequest(server)
		if err != nil {
			p.log.Debug("STUN discovery failed", "server", server, "err", err)
			continue
		}
		p.log.Info("STUN discovered public endpoint", "endpoint", ep, "server", server)
		return ep, nil
	}
	return identity.Endpoint{}, fmt.Errorf("all STUN servers failed")
}

// bindingRequest performs a single STUN binding request.
func bindingRequest(serverAddr string) (identity.Endpoint, error) {
	conn, err := net.DialTimeout("udp4", serverAddr, probeTimeout)
	if err != nil {
		return identity.Endpoint{}, err
	}
	defer conn.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	conn.SetDeadline(time.Now().Add(probeTimeout))
	if _, err := conn.Write(msg.Raw); err != nil {
		return identity.Endpoint{}, err
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return identity.Endpoint{}, err
	}
	resp := new(stun.Message)
	resp.Raw = buf[:n]
	if err := resp.Decode(); err != nil {
		return identity.Endpoint{}, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err != nil {
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(resp); err != nil {
			return identity.Endpoint{}, fmt.Errorf("no mapped address in STUN response")
		}
		return identity.EndpointFromUDPAddr(&net.UDPAddr{IP: mapped.IP, Port: mapped.Port}), nil
	}
	return identity.EndpointFromUDPAddr(&net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}), nil
}
