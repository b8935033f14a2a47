package identity

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"net/netip"
)

// Endpoint is an immutable (IPv4 address, UDP port) pair.
type Endpoint struct {
	IP   netip.Addr
	Port uint16
}

// EndpointFromUDPAddr converts a net.UDPAddr into an Endpoint.
func EndpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	ip, _ := netip.AddrFromSlice(addr.IP.To4())
	return Endpoint{IP: ip, Port: uint16(addr.Port)}
}

// ParseEndpoint parses "host:port" into an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	return Endpoint{IP: ap.Addr().Unmap(), Port: ap.Port()}, nil
}

// UDPAddr converts the endpoint to a net.UDPAddr for socket use.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP.AsSlice(), Port: int(e.Port)}
}

// IsZero returns true for the zero endpoint.
func (e Endpoint) IsZero() bool {
	return !e.IP.IsValid()
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// Node associates a node ID with its UDP endpoint and, when known, the
// node's static public key.
type Node struct {
	ID       NodeID
	Endpoint Endpoint
	// PublicKey is cached once learned; nil until then.
	PublicKey *ecdsa.PublicKey
}

func (n Node) String() string {
	return fmt.Sprintf("Node{%s@%s}", n.ID.Short(), n.Endpoint)
}
