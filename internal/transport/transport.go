// Package transport owns the UDP socket and the datagram channel boundary.
// The core consumes (bytes, endpoint) pairs from the inbound channel and
// produces the same on the outbound channel; nothing above this package
// touches the socket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
)

const (
	inboundBuffer = 1024
	// outboundBuffer bounds the shared outbound channel. Sessions send
	// non-blocking and drop when it is full, so one backed-up peer cannot
	// stall the others.
	outboundBuffer = 1024
)

// Datagram is one UDP payload together with its remote endpoint.
type Datagram struct {
	Data     []byte
	Endpoint identity.Endpoint
}

// Transport binds a UDP socket and pumps datagrams between it and the
// inbound/outbound channels.
type Transport struct {
	conn     *net.UDPConn
	endpoint identity.Endpoint
	inbound  chan Datagram
	outbound chan Datagram

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	log    *slog.Logger
}

// New binds a UDP socket on the given port (0 picks a free port).
func New(port int, log *slog.Logger) (*Transport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind UDP port %d: %w", port, err)
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	t := &Transport{
		conn:     conn,
		endpoint: identity.EndpointFromUDPAddr(local),
		inbound:  make(chan Datagram, inboundBuffer),
		outbound: make(chan Datagram, outboundBuffer),
		log:      log.With("component", "transport"),
	}
	t.log.Info("transport listening", "port", t.endpoint.Port)
	return t, nil
}

// Run pumps the socket until ctx is cancelled or the socket closes.
func (t *Transport) Run(ctx context.Context) {
	t.wg.Add(2)
	go t.readLoop(ctx)
	go t.writeLoop(ctx)
	<-ctx.Done()
	t.Close()
	t.wg.Wait()
}

// Inbound returns the channel of received datagrams.
func (t *Transport) Inbound() <-chan Datagram {
	return t.inbound
}

// Outbound returns the channel datagrams are sent through.
func (t *Transport) Outbound() chan<- Datagram {
	return t.outbound
}

// LocalEndpoint returns the bound address.
func (t *Transport) LocalEndpoint() identity.Endpoint {
	return t.endpoint
}

// Close shuts the socket down; the read loop exits on the next read.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *Transport) readLoop(ctx context.Context) {
	defer t.wg.Done()
	buf := make([]byte, protocol.MaxPacketSize+1)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Warn("udp read failed", "err", err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		dgram := Datagram{Data: data, Endpoint: identity.EndpointFromUDPAddr(addr)}
		select {
		case t.inbound <- dgram:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) writeLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case dgram := <-t.outbound:
			if _, err := t.conn.WriteToUDP(dgram.Data, dgram.Endpoint.UDPAddr()); err != nil {
				t.log.Debug("udp write failed", "endpoint", dgram.Endpoint, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
