package protocol

import "time"

const (
	// MaxPacketSize is the UDP datagram ceiling for all packets.
	MaxPacketSize = 1280

	// BucketSize is K, the k-bucket capacity and lookup result width.
	BucketSize = 16
	// LookupConcurrency is alpha, the iterative lookup parallelism.
	LookupConcurrency = 3

	// PingTimeout bounds a single liveness ping.
	PingTimeout = 1 * time.Second
	// RequestTimeout bounds an ordinary request/response exchange.
	RequestTimeout = 5 * time.Second
	// HandshakeTimeout is a handshake time budget. Sessions do not enforce
	// it; an unfinished handshake lasts until its session is closed or
	// evicted as idle (SessionIdleTimeout).
	HandshakeTimeout = 10 * time.Second
	// SessionIdleTimeout is how long a session may go without traffic
	// before the pool evicts it.
	SessionIdleTimeout = 60 * time.Second

	// TablePingInterval is the cadence of the liveness ping daemon.
	TablePingInterval = 30 * time.Second
	// TableLookupInterval is the cadence of the random lookup daemon.
	TableLookupInterval = 10 * time.Second
	// StatusInterval is the cadence of the routing table status report.
	StatusInterval = 30 * time.Second

	// MaxFoundNodesPerMessage bounds records per FoundNodes message so a
	// sealed packet stays under MaxPacketSize.
	MaxFoundNodesPerMessage = 16
)
