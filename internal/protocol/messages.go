package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/unicornultrafoundation/kadnet/internal/identity"
)

// Message payload wire format: a 1-byte message id followed by the payload
// body. Multi-byte integers are big-endian; node record lists carry a 16-bit
// count prefix.

const (
	MsgPing       byte = 0x01
	MsgPong       byte = 0x02
	MsgFindNodes  byte = 0x03
	MsgFoundNodes byte = 0x04
)

var (
	ErrUnknownMessage   = errors.New("unknown message id")
	ErrTruncatedPayload = errors.New("truncated message payload")
)

// Payload is one wire message body.
type Payload interface {
	MessageID() byte
	RequestID() uint32
	// Encode appends the message id and body to buf.
	Encode(buf []byte) []byte
}

// Message is a decrypted payload together with the peer it came from or goes
// to.
type Message struct {
	Payload Payload
	Node    identity.Node
}

func (m Message) String() string {
	return fmt.Sprintf("Message{id=%#02x rid=%#08x node=%s}", m.Payload.MessageID(), m.Payload.RequestID(), m.Node.ID.Short())
}

// Ping is a liveness probe.
type Ping struct {
	ReqID  uint32
	ENRSeq uint64
}

func (p Ping) MessageID() byte   { return MsgPing }
func (p Ping) RequestID() uint32 { return p.ReqID }

func (p Ping) Encode(buf []byte) []byte {
	buf = append(buf, MsgPing)
	buf = binary.BigEndian.AppendUint32(buf, p.ReqID)
	buf = binary.BigEndian.AppendUint64(buf, p.ENRSeq)
	return buf
}

// Pong answers a Ping and echoes the observed external endpoint.
type Pong struct {
	ReqID      uint32
	ENRSeq     uint64
	PacketIP   netip.Addr
	PacketPort uint16
}

func (p Pong) MessageID() byte   { return MsgPong }
func (p Pong) RequestID() uint32 { return p.ReqID }

func (p Pong) Encode(buf []byte) []byte {
	buf = append(buf, MsgPong)
	buf = binary.BigEndian.AppendUint32(buf, p.ReqID)
	buf = binary.BigEndian.AppendUint64(buf, p.ENRSeq)
	ip := ip4(p.PacketIP)
	buf = append(buf, ip[:]...)
	buf = binary.BigEndian.AppendUint16(buf, p.PacketPort)
	return buf
}

// ip4 returns the 4-byte form of an address; non-IPv4 addresses encode as
// zeros.
func ip4(addr netip.Addr) [4]byte {
	addr = addr.Unmap()
	if !addr.Is4() {
		return [4]byte{}
	}
	return addr.As4()
}

// FindNodes asks for the peers in one log-distance bucket.
type FindNodes struct {
	ReqID    uint32
	Distance uint16
}

func (p FindNodes) MessageID() byte   { return MsgFindNodes }
func (p FindNodes) RequestID() uint32 { return p.ReqID }

func (p FindNodes) Encode(buf []byte) []byte {
	buf = append(buf, MsgFindNodes)
	buf = binary.BigEndian.AppendUint32(buf, p.ReqID)
	buf = binary.BigEndian.AppendUint16(buf, p.Distance)
	return buf
}

// PublicKeySize is the compressed public key length carried in node records.
const PublicKeySize = 33

// NodeRecord is the wire form of a discovered peer. The public key rides
// along so the receiver can initiate a handshake with the node.
type NodeRecord struct {
	ID        identity.NodeID
	IP        netip.Addr
	Port      uint16
	PublicKey [PublicKeySize]byte
}

// Node converts the record to a node descriptor. An unparsable key leaves
// Node.PublicKey nil.
func (r NodeRecord) Node() identity.Node {
	n := identity.Node{ID: r.ID, Endpoint: identity.Endpoint{IP: r.IP, Port: r.Port}}
	if pub, err := identity.UnmarshalPublicKey(r.PublicKey[:]); err == nil {
		n.PublicKey = pub
	}
	return n
}

// RecordFromNode builds the wire record for a node.
func RecordFromNode(n identity.Node) NodeRecord {
	r := NodeRecord{ID: n.ID, IP: n.Endpoint.IP, Port: n.Endpoint.Port}
	if n.PublicKey != nil {
		copy(r.PublicKey[:], identity.MarshalPublicKey(n.PublicKey))
	}
	return r
}

// FoundNodes carries one page of a FindNodes response. Total is the number of
// messages in the whole response.
type FoundNodes struct {
	ReqID   uint32
	Total   uint8
	Records []NodeRecord
}

func (p FoundNodes) MessageID() byte   { return MsgFoundNodes }
func (p FoundNodes) RequestID() uint32 { return p.ReqID }

func (p FoundNodes) Encode(buf []byte) []byte {
	buf = append(buf, MsgFoundNodes)
	buf = binary.BigEndian.AppendUint32(buf, p.ReqID)
	buf = append(buf, p.Total)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Records)))
	for _, r := range p.Records {
		buf = append(buf, r.ID[:]...)
		ip := ip4(r.IP)
		buf = append(buf, ip[:]...)
		buf = binary.BigEndian.AppendUint16(buf, r.Port)
		buf = append(buf, r.PublicKey[:]...)
	}
	return buf
}

const nodeRecordWireSize = identity.NodeIDSize + 4 + 2 + PublicKeySize

// DecodePayload parses a message body. Unknown message ids fail with
// ErrUnknownMessage so callers can count and drop them.
func DecodePayload(data []byte) (Payload, error) {
	if len(data) < 1 {
		return nil, ErrTruncatedPayload
	}
	id, body := data[0], data[1:]
	switch id {
	case MsgPing:
		if len(body) != 12 {
			return nil, ErrTruncatedPayload
		}
		return Ping{
			ReqID:  binary.BigEndian.Uint32(body[0:4]),
			ENRSeq: binary.BigEndian.Uint64(body[4:12]),
		}, nil
	case MsgPong:
		if len(body) != 18 {
			return nil, ErrTruncatedPayload
		}
		ip, _ := netip.AddrFromSlice(body[12:16])
		return Pong{
			ReqID:      binary.BigEndian.Uint32(body[0:4]),
			ENRSeq:     binary.BigEndian.Uint64(body[4:12]),
			PacketIP:   ip,
			PacketPort: binary.BigEndian.Uint16(body[16:18]),
		}, nil
	case MsgFindNodes:
		if len(body) != 6 {
			return nil, ErrTruncatedPayload
		}
		return FindNodes{
			ReqID:    binary.BigEndian.Uint32(body[0:4]),
			Distance: binary.BigEndian.Uint16(body[4:6]),
		}, nil
	case MsgFoundNodes:
		if len(body) < 7 {
			return nil, ErrTruncatedPayload
		}
		count := int(binary.BigEndian.Uint16(body[5:7]))
		records := body[7:]
		if len(records) != count*nodeRecordWireSize {
			return nil, ErrTruncatedPayload
		}
		p := FoundNodes{
			ReqID:   binary.BigEndian.Uint32(body[0:4]),
			Total:   body[4],
			Records: make([]NodeRecord, count),
		}
		for i := 0; i < count; i++ {
			rec := records[i*nodeRecordWireSize : (i+1)*nodeRecordWireSize]
			copy(p.Records[i].ID[:], rec[:identity.NodeIDSize])
			ip, _ := netip.AddrFromSlice(rec[identity.NodeIDSize : identity.NodeIDSize+4])
			p.Records[i].IP = ip
			p.Records[i].Port = binary.BigEndian.Uint16(rec[identity.NodeIDSize+4 : identity.NodeIDSize+6])
			copy(p.Records[i].PublicKey[:], rec[identity.NodeIDSize+6:])
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %#02x", ErrUnknownMessage, id)
	}
}
