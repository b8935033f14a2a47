// Package packet implements the wire codec for the four discovery packet
// variants. Every packet starts with the 32-byte sender tag; the variants are
// told apart by the WHOAREYOU magic, the total length, and whether an
// auth-header section follows the auth-tag.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/protocol"
)

const (
	// TagSize is the leading tag length shared by all packets.
	TagSize = 32
	// AuthTagSize is the AEAD nonce / packet correlator length.
	AuthTagSize = 12
	// IDNonceSize is the WHOAREYOU challenge length.
	IDNonceSize = 32

	authTagPacketSize    = TagSize + AuthTagSize          // 44
	whoAreYouPacketSize  = TagSize + 32 + IDNonceSize + 8 // 104
	minMessagePacketSize = TagSize + AuthTagSize + 2 + 16 // header + GCM tag
)

// ErrMalformedPacket is returned for short buffers, oversize datagrams and
// inconsistent framing.
var ErrMalformedPacket = errors.New("malformed packet")

// Packet is one of the four wire packet variants.
type Packet interface {
	// PacketTag returns the leading 32-byte tag.
	PacketTag() identity.Tag
	// Encode produces the exact wire bytes.
	Encode() []byte
}

// AuthTagPacket is the pre-handshake initiator packet: a tag plus a random
// 12-byte nonce, no authenticated payload.
type AuthTagPacket struct {
	Tag     identity.Tag
	AuthTag [AuthTagSize]byte
}

func (p *AuthTagPacket) PacketTag() identity.Tag { return p.Tag }

func (p *AuthTagPacket) Encode() []byte {
	buf := make([]byte, 0, authTagPacketSize)
	buf = append(buf, p.Tag[:]...)
	buf = append(buf, p.AuthTag[:]...)
	return buf
}

// WhoAreYouPacket is the recipient's handshake challenge.
type WhoAreYouPacket struct {
	Tag     identity.Tag
	Magic   [32]byte
	IDNonce [IDNonceSize]byte
	ENRSeq  uint64
}

func (p *WhoAreYouPacket) PacketTag() identity.Tag { return p.Tag }

func (p *WhoAreYouPacket) Encode() []byte {
	buf := make([]byte, 0, whoAreYouPacketSize)
	buf = append(buf, p.Tag[:]...)
	buf = append(buf, p.Magic[:]...)
	buf = append(buf, p.IDNonce[:]...)
	buf = binary.BigEndian.AppendUint64(buf, p.ENRSeq)
	return buf
}

// AuthHeaderPacket completes the handshake from the initiator. The auth
// section carries the ID-nonce signature, the ephemeral public key and the
// encrypted auth response; the encrypted first message follows it.
type AuthHeaderPacket struct {
	Tag               identity.Tag
	AuthTag           [AuthTagSize]byte
	IDNonceSig        []byte
	EphemeralKey      []byte
	EncryptedAuthResp []byte
	EncryptedMessage  []byte
}

func (p *AuthHeaderPacket) PacketTag() identity.Tag { return p.Tag }

func (p *AuthHeaderPacket) Encode() []byte {
	authLen := 2 + len(p.IDNonceSig) + 2 + len(p.EphemeralKey) + 2 + len(p.EncryptedAuthResp)
	buf := make([]byte, 0, TagSize+AuthTagSize+2+authLen+len(p.EncryptedMessage))
	buf = append(buf, p.Tag[:]...)
	buf = append(buf, p.AuthTag[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(authLen))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.IDNonceSig)))
	buf = append(buf, p.IDNonceSig...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.EphemeralKey)))
	buf = append(buf, p.EphemeralKey...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.EncryptedAuthResp)))
	buf = append(buf, p.EncryptedAuthResp...)
	buf = append(buf, p.EncryptedMessage...)
	return buf
}

// MessagePacket is a post-handshake authenticated message.
type MessagePacket struct {
	Tag        identity.Tag
	AuthTag    [AuthTagSize]byte
	Ciphertext []byte
}

func (p *MessagePacket) PacketTag() identity.Tag { return p.Tag }

func (p *MessagePacket) Encode() []byte {
	buf := make([]byte, 0, TagSize+AuthTagSize+2+len(p.Ciphertext))
	buf = append(buf, p.Tag[:]...)
	buf = append(buf, p.AuthTag[:]...)
	buf = binary.BigEndian.AppendUint16(buf, 0)
	buf = append(buf, p.Ciphertext...)
	return buf
}

// Decode parses a datagram. whoAreYouMagic is the local node's WHOAREYOU
// marker; only challenges addressed to this node decode as WhoAreYouPacket.
func Decode(data []byte, whoAreYouMagic [32]byte) (Packet, error) {
	if len(data) > protocol.MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds MTU", ErrMalformedPacket, len(data))
	}
	if len(data) < authTagPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}

	var tag identity.Tag
	copy(tag[:], data[:TagSize])

	if len(data) == whoAreYouPacketSize && [32]byte(data[TagSize:TagSize+32]) == whoAreYouMagic {
		p := &WhoAreYouPacket{Tag: tag, Magic: whoAreYouMagic}
		copy(p.IDNonce[:], data[64:96])
		p.ENRSeq = binary.BigEndian.Uint64(data[96:104])
		return p, nil
	}

	if len(data) == authTagPacketSize {
		p := &AuthTagPacket{Tag: tag}
		copy(p.AuthTag[:], data[TagSize:])
		return p, nil
	}

	if len(data) < minMessagePacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}

	var authTag [AuthTagSize]byte
	copy(authTag[:], data[TagSize:TagSize+AuthTagSize])
	authLen := int(binary.BigEndian.Uint16(data[44:46]))
	rest := data[46:]

	if authLen == 0 {
		return &MessagePacket{Tag: tag, AuthTag: authTag, Ciphertext: rest}, nil
	}

	if len(rest) < authLen {
		return nil, fmt.Errorf("%w: auth section truncated", ErrMalformedPacket)
	}
	auth, msg := rest[:authLen], rest[authLen:]
	sig, auth, err := readField(auth)
	if err != nil {
		return nil, err
	}
	eph, auth, err := readField(auth)
	if err != nil {
		return nil, err
	}
	resp, auth, err := readField(auth)
	if err != nil {
		return nil, err
	}
	if len(auth) != 0 {
		return nil, fmt.Errorf("%w: trailing auth bytes", ErrMalformedPacket)
	}
	return &AuthHeaderPacket{
		Tag:               tag,
		AuthTag:           authTag,
		IDNonceSig:        sig,
		EphemeralKey:      eph,
		EncryptedAuthResp: resp,
		EncryptedMessage:  msg,
	}, nil
}

func readField(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("%w: short length prefix", ErrMalformedPacket)
	}
	n := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return nil, nil, fmt.Errorf("%w: short field", ErrMalformedPacket)
	}
	return buf[:n], buf[n:], nil
}
