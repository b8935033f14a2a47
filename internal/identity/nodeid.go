package identity

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"

	"golang.org/x/crypto/blake2s"
)

const (
	// NodeIDSize is the byte length of a node identifier.
	NodeIDSize = 32
	// NumBuckets is the number of log-distance shells around a node.
	NumBuckets = 256
)

// NodeID is a 32-byte node identifier derived from the node's public key.
type NodeID [NodeIDSize]byte

// NodeIDFromPublicKey derives a node ID by hashing the compressed public key
// with BLAKE2s.
func NodeIDFromPublicKey(pub *ecdsa.PublicKey) NodeID {
	compressed := elliptic.MarshalCompressed(pub.Curve, pub.X, pub.Y)
	return NodeID(blake2s.Sum256(compressed))
}

// NodeIDFromHex parses a hex-encoded node ID.
func NodeIDFromHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid hex node id: %w", err)
	}
	if len(b) != NodeIDSize {
		return id, fmt.Errorf("node id must be %d bytes, got %d", NodeIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the hex-encoded node ID.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for logging.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero returns true if the node ID is all zeros.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// XOR returns the bytewise XOR of two node IDs.
func (id NodeID) XOR(other NodeID) NodeID {
	var out NodeID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Compare orders node IDs bytewise. It returns -1, 0 or +1.
func (id NodeID) Compare(other NodeID) int {
	return bytes.Compare(id[:], other[:])
}

// LogDistance returns floor(log2(a XOR b)) + 1, the bucket index of b as seen
// from a. Two equal IDs have distance 0.
func LogDistance(a, b NodeID) int {
	x := a.XOR(b)
	for i := 0; i < NodeIDSize; i += 8 {
		word := binary.BigEndian.Uint64(x[i : i+8])
		if word != 0 {
			return (NodeIDSize-i)*8 - bits.LeadingZeros64(word)
		}
	}
	return 0
}

// DistanceCmp compares which of a or b is closer to target under the XOR
// metric, breaking exact ties bytewise on the raw IDs. It returns -1 if a is
// closer, +1 if b is closer and 0 if they are the same ID.
func DistanceCmp(target, a, b NodeID) int {
	da := a.XOR(target)
	db := b.XOR(target)
	if c := bytes.Compare(da[:], db[:]); c != 0 {
		return c
	}
	return a.Compare(b)
}
