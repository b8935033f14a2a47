package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2s"
)

// Identity holds a node's static P-256 keypair and derived node ID.
type Identity struct {
	PrivateKey *ecdsa.PrivateKey
	NodeID     NodeID
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return FromPrivateKey(priv), nil
}

// FromPrivateKey recreates an identity from a private key.
func FromPrivateKey(priv *ecdsa.PrivateKey) *Identity {
	return &Identity{
		PrivateKey: priv,
		NodeID:     NodeIDFromPublicKey(&priv.PublicKey),
	}
}

// LoadOrGenerate loads an identity from file, or generates and saves a new one.
func LoadOrGenerate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		priv, err := x509.ParseECPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse identity key: %w", err)
		}
		return FromPrivateKey(priv), nil
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("encode identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, der, 0600); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}

// PublicKeyBytes returns the compressed public key encoding.
func (id *Identity) PublicKeyBytes() []byte {
	return elliptic.MarshalCompressed(elliptic.P256(), id.PrivateKey.PublicKey.X, id.PrivateKey.PublicKey.Y)
}

// MarshalPublicKey returns the compressed encoding of a P-256 public key.
func MarshalPublicKey(pub *ecdsa.PublicKey) []byte {
	return elliptic.MarshalCompressed(pub.Curve, pub.X, pub.Y)
}

// UnmarshalPublicKey parses a compressed P-256 public key.
func UnmarshalPublicKey(data []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), data)
	if x == nil {
		return nil, fmt.Errorf("invalid compressed public key")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// Node returns the local node descriptor at the given endpoint.
func (id *Identity) Node(endpoint Endpoint) Node {
	return Node{ID: id.NodeID, Endpoint: endpoint, PublicKey: &id.PrivateKey.PublicKey}
}

func (id *Identity) String() string {
	return fmt.Sprintf("Identity{node=%s}", id.NodeID.Short())
}

// Tag is the 32-byte sender identifier carried by every packet.
type Tag [32]byte

// ComputeTag builds the tag a sender puts on packets to a peer:
// hash(remote_node_id) XOR local_node_id.
func ComputeTag(localID, remoteID NodeID) Tag {
	h := blake2s.Sum256(remoteID[:])
	var tag Tag
	for i := range tag {
		tag[i] = h[i] ^ localID[i]
	}
	return tag
}

// SenderFromTag recovers the sender's node ID from an inbound packet tag.
func SenderFromTag(tag Tag, localID NodeID) NodeID {
	h := blake2s.Sum256(localID[:])
	var sender NodeID
	for i := range sender {
		sender[i] = h[i] ^ tag[i]
	}
	return sender
}

// WhoAreYouMagic computes the magic value marking WHOAREYOU packets addressed
// to the given node: hash(node_id || "WHOAREYOU").
func WhoAreYouMagic(nodeID NodeID) [32]byte {
	buf := make([]byte, 0, NodeIDSize+9)
	buf = append(buf, nodeID[:]...)
	buf = append(buf, []byte("WHOAREYOU")...)
	return blake2s.Sum256(buf)
}
