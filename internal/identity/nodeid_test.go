package identity

import (
	"testing"
)

func TestLogDistance(t *testing.T) {
	var a, b NodeID

	if d := LogDistance(a, b); d != 0 {
		t.Fatalf("distance of equal ids = %d, want 0", d)
	}

	// Differ only in the lowest bit.
	b[31] = 0x01
	if d := LogDistance(a, b); d != 1 {
		t.Fatalf("distance = %d, want 1", d)
	}

	// Highest bit set.
	b = NodeID{}
	b[0] = 0x80
	if d := LogDistance(a, b); d != 256 {
		t.Fatalf("distance = %d, want 256", d)
	}

	b = NodeID{}
	b[0] = 0x01
	if d := LogDistance(a, b); d != 249 {
		t.Fatalf("distance = %d, want 249", d)
	}
}

func TestLogDistanceSymmetric(t *testing.T) {
	a := NodeID{0xde, 0xad, 0xbe, 0xef}
	b := NodeID{0x01, 0x02, 0x03}
	if LogDistance(a, b) != LogDistance(b, a) {
		t.Fatal("log distance is not symmetric")
	}
}

func TestTagRoundTrip(t *testing.T) {
	localID := mustNodeID(t, "alpha")
	remoteID := mustNodeID(t, "beta")

	// The tag a sender computes must resolve back to the sender at the
	// receiver.
	tag := ComputeTag(localID, remoteID)
	if got := SenderFromTag(tag, remoteID); got != localID {
		t.Fatalf("sender from tag = %s, want %s", got, localID)
	}
}

func TestNodeIDFromPublicKeyDeterministic(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	first := NodeIDFromPublicKey(&id.PrivateKey.PublicKey)
	second := NodeIDFromPublicKey(&id.PrivateKey.PublicKey)
	if first != second {
		t.Fatal("node id derivation is not deterministic")
	}
	if first != id.NodeID {
		t.Fatal("identity node id does not match derivation")
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	raw := MarshalPublicKey(&id.PrivateKey.PublicKey)
	pub, err := UnmarshalPublicKey(raw)
	if err != nil {
		t.Fatal(err)
	}
	if NodeIDFromPublicKey(pub) != id.NodeID {
		t.Fatal("public key round trip changed the node id")
	}
}

func TestDistanceCmpTieBreak(t *testing.T) {
	// Distinct ids never share an exact XOR distance to one target, so the
	// bytewise tie-break only fires when both sides are the same id.
	target := mustNodeID(t, "target")
	a := mustNodeID(t, "a")
	if DistanceCmp(target, a, a) != 0 {
		t.Fatal("identical ids must compare equal")
	}

	b := a
	b[31] ^= 0x01
	cmp := DistanceCmp(target, a, b)
	if cmp == 0 {
		t.Fatal("distinct ids must not compare equal")
	}
	if cmp != -DistanceCmp(target, b, a) {
		t.Fatal("comparison must be antisymmetric")
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("127.0.0.1:9651")
	if err != nil {
		t.Fatal(err)
	}
	if ep.Port != 9651 || ep.String() != "127.0.0.1:9651" {
		t.Fatalf("unexpected endpoint: %s", ep)
	}
	if _, err := ParseEndpoint("not-an-endpoint"); err == nil {
		t.Fatal("expected error for invalid endpoint")
	}
}

func mustNodeID(t *testing.T, seed string) NodeID {
	t.Helper()
	var id NodeID
	copy(id[:], seed)
	return id
}
