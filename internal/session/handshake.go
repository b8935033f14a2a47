package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	crand "crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/hkdf"

	"github.com/unicornultrafoundation/kadnet/internal/identity"
	"github.com/unicornultrafoundation/kadnet/internal/packet"
)

// Handshake key schedule: ECDH on P-256, then HKDF-SHA256 keyed with the
// ID-nonce expands the shared secret into three 16-byte AES-GCM keys
// (initiator->recipient, recipient->initiator, auth-response).

const sessionKeySize = 16

var (
	kdfInfoPrefix = []byte("discovery v5 key agreement")
	idNoncePrefix = []byte("discovery-id-nonce")
	zeroNonce     [packet.AuthTagSize]byte
)

type sessionKeys struct {
	initiatorKey [sessionKeySize]byte
	recipientKey [sessionKeySize]byte
	authRespKey  [sessionKeySize]byte
}

// deriveKeys expands an ECDH secret into the session key triple. Both sides
// call it with the same (initiator, recipient) ordering.
func deriveKeys(secret []byte, idNonce [packet.IDNonceSize]byte, initiatorID, recipientID identity.NodeID) (sessionKeys, error) {
	info := make([]byte, 0, len(kdfInfoPrefix)+2*identity.NodeIDSize)
	info = append(info, kdfInfoPrefix...)
	info = append(info, initiatorID[:]...)
	info = append(info, recipientID[:]...)

	var keys sessionKeys
	r := hkdf.New(sha256.New, secret, idNonce[:], info)
	for _, k := range [][]byte{keys.initiatorKey[:], keys.recipientKey[:], keys.authRespKey[:]} {
		if _, err := io.ReadFull(r, k); err != nil {
			return sessionKeys{}, fmt.Errorf("expand session keys: %w", err)
		}
	}
	return keys, nil
}

// generateEphemeral returns a fresh P-256 ECDH keypair.
func generateEphemeral() (*ecdh.PrivateKey, error) {
	key, err := ecdh.P256().GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return key, nil
}

// ecdhAgree computes the shared secret between an ECDH private key and a
// remote ECDSA public key.
func ecdhAgree(priv *ecdh.PrivateKey, remote *ecdsa.PublicKey) ([]byte, error) {
	remoteECDH, err := remote.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert remote key: %w", err)
	}
	secret, err := priv.ECDH(remoteECDH)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	return secret, nil
}

// ecdhAgreeStatic computes the shared secret between a static ECDSA private
// key and a remote ephemeral ECDH public key.
func ecdhAgreeStatic(priv *ecdsa.PrivateKey, remoteEphemeral []byte) ([]byte, error) {
	statECDH, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert static key: %w", err)
	}
	ephPub, err := ecdh.P256().NewPublicKey(remoteEphemeral)
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral key: %w", err)
	}
	secret, err := statECDH.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	return secret, nil
}

func idNonceDigest(idNonce [packet.IDNonceSize]byte) []byte {
	buf := make([]byte, 0, len(idNoncePrefix)+packet.IDNonceSize)
	buf = append(buf, idNoncePrefix...)
	buf = append(buf, idNonce[:]...)
	h := blake2s.Sum256(buf)
	return h[:]
}

// signIDNonce signs the recipient's challenge with the static node key.
func signIDNonce(priv *ecdsa.PrivateKey, idNonce [packet.IDNonceSize]byte) ([]byte, error) {
	sig, err := ecdsa.SignASN1(crand.Reader, priv, idNonceDigest(idNonce))
	if err != nil {
		return nil, fmt.Errorf("sign id nonce: %w", err)
	}
	return sig, nil
}

// verifyIDNonce checks the initiator's signature over the challenge.
func verifyIDNonce(pub *ecdsa.PublicKey, idNonce [packet.IDNonceSize]byte, sig []byte) bool {
	return ecdsa.VerifyASN1(pub, idNonceDigest(idNonce), sig)
}

// aesgcm builds the AEAD for one session key.
func aesgcm(key [sessionKeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// sealMessage encrypts a message plaintext under a fresh random auth-tag with
// the packet tag as AAD.
func sealMessage(key [sessionKeySize]byte, tag identity.Tag, plaintext []byte) ([packet.AuthTagSize]byte, []byte, error) {
	var authTag [packet.AuthTagSize]byte
	if _, err := crand.Read(authTag[:]); err != nil {
		return authTag, nil, fmt.Errorf("generate auth tag: %w", err)
	}
	aead, err := aesgcm(key)
	if err != nil {
		return authTag, nil, err
	}
	return authTag, aead.Seal(nil, authTag[:], plaintext, tag[:]), nil
}

// openMessage decrypts a message ciphertext; the packet's tag is the AAD.
func openMessage(key [sessionKeySize]byte, tag identity.Tag, authTag [packet.AuthTagSize]byte, ciphertext []byte) ([]byte, error) {
	aead, err := aesgcm(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, authTag[:], ciphertext, tag[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// The auth response carries the sender's static public key record (its node
// record data), sealed under the auth-response key with a zero nonce; the key
// is used exactly once.

func sealAuthResponse(key [sessionKeySize]byte, pubKeyRecord []byte) ([]byte, error) {
	aead, err := aesgcm(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, zeroNonce[:], pubKeyRecord, nil), nil
}

func openAuthResponse(key [sessionKeySize]byte, ciphertext []byte) ([]byte, error) {
	aead, err := aesgcm(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, zeroNonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	return plain, nil
}

// localPublicKeyRecord is the compressed static public key sent in the auth
// response.
func localPublicKeyRecord(priv *ecdsa.PrivateKey) []byte {
	return identity.MarshalPublicKey(&priv.PublicKey)
}

// parsePublicKeyRecord decodes a compressed P-256 public key and checks it
// hashes to the claimed node ID.
func parsePublicKeyRecord(record []byte, claimed identity.NodeID) (*ecdsa.PublicKey, error) {
	pub, err := identity.UnmarshalPublicKey(record)
	if err != nil {
		return nil, err
	}
	if identity.NodeIDFromPublicKey(pub) != claimed {
		return nil, errors.New("public key does not match node id")
	}
	return pub, nil
}
