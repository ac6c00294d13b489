// Package identity supplies the PeerID/KeyPair contracts the core consumes
// for peer identity. The actual signature scheme is an external concern in
// principle, but (grounded on the teacher's use of ed25519 throughout
// v2/handshake.go and v3/handshake.go) this package provides a concrete
// Ed25519-backed implementation so the rest of the module is runnable
// without pulling in a separate identity library.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// PeerID is an opaque stable identifier derived from a public key. Equality
// is by bytes, so PeerID is safe to use as a map key.
type PeerID [32]byte

// Empty reports whether the PeerID is the zero value, i.e. no identity was
// established yet (used before a handshake completes).
func (id PeerID) Empty() bool { return id == PeerID{} }

// String renders the PeerID for logs; not a protocol-visible encoding.
func (id PeerID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// KeyPair is the external identity-crypto contract: derive a PeerID from a
// public key, and sign/verify handshake transcripts.
type KeyPair interface {
	PeerID() PeerID
	PublicKey() ed25519.PublicKey
	Sign(message []byte) []byte
}

// Ed25519KeyPair is the default, concrete KeyPair implementation.
type Ed25519KeyPair struct {
	priv ed25519.PrivateKey
	id   PeerID
}

// GenerateKeyPair creates a new random Ed25519 identity.
func GenerateKeyPair() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return NewEd25519KeyPair(priv, pub), nil
}

// NewEd25519KeyPair wraps an existing key pair.
func NewEd25519KeyPair(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Ed25519KeyPair {
	return &Ed25519KeyPair{priv: priv, id: DerivePeerID(pub)}
}

// DerivePeerID derives a PeerID from a raw Ed25519 public key the same way
// the teacher derives its handshake transcript hash: BLAKE2b-256.
func DerivePeerID(pub ed25519.PublicKey) PeerID {
	return blake2b.Sum256(pub)
}

func (k *Ed25519KeyPair) PeerID() PeerID              { return k.id }
func (k *Ed25519KeyPair) PublicKey() ed25519.PublicKey { return k.priv.Public().(ed25519.PublicKey) }
func (k *Ed25519KeyPair) Sign(message []byte) []byte   { return ed25519.Sign(k.priv, message) }

// Verify checks a signature against a known public key, deriving the PeerID
// as a side effect so callers can confirm it matches an expected remote peer.
func Verify(pub ed25519.PublicKey, message, sig []byte) (PeerID, error) {
	if !ed25519.Verify(pub, message, sig) {
		return PeerID{}, errors.New("identity: invalid signature")
	}
	return DerivePeerID(pub), nil
}

var _ KeyPair = (*Ed25519KeyPair)(nil)
