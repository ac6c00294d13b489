// Package noiselike is a concrete SecurityProtocol: it performs an X25519
// ephemeral key exchange, authenticates the transcript with the responder's
// long-term Ed25519 key, and derives a ChaCha20-Poly1305 AEAD plus a pair of
// sequential nonces for the resulting secured.SecuredConnection. The
// initiator presents no long-term key, so only the initiator learns and
// verifies its peer's identity.
//
// This is not the Noise Protocol Framework; it is grounded directly on
// _examples/SiaFoundation-mux/v3/handshake.go's handshake, which the spec
// treats as exactly the kind of thing a SecurityProtocol supplies
// ("Noise handshake cryptography internals: consumed as a SecurityProtocol
// that, given a raw connection and a role, returns a secured connection").
// The name reflects that it plays Noise's role in this stack without
// claiming wire compatibility with it.
package noiselike

import (
	"crypto/cipher"
	"crypto/ed25519"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/frand"

	"github.com/nodelinkio/p2pcore/identity"
	"github.com/nodelinkio/p2pcore/p2perr"
	"github.com/nodelinkio/p2pcore/secured"
	"github.com/nodelinkio/p2pcore/transport"
)

// ID is the protocol identifier an Upgrader would negotiate.
const ID = "/noiselike/1.0.0"

const nonceSize = chacha20poly1305.NonceSize // 12

// Protocol implements the upgrade package's SecurityProtocol contract.
// It is kept dependency-free of the upgrade package itself (which would
// create an import cycle); upgrade.SecurityProtocol is structurally
// satisfied by the methods below.
type Protocol struct {
	Identity     identity.KeyPair
	MaxPlaintext int
}

// ProtocolID reports the negotiable protocol string.
func (p Protocol) ProtocolID() string { return ID }

// SecureOutbound performs the initiator side of the handshake and asserts
// the remote peer matches expectedRemote (PeerIDMismatch otherwise, per
// spec.md §4.4 step 1). A zero expectedRemote skips the check.
func (p Protocol) SecureOutbound(raw transport.Conn, expectedRemote identity.PeerID) (*secured.SecuredConnection, error) {
	sc, remote, err := initiate(raw, p.Identity, maxPlaintextOrDefault(p.MaxPlaintext))
	if err != nil {
		return nil, err
	}
	if !expectedRemote.Empty() && remote != expectedRemote {
		sc.Close()
		return nil, p2perr.PeerIDMismatch(fmt.Errorf("dialed %s, reached %s", expectedRemote, remote))
	}
	return sc, nil
}

// SecureInbound performs the responder side of the handshake. The
// initiator does not identify itself, so the returned connection's
// RemotePeer is the zero PeerID.
func (p Protocol) SecureInbound(raw transport.Conn) (*secured.SecuredConnection, error) {
	return respond(raw, p.Identity, maxPlaintextOrDefault(p.MaxPlaintext))
}

func maxPlaintextOrDefault(n int) int {
	if n <= 0 {
		return secured.DefaultMaxPlaintext
	}
	return n
}

// generateX25519KeyPair produces an ephemeral Curve25519 key pair for one
// handshake, grounded on the teacher's generateX25519KeyPair.
func generateX25519KeyPair() (sk, pk [32]byte) {
	frand.Read(sk[:])
	curve25519.ScalarBaseMult(&pk, &sk)
	return
}

// deriveDirectionalNonces mirrors the teacher's seqCipher initialization:
// both sides start from the all-zero nonce, but the "their" side of each
// party is offset in the top bit of the last byte so the two directions
// never share a (key, nonce) pair.
func deriveDirectionalNonces(isInitiator bool) (send, recv [nonceSize]byte) {
	if isInitiator {
		recv[nonceSize-1] ^= 0x80
	} else {
		send[nonceSize-1] ^= 0x80
	}
	return
}

func initiate(conn transport.Conn, local identity.KeyPair, maxPlaintext int) (*secured.SecuredConnection, identity.PeerID, error) {
	xsk, xpk := generateX25519KeyPair()

	if _, err := conn.Write(xpk[:]); err != nil {
		return nil, identity.PeerID{}, p2perr.Transport("handshake_write", err)
	}

	// response: remote ephemeral pubkey || remote static pubkey || signature
	var resp [32 + ed25519.PublicKeySize + ed25519.SignatureSize]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return nil, identity.PeerID{}, p2perr.Transport("handshake_read", err)
	}
	var rxpk [32]byte
	copy(rxpk[:], resp[:32])
	remoteStatic := append(ed25519.PublicKey(nil), resp[32:32+ed25519.PublicKeySize]...)
	sig := resp[32+ed25519.PublicKeySize:]

	transcript := append(append([]byte{}, xpk[:]...), rxpk[:]...)
	transcript = append(transcript, remoteStatic...)
	remotePeer, err := identity.Verify(remoteStatic, transcript, sig)
	if err != nil {
		return nil, identity.PeerID{}, p2perr.SecurityFailed(err)
	}

	aead, err := deriveAEAD(xsk, rxpk)
	if err != nil {
		return nil, identity.PeerID{}, p2perr.SecurityFailed(err)
	}
	send, recv := deriveDirectionalNonces(true)

	sc := secured.New(conn, aead, send[:], recv[:], maxPlaintext, local.PeerID(), remotePeer)
	return sc, remotePeer, nil
}

func respond(conn transport.Conn, local identity.KeyPair, maxPlaintext int) (*secured.SecuredConnection, error) {
	xsk, xpk := generateX25519KeyPair()

	var rxpk [32]byte
	if _, err := io.ReadFull(conn, rxpk[:]); err != nil {
		return nil, p2perr.Transport("handshake_read", err)
	}

	transcript := append(append([]byte{}, rxpk[:]...), xpk[:]...)
	transcript = append(transcript, local.PublicKey()...)
	sig := local.Sign(transcript)

	resp := make([]byte, 0, 32+ed25519.PublicKeySize+ed25519.SignatureSize)
	resp = append(resp, xpk[:]...)
	resp = append(resp, local.PublicKey()...)
	resp = append(resp, sig...)
	if _, err := conn.Write(resp); err != nil {
		return nil, p2perr.Transport("handshake_write", err)
	}

	aead, err := deriveAEAD(xsk, rxpk)
	if err != nil {
		return nil, p2perr.SecurityFailed(err)
	}
	send, recv := deriveDirectionalNonces(false)

	sc := secured.New(conn, aead, send[:], recv[:], maxPlaintext, local.PeerID(), identity.PeerID{})
	return sc, nil
}

// deriveAEAD derives a ChaCha20-Poly1305 AEAD from the X25519 shared secret,
// exactly as the teacher's deriveSharedCipher does (minus the low-order
// point rejection the teacher's author chose to skip, for the same reason
// they gave: a low-order point only lets the attacker read what the peer
// would happily disclose anyway).
func deriveAEAD(ourSK, theirPK [32]byte) (cipher.AEAD, error) {
	secret, err := curve25519.X25519(ourSK[:], theirPK[:])
	if err != nil {
		return nil, err
	}
	key := blake2b.Sum256(secret)
	return chacha20poly1305.New(key[:])
}
