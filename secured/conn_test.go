package secured

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nodelinkio/p2pcore/identity"
	"github.com/nodelinkio/p2pcore/p2perr"
	"github.com/nodelinkio/p2pcore/transport"
)

func pairedConns(t *testing.T, maxPlaintext int) (*SecuredConnection, *SecuredConnection) {
	t.Helper()
	key := make([]byte, chacha20poly1305.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	aeadA, err := chacha20poly1305.New(key)
	require.NoError(t, err)
	aeadB, err := chacha20poly1305.New(key)
	require.NoError(t, err)

	a, b := net.Pipe()
	var sendA, recvA, sendB, recvB [chacha20poly1305.NonceSize]byte
	recvA[chacha20poly1305.NonceSize-1] ^= 0x80
	sendB[chacha20poly1305.NonceSize-1] ^= 0x80

	local, _ := identity.GenerateKeyPair()
	remote, _ := identity.GenerateKeyPair()

	scA := New(transport.NewNetConn(a, local.PeerID(), remote.PeerID()), aeadA, sendA[:], recvA[:], maxPlaintext, local.PeerID(), remote.PeerID())
	scB := New(transport.NewNetConn(b, remote.PeerID(), local.PeerID()), aeadB, sendB[:], recvB[:], maxPlaintext, remote.PeerID(), local.PeerID())
	return scA, scB
}

func TestWriteReadRoundTrip(t *testing.T) {
	scA, scB := pairedConns(t, 1024)
	defer scA.Close()
	defer scB.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		plaintext, err := scB.Read()
		require.NoError(t, err)
		require.Equal(t, "hello world", string(plaintext))
	}()

	n, err := scA.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, len("hello world"), n)
	<-done
}

func TestWriteChunksLargePayloads(t *testing.T) {
	scA, scB := pairedConns(t, 16)
	defer scA.Close()
	defer scB.Close()

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	var received []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(received) < len(payload) {
			chunk, err := scB.Read()
			require.NoError(t, err)
			received = append(received, chunk...)
		}
	}()

	n, err := scA.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	<-done
	require.Equal(t, payload, received)
}

func TestReadFailsOnMismatchedKeys(t *testing.T) {
	keyA := make([]byte, chacha20poly1305.KeySize)
	keyB := make([]byte, chacha20poly1305.KeySize)
	for i := range keyB {
		keyB[i] = byte(255 - i) // deliberately different from keyA's all-zero
	}
	aeadA, err := chacha20poly1305.New(keyA)
	require.NoError(t, err)
	aeadB, err := chacha20poly1305.New(keyB)
	require.NoError(t, err)

	a, b := net.Pipe()
	var sendA, recvA, sendB, recvB [chacha20poly1305.NonceSize]byte
	recvA[chacha20poly1305.NonceSize-1] ^= 0x80
	sendB[chacha20poly1305.NonceSize-1] ^= 0x80

	id, _ := identity.GenerateKeyPair()
	scA := New(transport.NewNetConn(a, id.PeerID(), identity.PeerID{}), aeadA, sendA[:], recvA[:], 1024, id.PeerID(), identity.PeerID{})
	scB := New(transport.NewNetConn(b, identity.PeerID{}, id.PeerID()), aeadB, sendB[:], recvB[:], 1024, identity.PeerID{}, id.PeerID())
	defer scA.Close()
	defer scB.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := scB.Read()
		require.Error(t, err)
		kind, ok := p2perr.KindOf(err)
		require.True(t, ok)
		require.Equal(t, p2perr.KindSecurityFailed, kind)
	}()

	_, err = scA.Write([]byte("tamper me"))
	require.NoError(t, err)
	<-done
}

func TestCloseIsIdempotent(t *testing.T) {
	scA, scB := pairedConns(t, 1024)
	defer scB.Close()
	require.NoError(t, scA.Close())
	require.NoError(t, scA.Close())

	_, err := scA.Write([]byte("x"))
	require.Error(t, err)
}
