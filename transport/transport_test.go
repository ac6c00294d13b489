package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodelinkio/p2pcore/identity"
)

func TestNetConnRoundTrip(t *testing.T) {
	local, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	remote, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ca := NewNetConn(a, local.PeerID(), remote.PeerID())
	cb := NewNetConn(b, remote.PeerID(), local.PeerID())

	require.Equal(t, local.PeerID(), ca.LocalPeer())
	require.Equal(t, remote.PeerID(), ca.RemotePeer())

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 5)
		n, err := cb.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "hello", string(buf[:n]))
	}()

	_, err = ca.Write([]byte("hello"))
	require.NoError(t, err)
	<-done
}

func TestNetConnCloseIsIdempotentFromCallerSide(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewNetConn(a, identity.PeerID{}, identity.PeerID{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
