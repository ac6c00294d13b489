// Package transport defines the byte-pipe contract that the rest of the
// core consumes. The actual datagram/stream transport (UDX, TCP, ...) is
// external to this module; only the dial/listen/read/write/close shape is
// needed here.
package transport

import (
	"net"

	"github.com/nodelinkio/p2pcore/identity"
)

// Conn is an ordered, reliable byte pipe with framing-unaware read/write.
// Reads may return short; writes must complete fully or fail.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	LocalPeer() identity.PeerID
	RemotePeer() identity.PeerID
}

// netConn adapts a net.Conn plus a pair of peer identities to the Conn
// contract. It is the concrete transport used by tests and the demo CLI;
// real deployments would plug in UDX or any other net.Conn-compatible pipe.
type netConn struct {
	net.Conn
	localPeer  identity.PeerID
	remotePeer identity.PeerID
}

// NewNetConn wraps an established net.Conn, tagging it with the local and
// (if already known) remote peer identity.
func NewNetConn(c net.Conn, local, remote identity.PeerID) Conn {
	return &netConn{Conn: c, localPeer: local, remotePeer: remote}
}

func (c *netConn) LocalPeer() identity.PeerID  { return c.localPeer }
func (c *netConn) RemotePeer() identity.PeerID { return c.remotePeer }

var _ Conn = (*netConn)(nil)
