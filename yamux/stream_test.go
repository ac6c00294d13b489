package yamux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodelinkio/p2pcore/p2perr"
)

func keepaliveTestConfig() *Config {
	cfg := smallTestConfig()
	cfg.KeepaliveInterval = 40 * time.Millisecond
	return cfg
}

// S7: keepalive liveness (spec.md §8 property 7) — a session with nonzero
// KeepaliveInterval and no application traffic stays open across several
// keepalive intervals, because PING/ACK traffic keeps touching
// lastActivity on both sides.
func TestKeepaliveMaintainsLiveness(t *testing.T) {
	cfg := keepaliveTestConfig()
	client, server := newSessionPair(t, cfg)
	_ = server

	time.Sleep(6 * cfg.KeepaliveInterval)

	require.False(t, client.IsClosed())
	require.False(t, server.IsClosed())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Ping(ctx)
	require.NoError(t, err)
}

// spec.md §9: at most one Read may be outstanding on a stream at a time; a
// second concurrent Read fails immediately with StreamStateError instead of
// queueing behind the first.
func TestReadRejectsConcurrentPendingRead(t *testing.T) {
	client, server := newSessionPair(t, smallTestConfig())

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		st, err := client.OpenStream(context.Background())
		require.NoError(t, err)
		// announce the stream so the server can accept it before any data
		require.NoError(t, st.Open(context.Background()))

		time.Sleep(50 * time.Millisecond) // let the server's first Read become pending first
		_, err = st.Write([]byte("hi"))
		require.NoError(t, err)
		require.NoError(t, st.Close())
	}()

	go func() {
		defer wg.Done()
		st, err := server.AcceptStream(context.Background())
		require.NoError(t, err)

		readDone := make(chan struct{})
		var firstN int
		var firstErr error
		go func() {
			defer close(readDone)
			buf := make([]byte, 16)
			firstN, firstErr = st.Read(buf)
		}()
		time.Sleep(20 * time.Millisecond) // let the first Read block on st.cond.Wait

		_, err = st.Read(make([]byte, 1))
		require.Error(t, err)
		kind, ok := p2perr.KindOf(err)
		require.True(t, ok)
		require.Equal(t, p2perr.KindStreamStateError, kind)

		<-readDone
		require.NoError(t, firstErr)
		require.Equal(t, 2, firstN)
	}()

	wg.Wait()
}

// spec.md §8 property 5: once a stream is locally half-closed (or fully
// closed), further Write calls fail with StreamStateError instead of
// silently sending data after a FIN.
func TestWriteAfterHalfCloseFails(t *testing.T) {
	client, server := newSessionPair(t, smallTestConfig())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		st, err := server.AcceptStream(context.Background())
		require.NoError(t, err)
		got := readAll(t, st, len("final message"))
		require.Equal(t, "final message", string(got))
		n, err := st.Read(make([]byte, 1))
		require.NoError(t, err)
		require.Equal(t, 0, n) // EOF
	}()

	go func() {
		defer wg.Done()
		st, err := client.OpenStream(context.Background())
		require.NoError(t, err)
		_, err = st.Write([]byte("final message"))
		require.NoError(t, err)
		require.NoError(t, st.Close())

		_, err = st.Write([]byte("too late"))
		require.Error(t, err)
		kind, ok := p2perr.KindOf(err)
		require.True(t, ok)
		require.Equal(t, p2perr.KindStreamStateError, kind)
	}()

	wg.Wait()
}
