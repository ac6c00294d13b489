package yamux

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nodelinkio/p2pcore/identity"
	"github.com/nodelinkio/p2pcore/p2perr"
	"github.com/nodelinkio/p2pcore/secured"
	"github.com/nodelinkio/p2pcore/transport"
)

// newSessionPair wires two Sessions together over a net.Pipe-backed
// SecuredConnection pair, mirroring how an Upgrader would build one after a
// real handshake (here using a fixed shared key instead of running
// noiselike, since these tests exercise the muxer, not the handshake).
func newSessionPair(t *testing.T, cfg *Config) (client, server *Session) {
	t.Helper()
	key := make([]byte, chacha20poly1305.KeySize)
	aeadA, err := chacha20poly1305.New(key)
	require.NoError(t, err)
	aeadB, err := chacha20poly1305.New(key)
	require.NoError(t, err)

	a, b := net.Pipe()
	var sendA, recvA, sendB, recvB [chacha20poly1305.NonceSize]byte
	recvA[chacha20poly1305.NonceSize-1] ^= 0x80
	sendB[chacha20poly1305.NonceSize-1] ^= 0x80

	clientID, _ := identity.GenerateKeyPair()
	serverID, _ := identity.GenerateKeyPair()

	scA := secured.New(transport.NewNetConn(a, clientID.PeerID(), serverID.PeerID()), aeadA, sendA[:], recvA[:], 4096, clientID.PeerID(), serverID.PeerID())
	scB := secured.New(transport.NewNetConn(b, serverID.PeerID(), clientID.PeerID()), aeadB, sendB[:], recvB[:], 4096, serverID.PeerID(), clientID.PeerID())

	log := zerolog.Nop()
	client = New(scA, true, cfg, log)
	server = New(scB, false, cfg, log)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func smallTestConfig() *Config {
	return &Config{
		KeepaliveInterval:       0,
		InitialStreamWindowSize: 64 * 1024,
		MaxStreams:              4,
		MaxFrameSize:            4096,
		AcceptBacklog:           4,
		StreamWriteTimeout:      5 * time.Second,
	}
}

func readAll(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, 0, n)
	chunk := make([]byte, 4096)
	for len(buf) < n {
		m, err := r.Read(chunk)
		if m > 0 {
			buf = append(buf, chunk[:m]...)
		}
		if err != nil {
			require.NoError(t, err)
		}
	}
	return buf
}

// S1/S2/S3-style payload round trip at a few sizes, including the 96KiB
// size that is historically where off-by-one window accounting bugs show
// up first.
func TestStreamRoundTripVariousSizes(t *testing.T) {
	for _, size := range []int{50 * 1024, 96 * 1024, 200 * 1024} {
		size := size
		t.Run("", func(t *testing.T) {
			client, server := newSessionPair(t, smallTestConfig())

			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i)
			}

			var wg sync.WaitGroup
			wg.Add(2)
			var got []byte
			go func() {
				defer wg.Done()
				st, err := server.AcceptStream(context.Background())
				require.NoError(t, err)
				got = readAll(t, st, size)
				st.Close()
			}()
			go func() {
				defer wg.Done()
				st, err := client.OpenStream(context.Background())
				require.NoError(t, err)
				_, err = st.Write(payload)
				require.NoError(t, err)
				st.Close()
			}()
			wg.Wait()
			require.Equal(t, payload, got)
		})
	}
}

func TestConcurrentStreamsDoNotInterfere(t *testing.T) {
	client, server := newSessionPair(t, smallTestConfig())
	const n = 3

	// Accept order between concurrently opened streams is not defined, so
	// each accepted stream records which payload it got; every payload must
	// arrive intact on exactly one stream.
	var mu sync.Mutex
	seen := make(map[byte]int)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			st, err := server.AcceptStream(context.Background())
			require.NoError(t, err)
			buf := make([]byte, 5)
			_, err = io.ReadFull(st, buf)
			require.NoError(t, err)
			require.Equal(t, "xxxx", string(buf[1:]))
			mu.Lock()
			seen[buf[0]]++
			mu.Unlock()
			st.Close()
		}()
		go func() {
			defer wg.Done()
			st, err := client.OpenStream(context.Background())
			require.NoError(t, err)
			_, err = st.Write([]byte{byte('A' + i), 'x', 'x', 'x', 'x'})
			require.NoError(t, err)
			st.Close()
		}()
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.Equal(t, 1, seen[byte('A'+i)])
	}
}

// S4: MaxStreams enforcement — a locally-opened stream beyond the cap
// fails with ResourceLimit rather than exceeding the configured table size.
func TestMaxStreamsEnforced(t *testing.T) {
	cfg := smallTestConfig()
	cfg.MaxStreams = 2
	client, _ := newSessionPair(t, cfg)

	for i := 0; i < 2; i++ {
		_, err := client.OpenStream(context.Background())
		require.NoError(t, err)
	}
	_, err := client.OpenStream(context.Background())
	require.Error(t, err)
	kind, ok := p2perr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, p2perr.KindResourceLimit, kind)
}

// Ping round trip: a PING(SYN) is answered with an ACK and the measured
// round-trip time is reported.
func TestPingMeasuresRoundTrip(t *testing.T) {
	client, server := newSessionPair(t, smallTestConfig())
	_ = server

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rtt, err := client.Ping(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rtt, time.Duration(0))
}

// S6: Reset wakes the peer's pending Read and removes the stream from both
// tables.
func TestResetWakesPeerRead(t *testing.T) {
	client, server := newSessionPair(t, smallTestConfig())

	var wg sync.WaitGroup
	wg.Add(2)

	var acceptedID uint32
	go func() {
		defer wg.Done()
		st, err := server.AcceptStream(context.Background())
		require.NoError(t, err)
		acceptedID = st.ID()
		buf := make([]byte, 16)
		_, err = st.Read(buf)
		require.Error(t, err)
		kind, ok := p2perr.KindOf(err)
		require.True(t, ok)
		require.Equal(t, p2perr.KindStreamReset, kind)
	}()

	var openedID uint32
	go func() {
		defer wg.Done()
		st, err := client.OpenStream(context.Background())
		require.NoError(t, err)
		openedID = st.ID()
		require.NoError(t, st.Open(context.Background()))
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, st.Reset())
	}()

	wg.Wait()
	require.Equal(t, openedID, acceptedID)

	client.streamMu.Lock()
	_, stillThere := client.streams[openedID]
	client.streamMu.Unlock()
	require.False(t, stillThere)

	server.streamMu.Lock()
	_, stillThere = server.streams[acceptedID]
	server.streamMu.Unlock()
	require.False(t, stillThere)
}

func TestHalfCloseAllowsDrainingBufferedData(t *testing.T) {
	client, server := newSessionPair(t, smallTestConfig())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		st, err := client.OpenStream(context.Background())
		require.NoError(t, err)
		_, err = st.Write([]byte("final message"))
		require.NoError(t, err)
		require.NoError(t, st.Close())
	}()

	go func() {
		defer wg.Done()
		st, err := server.AcceptStream(context.Background())
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond) // let FIN arrive after the data
		got := readAll(t, st, len("final message"))
		require.Equal(t, "final message", string(got))
		n, err := st.Read(make([]byte, 1))
		require.NoError(t, err)
		require.Equal(t, 0, n) // EOF
		require.NoError(t, st.Close())
	}()
	wg.Wait()
}
