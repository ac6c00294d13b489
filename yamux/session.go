// Package yamux implements a YAMUX-compatible stream multiplexer atop a
// secured.SecuredConnection: one Session demultiplexes many independently
// flow-controlled Streams, each advertising and consuming byte-level credit
// per spec.md §3/§4.3.
//
// The channel-based reader/writer/keepalive split is grounded on the
// reference YAMUX session architecture surveyed across the example pack
// (a single outbound frame queue drained by one writer goroutine, a single
// reader goroutine dispatching by frame type, a keepalive timer watching
// last-activity); the per-stream state machine and cond-based buffering are
// grounded on the teacher's _examples/SiaFoundation-mux/v2/mux.go Stream.
package yamux

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nodelinkio/p2pcore/identity"
	"github.com/nodelinkio/p2pcore/p2perr"
	"github.com/nodelinkio/p2pcore/secured"
)

type outboundFrame struct {
	hdr     header
	payload []byte
}

type pingWaiter struct {
	id   uint32
	resp chan struct{}
}

// Session is one secured connection plus the YAMUX state multiplexing
// streams on it.
type Session struct {
	isClient bool
	sc       *secured.SecuredConnection
	config   *Config
	log      zerolog.Logger

	streamMu sync.Mutex
	streams  map[uint32]*Stream
	nextID   uint32

	acceptCh chan *Stream
	outCh    chan outboundFrame

	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  atomic.Value // error

	goAwaySent     atomic.Bool
	goAwayReceived atomic.Bool

	lastActivity atomic.Int64 // unix nanos

	pingMu     sync.Mutex
	pingNextID uint32
	activePing *pingWaiter

	eg *errgroup.Group
}

var _ sessionHandle = (*Session)(nil)

// New creates a Session and starts its reader, writer, and (if enabled)
// keepalive goroutines. isClient determines stream-id parity per spec.md §3.
func New(sc *secured.SecuredConnection, isClient bool, cfg *Config, log zerolog.Logger) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		isClient: isClient,
		sc:       sc,
		config:   cfg,
		log:      log,
		streams:  make(map[uint32]*Stream),
		acceptCh: make(chan *Stream, cfg.AcceptBacklog),
		outCh:    make(chan outboundFrame, 64),
		closeCh:  make(chan struct{}),
	}
	if isClient {
		s.nextID = 1
	} else {
		s.nextID = 2
	}
	s.lastActivity.Store(time.Now().UnixNano())

	eg, _ := errgroup.WithContext(context.Background())
	s.eg = eg
	eg.Go(func() error { s.readLoop(); return nil })
	eg.Go(func() error { s.writeLoop(); return nil })
	if cfg.KeepaliveInterval > 0 {
		eg.Go(func() error { s.keepaliveLoop(); return nil })
	}
	return s
}

// cfg satisfies sessionHandle; named separately from the config field since
// Go forbids a method and field sharing a name.
func (s *Session) cfg() *Config { return s.config }

// RemotePeer reports the peer identity established by the security layer.
func (s *Session) RemotePeer() identity.PeerID { return s.sc.RemotePeer() }

// LocalPeer reports this side's identity as presented during the handshake.
func (s *Session) LocalPeer() identity.PeerID { return s.sc.LocalPeer() }

func (s *Session) enqueue(ctx context.Context, deadline time.Time, hdr header, payload []byte) error {
	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeoutCh = t.C
	}
	select {
	case s.outCh <- outboundFrame{hdr: hdr, payload: payload}:
		return nil
	case <-s.closeCh:
		return s.loadCloseErr()
	case <-timeoutCh:
		return p2perr.StreamTimeout()
	case <-ctx.Done():
		return p2perr.Cancelled(ctx.Err())
	}
}

func (s *Session) streamClosed(id uint32) {
	s.streamMu.Lock()
	delete(s.streams, id)
	s.streamMu.Unlock()
}

func (s *Session) streamEstablished(uint32) {}

// OpenStream allocates a new client- or server-parity stream id and
// registers it locally. No I/O happens yet: like the teacher's DialStream,
// "the peer will not be aware of the new Stream until Write is called" (or
// Open is called explicitly).
func (s *Session) OpenStream(ctx context.Context) (*Stream, error) {
	select {
	case <-s.closeCh:
		return nil, s.loadCloseErr()
	default:
	}
	if s.goAwayReceived.Load() {
		return nil, p2perr.ResourceLimit("open_stream", fmt.Errorf("peer sent GO_AWAY"))
	}

	s.streamMu.Lock()
	if len(s.streams) >= s.config.MaxStreams {
		s.streamMu.Unlock()
		return nil, p2perr.ResourceLimit("open_stream", fmt.Errorf("max_streams (%d) exceeded", s.config.MaxStreams))
	}
	id := s.nextID
	if id > math.MaxUint32-2 {
		s.streamMu.Unlock()
		s.fatal(p2perr.ProtocolViolation(fmt.Errorf("stream id space exhausted")))
		return nil, p2perr.ResourceLimit("open_stream", fmt.Errorf("stream id space exhausted"))
	}
	s.nextID += 2

	st := newStream(id, s, stateInit, s.config.InitialStreamWindowSize, s.config.InitialStreamWindowSize)
	s.streams[id] = st
	s.streamMu.Unlock()
	return st, nil
}

// AcceptStream waits for and returns the next peer-initiated Stream.
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case st := <-s.acceptCh:
		return st, nil
	case <-s.closeCh:
		return nil, s.loadCloseErr()
	case <-ctx.Done():
		return nil, p2perr.Cancelled(ctx.Err())
	}
}

// Ping sends a PING(SYN) and waits for the matching ACK, returning the
// measured round-trip time.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	s.pingMu.Lock()
	id := s.pingNextID
	s.pingNextID++
	waiter := &pingWaiter{id: id, resp: make(chan struct{}, 1)}
	s.activePing = waiter
	s.pingMu.Unlock()

	var hdr header
	encodeHeader(hdr[:], typePing, flagSYN, 0, id)
	start := time.Now()
	if err := s.enqueue(ctx, time.Time{}, hdr, nil); err != nil {
		return 0, err
	}
	select {
	case <-waiter.resp:
		return time.Since(start), nil
	case <-s.closeCh:
		return 0, s.loadCloseErr()
	case <-ctx.Done():
		return 0, p2perr.Cancelled(ctx.Err())
	}
}

// IsClosed reports whether the session has been torn down.
func (s *Session) IsClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Close sends GO_AWAY(normal), resets all still-open streams, and closes
// the secured connection. Idempotent.
func (s *Session) Close() error {
	s.teardown(goAwayNormal, fmt.Errorf("yamux: session closed"))
	return nil
}

func (s *Session) fatal(cause error) {
	s.teardown(goAwayCodeFor(cause), cause)
}

func (s *Session) teardown(code uint32, cause error) {
	s.closeOnce.Do(func() {
		s.closeErr.Store(cause)
		if !s.goAwaySent.Swap(true) {
			var hdr header
			encodeHeader(hdr[:], typeGoAway, 0, 0, code)
			select {
			case s.outCh <- outboundFrame{hdr: hdr}:
			default:
			}
		}
		close(s.closeCh)

		s.streamMu.Lock()
		for id, st := range s.streams {
			st.forceClose()
			delete(s.streams, id)
		}
		s.streamMu.Unlock()

		s.sc.Close()
		// Not waiting on s.eg here: teardown can itself run on the
		// readLoop/writeLoop goroutine (via fatal), and errgroup.Wait
		// blocks until every Go'd func returns, including the caller's —
		// that would deadlock. Closing closeCh and the secured connection
		// is enough to unblock all three loops on their own.
	})
}

func goAwayCodeFor(err error) uint32 {
	if k, ok := p2perr.KindOf(err); ok && k == p2perr.KindProtocolViolation {
		return goAwayProtocol
	}
	return goAwayInternal
}

func (s *Session) loadCloseErr() error {
	if v := s.closeErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// writeLoop is the session's single writer: every outbound frame, whether
// stream data, a WINDOW_UPDATE, a PING, or GO_AWAY, passes through here so
// the wire never interleaves two frames' bytes.
func (s *Session) writeLoop() {
	buf := make([]byte, 0, 4096)
	for {
		select {
		case f := <-s.outCh:
			buf = buf[:0]
			buf = append(buf, f.hdr[:]...)
			buf = append(buf, f.payload...)
			if _, err := s.sc.Write(buf); err != nil {
				s.fatal(p2perr.Transport("session_write", err))
				return
			}
			s.touch()
		case <-s.closeCh:
			return
		}
	}
}

// readLoop is the session's single reader: it decodes one frame at a time
// from the secured connection and dispatches by type, per spec.md §4.3's
// frame table.
func (s *Session) readLoop() {
	for {
		frame, err := s.sc.Read()
		if err != nil {
			if !s.IsClosed() {
				s.fatal(classifySessionReadErr(err))
			}
			return
		}
		if len(frame) < headerSize {
			s.fatal(p2perr.ProtocolViolation(fmt.Errorf("short frame: %d bytes", len(frame))))
			return
		}
		s.touch()
		hdr := decodeHeader(frame[:headerSize])
		payload := frame[headerSize:]
		if hdr.typ == typeData && uint32(len(payload)) < hdr.length {
			// A DATA frame larger than one record arrives as consecutive
			// records; the single writer never interleaves them.
			payload = append([]byte(nil), payload...)
			for uint32(len(payload)) < hdr.length {
				next, err := s.sc.Read()
				if err != nil {
					if !s.IsClosed() {
						s.fatal(classifySessionReadErr(err))
					}
					return
				}
				payload = append(payload, next...)
			}
		}
		// Only DATA carries a payload; for the other types length is a value.
		if (hdr.typ == typeData && uint32(len(payload)) != hdr.length) || (hdr.typ != typeData && len(payload) != 0) {
			s.fatal(p2perr.ProtocolViolation(fmt.Errorf("length mismatch: header %d, got %d", hdr.length, len(payload))))
			return
		}

		switch hdr.typ {
		case typeData:
			s.dispatchData(hdr, payload)
		case typeWindowUpdate:
			s.dispatchWindowUpdate(hdr)
		case typePing:
			s.dispatchPing(hdr)
		case typeGoAway:
			s.dispatchGoAway(hdr)
		default:
			s.fatal(p2perr.ProtocolViolation(fmt.Errorf("unknown frame type %d", hdr.typ)))
			return
		}
		if s.IsClosed() {
			return
		}
	}
}

func classifySessionReadErr(err error) error {
	if k, ok := p2perr.KindOf(err); ok {
		switch k {
		case p2perr.KindSecurityFailed, p2perr.KindProtocolViolation, p2perr.KindTransport:
			return err
		}
	}
	return p2perr.Transport("session_read", err)
}

func (s *Session) dispatchData(hdr decodedHeader, payload []byte) {
	if hdr.has(flagRST) {
		s.resetStream(hdr.streamID)
		return
	}

	st, ok := s.lookupOrAdmit(hdr)
	if !ok {
		return // already RST for parity/backlog/limit violation
	}
	if st == nil {
		return // SYN-less frame for unknown stream: ignore, peer likely just closed
	}

	if hdr.has(flagACK) {
		st.handleACK()
	}
	if len(payload) > 0 {
		if overflow := st.handleData(payload); overflow {
			s.fatal(p2perr.ProtocolViolation(fmt.Errorf("stream %d exceeded recv_window", hdr.streamID)))
			return
		}
	}
	if hdr.has(flagFIN) {
		st.handleFIN()
	}
}

func (s *Session) dispatchWindowUpdate(hdr decodedHeader) {
	if hdr.has(flagRST) {
		s.resetStream(hdr.streamID)
		return
	}
	s.streamMu.Lock()
	st := s.streams[hdr.streamID]
	s.streamMu.Unlock()
	if st == nil {
		return
	}
	if hdr.has(flagSYN) {
		st.handleSYN()
	}
	if hdr.has(flagACK) {
		st.handleACK()
	}
	st.handleWindowUpdate(hdr.length)
	if hdr.has(flagFIN) {
		st.handleFIN()
	}
}

func (s *Session) resetStream(id uint32) {
	s.streamMu.Lock()
	st := s.streams[id]
	delete(s.streams, id)
	s.streamMu.Unlock()
	if st != nil {
		st.handleRST()
	}
}

func (s *Session) dispatchPing(hdr decodedHeader) {
	if hdr.has(flagSYN) {
		var reply header
		encodeHeader(reply[:], typePing, flagACK, 0, hdr.length)
		select {
		case s.outCh <- outboundFrame{hdr: reply}:
		case <-s.closeCh:
		}
		return
	}
	if hdr.has(flagACK) {
		s.pingMu.Lock()
		w := s.activePing
		s.pingMu.Unlock()
		if w != nil && w.id == hdr.length {
			select {
			case w.resp <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Session) dispatchGoAway(hdr decodedHeader) {
	s.goAwayReceived.Store(true)
	s.log.Debug().Uint32("code", hdr.length).Msg("yamux: received GO_AWAY")
	if hdr.length != goAwayNormal {
		s.fatal(p2perr.ProtocolViolation(fmt.Errorf("peer sent GO_AWAY code %d", hdr.length)))
	}
}

// lookupOrAdmit returns the Stream for an established id, or, for a SYN on
// an unknown id, admits a new peer-initiated stream (subject to parity,
// MaxStreams, and accept-backlog checks). A MaxStreams or backlog violation
// is answered with RST instead of blocking; a wrong-parity id is answered
// with RST and also fails the session as a protocol violation.
func (s *Session) lookupOrAdmit(hdr decodedHeader) (st *Stream, ok bool) {
	s.streamMu.Lock()
	if existing := s.streams[hdr.streamID]; existing != nil {
		s.streamMu.Unlock()
		return existing, true
	}
	s.streamMu.Unlock()

	if !hdr.has(flagSYN) {
		return nil, true // stray frame for a stream we've already forgotten
	}

	if s.isClient == (hdr.streamID%2 == 1) {
		// a client only expects peer-initiated (even) ids; a server only
		// expects peer-initiated (odd) ids.
		s.rstUnadmitted(hdr.streamID)
		s.fatal(p2perr.ProtocolViolation(fmt.Errorf("inbound SYN with wrong-parity stream id %d", hdr.streamID)))
		return nil, false
	}

	s.streamMu.Lock()
	if len(s.streams) >= s.config.MaxStreams {
		s.streamMu.Unlock()
		s.rstUnadmitted(hdr.streamID)
		return nil, false
	}
	newSt := newStream(hdr.streamID, s, stateSynReceived, s.config.InitialStreamWindowSize, s.config.InitialStreamWindowSize)
	s.streams[hdr.streamID] = newSt
	s.streamMu.Unlock()

	select {
	case s.acceptCh <- newSt:
		return newSt, true
	default:
		s.streamMu.Lock()
		delete(s.streams, hdr.streamID)
		s.streamMu.Unlock()
		s.rstUnadmitted(hdr.streamID)
		return nil, false
	}
}

func (s *Session) rstUnadmitted(id uint32) {
	var hdr header
	encodeHeader(hdr[:], typeWindowUpdate, flagRST, id, 0)
	select {
	case s.outCh <- outboundFrame{hdr: hdr}:
	case <-s.closeCh:
	default:
	}
}

// keepaliveLoop sends a PING(SYN) after KeepaliveInterval of silence and
// treats a round with no traffic at all (no ACK, no other frame) as a dead
// peer, per spec.md §4.3's keepalive/timeout behavior.
func (s *Session) keepaliveLoop() {
	interval := s.config.KeepaliveInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missedOnce := false
	for {
		select {
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle < interval {
				missedOnce = false
				continue
			}
			if missedOnce {
				s.fatal(p2perr.SessionTimeout(fmt.Errorf("no traffic for %s after keepalive ping", interval)))
				return
			}
			missedOnce = true
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, err := s.Ping(ctx)
			cancel()
			if err == nil {
				missedOnce = false
			}
		case <-s.closeCh:
			return
		}
	}
}
