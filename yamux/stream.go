package yamux

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodelinkio/p2pcore/p2perr"
)

type streamState int

const (
	stateInit streamState = iota
	stateSynSent
	stateSynReceived
	stateOpen
	stateLocalHalfClosed
	stateRemoteHalfClosed
	stateClosed
	stateReset
)

func (s streamState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateSynSent:
		return "syn_sent"
	case stateSynReceived:
		return "syn_received"
	case stateOpen:
		return "open"
	case stateLocalHalfClosed:
		return "local_half_closed"
	case stateRemoteHalfClosed:
		return "remote_half_closed"
	case stateClosed:
		return "closed"
	case stateReset:
		return "reset"
	default:
		return "unknown"
	}
}

// sessionHandle is the narrow slice of *Session a Stream is allowed to
// touch. Per spec.md §9's design note on the session↔stream cycle, streams
// never reach into session internals directly; they only call back through
// this handle, which the session invalidates (by closing closeCh, after
// which enqueue fails) on teardown.
type sessionHandle interface {
	enqueue(ctx context.Context, deadline time.Time, hdr header, payload []byte) error
	streamClosed(id uint32)
	streamEstablished(id uint32)
	cfg() *Config
}

// Stream is one multiplexed, flow-controlled, half-closable byte channel
// within a Session. The state machine and field layout are grounded on
// _examples/SiaFoundation-mux/v2/mux.go's Stream (cond-guarded buffer,
// established flag, single pending reader) generalized to YAMUX's richer
// half-close states per spec.md §3/§4.2.
type Stream struct {
	id      uint32
	session sessionHandle

	protocol atomic.Value // string

	mu    sync.Mutex
	cond  *sync.Cond
	state streamState

	recvWindow uint32 // credit we advertise to the peer
	recvUsed   uint32 // bytes read by the application but not yet credited back
	recvBuf    *bytes.Buffer

	sendWindow   uint32
	sendWindowCh chan struct{} // signalled when sendWindow grows

	pendingRead int32 // CAS guard: at most one outstanding Read

	readDeadline  time.Time
	writeDeadline time.Time

	resetErr error // sticky, set once on RST
}

func newStream(id uint32, session sessionHandle, state streamState, initialRecvWindow, initialSendWindow uint32) *Stream {
	s := &Stream{
		id:           id,
		session:      session,
		state:        state,
		recvWindow:   initialRecvWindow,
		sendWindow:   initialSendWindow,
		recvBuf:      new(bytes.Buffer),
		sendWindowCh: make(chan struct{}, 1),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the stream's id.
func (s *Stream) ID() uint32 { return s.id }

// Protocol returns the application protocol tag set via SetProtocol, or ""
// if none was negotiated yet.
func (s *Stream) Protocol() string {
	if v := s.protocol.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// SetProtocol tags the stream with an upper-layer protocol identifier.
func (s *Stream) SetProtocol(p string) { s.protocol.Store(p) }

// Open announces a not-yet-opened stream, sending SYN (client first use,
// moving to SynSent until the peer's ACK) or ACK (server responding to an
// inbound SYN, moving to Open) as needed. For
// data-carrying streams this happens implicitly on first Write; Open exists
// for callers that want to establish the stream before sending data.
func (s *Stream) Open(ctx context.Context) error {
	_, err := s.writeFrame(ctx, nil)
	return err
}

// sendFlagsLocked determines the SYN/ACK flags implied by the current
// state and advances state accordingly. Caller holds s.mu.
func (s *Stream) sendFlagsLocked() flags {
	var f flags
	switch s.state {
	case stateInit:
		f |= flagSYN
		s.state = stateSynSent
	case stateSynReceived:
		f |= flagACK
		s.state = stateOpen
	}
	return f
}

// Read returns the next chunk of buffered data, suspending if none is
// available yet. Per spec.md §9's "whatever is available" semantics, Read
// never waits to fill p; it returns as soon as at least one byte (or EOF,
// or an error) is ready. Only one Read may be outstanding at a time.
func (s *Stream) Read(p []byte) (int, error) {
	if !atomic.CompareAndSwapInt32(&s.pendingRead, 0, 1) {
		return 0, p2perr.StreamState("read", "already_pending")
	}
	defer atomic.StoreInt32(&s.pendingRead, 0)

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.state == stateReset {
			return 0, p2perr.StreamReset()
		}
		if s.state == stateInit {
			return 0, p2perr.StreamState("read", s.state.String())
		}
		if s.recvBuf.Len() > 0 {
			n, _ := s.recvBuf.Read(p)
			s.recvUsed += uint32(n)
			s.maybeSendWindowUpdateLocked()
			return n, nil
		}
		if s.state == stateRemoteHalfClosed || s.state == stateClosed {
			return 0, nil // EOF: buffer drained and peer is done
		}
		if !s.readDeadline.IsZero() {
			if !time.Now().Before(s.readDeadline) {
				return 0, p2perr.StreamTimeout()
			}
			timer := time.AfterFunc(time.Until(s.readDeadline), s.cond.Broadcast)
			defer timer.Stop()
		}
		s.cond.Wait()
	}
}

// Write blocks until all of p has been accepted by the session, i.e.
// enqueued onto the outbound frame queue after flow-control credit for it
// has been consumed. Writes larger than the session's MaxFrameSize are
// split into multiple frames.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := s.writeFrame(context.Background(), p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// writeFrame sends at most one MaxFrameSize-bounded chunk of data (or, if
// data is nil, a bare control frame carrying only SYN/ACK), blocking on the
// send window as needed.
func (s *Stream) writeFrame(ctx context.Context, data []byte) (int, error) {
	max := s.session.cfg().MaxFrameSize
	for {
		s.mu.Lock()
		switch s.state {
		case stateLocalHalfClosed, stateClosed:
			s.mu.Unlock()
			return 0, p2perr.StreamState("write", s.state.String())
		case stateReset:
			s.mu.Unlock()
			return 0, p2perr.StreamReset()
		}

		if len(data) == 0 {
			f := s.sendFlagsLocked()
			s.mu.Unlock()
			var hdr header
			encodeHeader(hdr[:], typeData, f, s.id, 0)
			if err := s.session.enqueue(ctx, s.writeDeadline, hdr, nil); err != nil {
				return 0, err
			}
			return 0, nil
		}

		window := s.sendWindow
		if window == 0 {
			deadline := s.writeDeadline
			if timeout := s.session.cfg().StreamWriteTimeout; deadline.IsZero() && timeout > 0 {
				deadline = time.Now().Add(timeout)
			}
			s.mu.Unlock()
			if err := s.waitForSendWindow(ctx, deadline); err != nil {
				return 0, err
			}
			continue
		}

		chunkLen := uint32(len(data))
		if chunkLen > window {
			chunkLen = window
		}
		if chunkLen > max {
			chunkLen = max
		}
		f := s.sendFlagsLocked()
		s.sendWindow -= chunkLen
		s.mu.Unlock()

		var hdr header
		encodeHeader(hdr[:], typeData, f, s.id, chunkLen)
		if err := s.session.enqueue(ctx, s.writeDeadline, hdr, data[:chunkLen]); err != nil {
			return int(chunkLen), err
		}
		return int(chunkLen), nil
	}
}

func (s *Stream) waitForSendWindow(ctx context.Context, deadline time.Time) error {
	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeoutCh = t.C
	}
	select {
	case <-s.sendWindowCh:
		return nil
	case <-timeoutCh:
		return p2perr.StreamTimeout()
	case <-ctx.Done():
		return p2perr.Cancelled(ctx.Err())
	}
}

// Close half-closes the stream (sends FIN) or, if the peer already did,
// completes the close.
func (s *Stream) Close() error {
	s.mu.Lock()
	var closeStream bool
	var f flags
	switch s.state {
	case stateInit, stateSynSent, stateSynReceived, stateOpen:
		f = s.sendFlagsLocked()
		s.state = stateLocalHalfClosed
	case stateRemoteHalfClosed:
		s.state = stateClosed
		closeStream = true
	case stateLocalHalfClosed, stateClosed, stateReset:
		s.mu.Unlock()
		return nil
	}
	f |= flagFIN
	s.mu.Unlock()

	var hdr header
	encodeHeader(hdr[:], typeData, f, s.id, 0)
	err := s.session.enqueue(context.Background(), time.Time{}, hdr, nil)

	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()

	if closeStream {
		s.session.streamClosed(s.id)
	}
	return err
}

// Reset abandons the stream, sending RST.
func (s *Stream) Reset() error {
	s.mu.Lock()
	if s.state == stateReset || s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateReset
	s.cond.Broadcast()
	s.mu.Unlock()

	var hdr header
	encodeHeader(hdr[:], typeWindowUpdate, flagRST, s.id, 0)
	err := s.session.enqueue(context.Background(), time.Time{}, hdr, nil)
	s.session.streamClosed(s.id)
	return err
}

// SetReadDeadline sets the deadline for future Read calls.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.writeDeadline = t
	s.mu.Unlock()
	return nil
}

// SetDeadline sets both read and write deadlines.
func (s *Stream) SetDeadline(t time.Time) error {
	if err := s.SetReadDeadline(t); err != nil {
		return err
	}
	return s.SetWriteDeadline(t)
}

// --- callbacks invoked by the session's reader goroutine ---

func (s *Stream) handleSYN() {
	s.mu.Lock()
	if s.state == stateInit {
		s.state = stateSynReceived
	}
	s.mu.Unlock()
}

func (s *Stream) handleACK() {
	s.mu.Lock()
	if s.state == stateSynSent {
		s.state = stateOpen
	}
	s.mu.Unlock()
	s.session.streamEstablished(s.id)
}

func (s *Stream) handleFIN() {
	s.mu.Lock()
	switch s.state {
	case stateInit, stateSynSent, stateSynReceived, stateOpen:
		s.state = stateRemoteHalfClosed
		s.cond.Broadcast()
	case stateLocalHalfClosed:
		s.state = stateClosed
		s.cond.Broadcast()
	}
	closed := s.state == stateClosed
	s.mu.Unlock()
	if closed {
		s.session.streamClosed(s.id)
	}
}

func (s *Stream) handleRST() {
	s.mu.Lock()
	s.state = stateReset
	s.recvBuf.Reset()
	s.cond.Broadcast()
	s.mu.Unlock()
	s.notifySendWaiters()
}

// handleData appends payload to the receive buffer. overflow reports a
// flow-control violation (caller must GO_AWAY(protocol) and close).
func (s *Stream) handleData(payload []byte) (overflow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint32(len(payload)) > s.recvWindow {
		return true
	}
	s.recvBuf.Write(payload)
	s.recvWindow -= uint32(len(payload))
	s.cond.Broadcast()
	return false
}

func (s *Stream) handleWindowUpdate(delta uint32) {
	s.mu.Lock()
	s.sendWindow += delta
	s.mu.Unlock()
	s.notifySendWaiters()
}

func (s *Stream) notifySendWaiters() {
	select {
	case s.sendWindowCh <- struct{}{}:
	default:
	}
}

// maybeSendWindowUpdateLocked coalesces WINDOW_UPDATEs: only emit once the
// accumulated, not-yet-credited consumption reaches half the initial
// window, per spec.md §4.2. Caller holds s.mu.
func (s *Stream) maybeSendWindowUpdateLocked() {
	threshold := s.session.cfg().InitialStreamWindowSize / 2
	if s.recvUsed < threshold {
		return
	}
	delta := s.recvUsed
	s.recvUsed = 0
	s.recvWindow += delta
	var hdr header
	encodeHeader(hdr[:], typeWindowUpdate, 0, s.id, delta)
	go s.session.enqueue(context.Background(), time.Time{}, hdr, nil)
}

// forceClose is invoked by the session on teardown: it moves the stream to
// Reset, waking any waiters without sending anything further on the wire.
func (s *Stream) forceClose() {
	s.mu.Lock()
	s.state = stateReset
	s.cond.Broadcast()
	s.mu.Unlock()
	s.notifySendWaiters()
}

func (s *Stream) currentState() streamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
