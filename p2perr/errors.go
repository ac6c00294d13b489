// Package p2perr collects the error taxonomy shared by the secured,
// noiselike, yamux, and upgrade packages. Grouping the kinds in one place
// lets callers type-switch once regardless of which layer raised the error,
// matching the propagation rule that transport errors surface unchanged and
// secured-layer errors fail the whole session.
package p2perr

import "fmt"

// Kind classifies an Error without pinning callers to a specific wrapped
// cause, so higher layers can decide what is retryable.
type Kind int

const (
	// KindTransport covers failures of the underlying byte pipe.
	KindTransport Kind = iota
	// KindSecurityFailed is a MAC verification or handshake failure. Always
	// fatal to the connection.
	KindSecurityFailed
	// KindProtocolViolation is a malformed frame, window overflow, duplicate
	// SYN, or version mismatch. Fatal to the session.
	KindProtocolViolation
	// KindStreamStateError is an operation illegal in the stream's current
	// state. Local to the stream, not fatal to the session.
	KindStreamStateError
	// KindStreamTimeout is a per-stream deadline expiring.
	KindStreamTimeout
	// KindSessionTimeout is a session-level deadline (e.g. keepalive) expiring.
	KindSessionTimeout
	// KindStreamReset means the peer sent RST, or we did.
	KindStreamReset
	// KindResourceLimit means max_streams or the accept queue was exceeded.
	KindResourceLimit
	// KindUpgradeFailed is a security/muxer negotiation failure.
	KindUpgradeFailed
	// KindPeerIDMismatch means an outbound dial reached the wrong peer.
	KindPeerIDMismatch
	// KindCancelled means the caller's context was cancelled or its deadline
	// expired before the operation completed.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindSecurityFailed:
		return "security_failed"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindStreamStateError:
		return "stream_state_error"
	case KindStreamTimeout:
		return "stream_timeout"
	case KindSessionTimeout:
		return "session_timeout"
	case KindStreamReset:
		return "stream_reset"
	case KindResourceLimit:
		return "resource_limit"
	case KindUpgradeFailed:
		return "upgrade_failed"
	case KindPeerIDMismatch:
		return "peer_id_mismatch"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the concrete type behind every error this module returns for a
// protocol-meaningful failure (as opposed to plain I/O errors, which are
// wrapped with KindTransport but otherwise left unchanged per spec).
type Error struct {
	Kind Kind

	// Op names the operation that failed, e.g. "read", "write", "open_stream".
	Op string
	// State is the stream/session state at the time of failure, used by
	// StreamStateError.
	State string
	// Phase distinguishes security vs muxer negotiation for UpgradeFailed.
	Phase string

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStreamStateError:
		return fmt.Sprintf("p2pcore: %s: illegal in state %q", e.Op, e.State)
	case KindUpgradeFailed:
		return fmt.Sprintf("p2pcore: upgrade failed during %s phase: %v", e.Phase, e.Err)
	default:
		if e.Err != nil {
			return fmt.Sprintf("p2pcore: %s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("p2pcore: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf walks err's Unwrap chain and reports the Kind of the first *Error
// found, or false if there is none. Kind itself is not an error, so
// errors.Is cannot match on it; compare p2perr.KindOf(err) instead.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return 0, false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Transport wraps an underlying byte-pipe error.
func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// SecurityFailed wraps a MAC/handshake failure.
func SecurityFailed(err error) *Error {
	return &Error{Kind: KindSecurityFailed, Err: err}
}

// ProtocolViolation wraps a malformed-frame/window-overflow failure.
func ProtocolViolation(err error) *Error {
	return &Error{Kind: KindProtocolViolation, Err: err}
}

// StreamState builds a StreamStateError for an operation illegal in the
// current state.
func StreamState(op, state string) *Error {
	return &Error{Kind: KindStreamStateError, Op: op, State: state}
}

// StreamTimeout builds a StreamTimeout error.
func StreamTimeout() *Error { return &Error{Kind: KindStreamTimeout} }

// SessionTimeout builds a SessionTimeout error.
func SessionTimeout(err error) *Error { return &Error{Kind: KindSessionTimeout, Err: err} }

// StreamReset builds a StreamReset error.
func StreamReset() *Error { return &Error{Kind: KindStreamReset} }

// ResourceLimit builds a ResourceLimit error.
func ResourceLimit(op string, err error) *Error {
	return &Error{Kind: KindResourceLimit, Op: op, Err: err}
}

// UpgradeFailed builds an UpgradeFailed error for the given phase
// ("security" or "muxer").
func UpgradeFailed(phase string, err error) *Error {
	return &Error{Kind: KindUpgradeFailed, Phase: phase, Err: err}
}

// PeerIDMismatch builds a PeerIDMismatch error.
func PeerIDMismatch(err error) *Error {
	return &Error{Kind: KindPeerIDMismatch, Err: err}
}

// Cancelled builds a Cancelled error.
func Cancelled(err error) *Error {
	return &Error{Kind: KindCancelled, Err: err}
}
