package yamux

import "time"

// Config holds the muxer-level options recognized per spec.md §6.
type Config struct {
	// KeepaliveInterval is the idle period after which a PING(SYN) is sent.
	// Zero disables keepalive.
	KeepaliveInterval time.Duration
	// InitialStreamWindowSize is the recv_window every new stream starts
	// with.
	InitialStreamWindowSize uint32
	// MaxStreamWindowSize bounds adaptive window growth (see spec.md §9;
	// this implementation keeps the window fixed, so this field is
	// accepted but not yet exercised — see DESIGN.md).
	MaxStreamWindowSize uint32
	// StreamWriteTimeout bounds how long a stream Write may block on a
	// congested send window before failing with StreamTimeout.
	StreamWriteTimeout time.Duration
	// MaxStreams bounds concurrently open streams; an inbound SYN beyond
	// this is answered with RST.
	MaxStreams int
	// MaxFrameSize bounds the payload of a single outbound DATA frame.
	MaxFrameSize uint32
	// AcceptBacklog bounds the inbound accept queue.
	AcceptBacklog int
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() *Config {
	return &Config{
		KeepaliveInterval:        30 * time.Second,
		InitialStreamWindowSize:  256 * 1024,
		MaxStreamWindowSize:      1024 * 1024,
		StreamWriteTimeout:       10 * time.Second,
		MaxStreams:               256,
		MaxFrameSize:             16 * 1024,
		AcceptBacklog:            256,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	cp := *c
	if cp.InitialStreamWindowSize == 0 {
		cp.InitialStreamWindowSize = d.InitialStreamWindowSize
	}
	if cp.MaxStreamWindowSize == 0 {
		cp.MaxStreamWindowSize = d.MaxStreamWindowSize
	}
	if cp.StreamWriteTimeout == 0 {
		cp.StreamWriteTimeout = d.StreamWriteTimeout
	}
	if cp.MaxStreams == 0 {
		cp.MaxStreams = d.MaxStreams
	}
	if cp.MaxFrameSize == 0 {
		cp.MaxFrameSize = d.MaxFrameSize
	}
	if cp.AcceptBacklog == 0 {
		cp.AcceptBacklog = d.AcceptBacklog
	}
	return &cp
}
