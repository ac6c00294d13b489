package yamux

import "encoding/binary"

// Wire-format constants per spec.md §6: a fixed 12-byte, big-endian header.
const (
	headerSize = 12
	protoVersion byte = 0
)

type frameType uint8

const (
	typeData         frameType = 0
	typeWindowUpdate frameType = 1
	typePing         frameType = 2
	typeGoAway       frameType = 3
)

type flags uint16

const (
	flagSYN flags = 1 << iota
	flagACK
	flagFIN
	flagRST
)

const (
	goAwayNormal   uint32 = 0
	goAwayProtocol uint32 = 1
	goAwayInternal uint32 = 2
)

// ID is the negotiable muxer protocol identifier from spec.md §6.
const ID = "/yamux/1.0.0"

// header is a mutable 12-byte YAMUX frame header, reused across writes to
// avoid per-frame allocation (grounded on the teacher's reused frameHeader
// scratch buffers in v2/mux.go's Stream.sendHdr-style fields).
type header [headerSize]byte

func encodeHeader(buf []byte, typ frameType, fl flags, streamID, length uint32) {
	buf[0] = protoVersion
	buf[1] = byte(typ)
	binary.BigEndian.PutUint16(buf[2:4], uint16(fl))
	binary.BigEndian.PutUint32(buf[4:8], streamID)
	binary.BigEndian.PutUint32(buf[8:12], length)
}

type decodedHeader struct {
	version  byte
	typ      frameType
	flags    flags
	streamID uint32
	length   uint32
}

func decodeHeader(buf []byte) decodedHeader {
	return decodedHeader{
		version:  buf[0],
		typ:      frameType(buf[1]),
		flags:    flags(binary.BigEndian.Uint16(buf[2:4])),
		streamID: binary.BigEndian.Uint32(buf[4:8]),
		length:   binary.BigEndian.Uint32(buf[8:12]),
	}
}

func (h decodedHeader) has(f flags) bool { return h.flags&f != 0 }
