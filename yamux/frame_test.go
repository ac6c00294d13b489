package yamux

import "testing"

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	var buf header
	encodeHeader(buf[:], typeData, flagSYN|flagFIN, 7, 1234)

	got := decodeHeader(buf[:])
	if got.version != protoVersion {
		t.Fatalf("version = %d, want %d", got.version, protoVersion)
	}
	if got.typ != typeData {
		t.Fatalf("typ = %d, want %d", got.typ, typeData)
	}
	if !got.has(flagSYN) || !got.has(flagFIN) {
		t.Fatalf("flags = %x, want SYN|FIN", got.flags)
	}
	if got.has(flagACK) || got.has(flagRST) {
		t.Fatalf("flags = %x, unexpected ACK/RST", got.flags)
	}
	if got.streamID != 7 {
		t.Fatalf("streamID = %d, want 7", got.streamID)
	}
	if got.length != 1234 {
		t.Fatalf("length = %d, want 1234", got.length)
	}
}

func TestHeaderSizeIsTwelveBytes(t *testing.T) {
	if headerSize != 12 {
		t.Fatalf("headerSize = %d, want 12", headerSize)
	}
}
