package secured

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func newTestCipherPair(t *testing.T) (*seqCipher, *seqCipher) {
	t.Helper()
	key := make([]byte, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.New(key)
	require.NoError(t, err)

	var sendA, recvA, sendB, recvB [chacha20poly1305.NonceSize]byte
	recvA[chacha20poly1305.NonceSize-1] ^= 0x80
	sendB[chacha20poly1305.NonceSize-1] ^= 0x80

	return newSeqCipher(aead, sendA[:], recvA[:]), newSeqCipher(aead, sendB[:], recvB[:])
}

func TestSeqCipherSealOpenRoundTrip(t *testing.T) {
	a, b := newTestCipherPair(t)

	ct, err := a.seal(nil, []byte("payload one"))
	require.NoError(t, err)
	pt, err := b.open(nil, ct)
	require.NoError(t, err)
	require.Equal(t, "payload one", string(pt))
}

func TestSeqCipherNoncesAdvancePerRecord(t *testing.T) {
	a, b := newTestCipherPair(t)

	for i := 0; i < 5; i++ {
		ct, err := a.seal(nil, []byte("msg"))
		require.NoError(t, err)
		_, err = b.open(nil, ct)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(5), a.sendRecords)
	require.Equal(t, uint64(5), b.recvRecords)
}

func TestSeqCipherDirectionalNoncesDiffer(t *testing.T) {
	a, b := newTestCipherPair(t)
	require.NotEqual(t, a.sendNonce, b.sendNonce)
	require.NotEqual(t, a.recvNonce, b.recvNonce)
}

func TestIncNonceWraps(t *testing.T) {
	n := make([]byte, 12)
	for i := 0; i < 8; i++ {
		n[i] = 0xff
	}
	incNonce(n)
	for i := 0; i < 8; i++ {
		require.Equal(t, byte(0), n[i])
	}
}
