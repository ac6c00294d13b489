package p2perr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := StreamReset()
	wrapped := fmt.Errorf("context: %w", base)

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	require.Equal(t, KindStreamReset, kind)
}

func TestKindOfFalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	require.False(t, ok)
}

func TestStreamStateErrorMessage(t *testing.T) {
	err := StreamState("read", "init")
	require.Contains(t, err.Error(), "read")
	require.Contains(t, err.Error(), "init")
}

func TestUpgradeFailedMessageIncludesPhase(t *testing.T) {
	err := UpgradeFailed("muxer", errors.New("no muxers"))
	require.Contains(t, err.Error(), "muxer")
	require.Contains(t, err.Error(), "no muxers")
}

func TestUnwrapReturnsUnderlyingCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Transport("read", cause)
	require.Equal(t, cause, errors.Unwrap(err))
}
