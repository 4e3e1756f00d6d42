package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStageError_MatchesKindAndParent(t *testing.T) {
	err := Failf(StageSource, ErrArchiveCorrupt, "gzip: invalid header")

	require.ErrorIs(t, err, ErrArchiveCorrupt)
	require.ErrorIs(t, err, ErrSourceUnavailable)
	require.NotErrorIs(t, err, ErrCompilationFailed)

	stage, ok := StageOf(fmt.Errorf("outer: %w", err))
	require.True(t, ok)
	require.Equal(t, StageSource, stage)
	require.Equal(t, "ArchiveCorrupt", KindName(err))
}

func TestWrap_PreservesOriginalStage(t *testing.T) {
	inner := Failf(StageToolchain, ErrLockfileDrift, "Cargo.lock changed")
	wrapped := Wrap(StageConvert, ErrConversionFailed, inner, "ignored")

	stage, _ := StageOf(wrapped)
	require.Equal(t, StageToolchain, stage)
	require.ErrorIs(t, wrapped, ErrCompilationFailed)
	require.Equal(t, "LockfileDrift", KindName(wrapped))
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(StageReference, ErrNetwork, cause, "fetch code")

	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "[reference]")
	require.Contains(t, err.Error(), "connection refused")
	require.Nil(t, Wrap(StageReference, ErrNetwork, nil, "noop"))
}

func TestKindName_UnknownIsInternal(t *testing.T) {
	require.Equal(t, "InternalError", KindName(errors.New("boom")))
	require.Equal(t, "", KindName(nil))
}
