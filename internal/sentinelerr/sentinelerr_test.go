package sentinelerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(Config, "op", nil))
}

func TestWrapFormatsOpAndKind(t *testing.T) {
	err := Wrap(Storage, "open", errors.New("disk full"))
	require.Error(t, err)
	assert.Equal(t, "storage: open: disk full", err.Error())
}

func TestWrapWithoutOp(t *testing.T) {
	err := Wrap(IO, "", errors.New("boom"))
	assert.Equal(t, "io: boom", err.Error())
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(NetMon, "poll", cause)
	assert.ErrorIs(t, err, cause)
}

func TestKindOfFindsDirectMatch(t *testing.T) {
	err := Wrap(FsWatch, "watch", errors.New("inotify limit"))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, FsWatch, kind)
}

func TestKindOfFindsThroughFmtWrap(t *testing.T) {
	inner := Wrap(ProcessTracker, "enumerate", errors.New("denied"))
	outer := fmt.Errorf("session start: %w", inner)
	kind, ok := KindOf(outer)
	require.True(t, ok)
	assert.Equal(t, ProcessTracker, kind)
}

func TestKindOfMissing(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}
