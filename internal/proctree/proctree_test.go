package proctree

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silexa/sentinel/internal/risk"
)

func TestBFSDescendantsUnbounded(t *testing.T) {
	byParent := map[int32][]int32{
		1: {2, 3},
		2: {4},
		3: {5},
	}
	got := bfsDescendants(1, byParent, 0)
	assert.Equal(t, map[int32]struct{}{2: {}, 3: {}, 4: {}, 5: {}}, got)
}

func TestBFSDescendantsExcludesRoot(t *testing.T) {
	byParent := map[int32][]int32{1: {2}}
	got := bfsDescendants(1, byParent, 0)
	_, hasRoot := got[1]
	assert.False(t, hasRoot)
}

func TestBFSDescendantsRespectsMaxDepth(t *testing.T) {
	byParent := map[int32][]int32{
		1: {2},
		2: {3},
		3: {4},
	}
	got := bfsDescendants(1, byParent, 1)
	assert.Equal(t, map[int32]struct{}{2: {}}, got)
}

func TestBFSDescendantsNoChildren(t *testing.T) {
	got := bfsDescendants(1, map[int32][]int32{}, 0)
	assert.Empty(t, got)
}

func TestTrackerStartStopLifecycle(t *testing.T) {
	tracker := New(Config{
		RootPID:      int32(os.Getpid()),
		PollInterval: 10 * time.Millisecond,
	}, risk.New(nil), nil)

	require.NoError(t, tracker.Start())
	assert.True(t, tracker.IsRunning())

	time.Sleep(30 * time.Millisecond)
	tracker.Stop()
	assert.False(t, tracker.IsRunning())

	for range tracker.Events() {
	}
}

func TestTrackerStartTwiceErrors(t *testing.T) {
	tracker := New(Config{RootPID: int32(os.Getpid()), PollInterval: time.Second}, risk.New(nil), nil)
	require.NoError(t, tracker.Start())
	defer tracker.Stop()

	err := tracker.Start()
	assert.Error(t, err)
}
