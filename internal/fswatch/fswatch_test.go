package fswatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silexa/sentinel/internal/classify"
	"github.com/silexa/sentinel/internal/event"
)

func TestClassifyOp(t *testing.T) {
	cases := []struct {
		name string
		op   fsnotify.Op
		want event.FileAction
	}{
		{"remove wins over write", fsnotify.Remove | fsnotify.Write, event.ActionDelete},
		{"create", fsnotify.Create, event.ActionCreate},
		{"write", fsnotify.Write, event.ActionWrite},
		{"rename maps to write", fsnotify.Rename, event.ActionWrite},
		{"chmod", fsnotify.Chmod, event.ActionChmod},
		{"unknown defaults to read", fsnotify.Op(0), event.ActionRead},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyOp(tc.op))
		})
	}
}

func TestWatcherNoPathsStartsAndClosesImmediately(t *testing.T) {
	w := New(Config{}, nil, nil)
	require.NoError(t, w.Start())

	for range w.Events() {
	}
}

func TestWatcherEmitsFileAccessOnWrite(t *testing.T) {
	dir := t.TempDir()
	classifier := classify.NewPathClassifier(nil, []string{"*.secret"}, nil)
	w := New(Config{WatchPaths: []string{dir}, Latency: 10 * time.Millisecond}, classifier, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	target := filepath.Join(dir, "token.secret")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o600))

	select {
	case e := <-w.Events():
		require.NotNil(t, e.FileAccess)
		assert.Equal(t, target, e.FileAccess.Path)
		assert.Equal(t, event.Critical, e.RiskLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fs event")
	}
}
