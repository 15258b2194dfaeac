package classify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silexa/sentinel/internal/event"
)

func TestPathClassifierExact(t *testing.T) {
	c := NewPathClassifier([]string{"/etc/shadow"}, nil, nil)
	assert.True(t, c.IsSensitive("/etc/shadow"))
	assert.False(t, c.IsSensitive("/etc/passwd"))
}

func TestPathClassifierPatternMatchesBasename(t *testing.T) {
	c := NewPathClassifier(nil, []string{"*.pem", ".env*"}, nil)
	assert.True(t, c.IsSensitive("/home/user/server.pem"))
	assert.True(t, c.IsSensitive("/home/user/.env.local"))
	assert.False(t, c.IsSensitive("/home/user/readme.md"))
}

func TestPathClassifierDirFragmentIsCaseInsensitive(t *testing.T) {
	c := NewPathClassifier(nil, nil, []string{"/.ssh/"})
	assert.True(t, c.IsSensitive("/Users/dev/.SSH/id_rsa"))
}

func TestPathClassifierSymlinkResolution(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "id_rsa")
	require.NoError(t, os.WriteFile(real, []byte("key"), 0o600))

	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(real, link))

	c := NewPathClassifier(nil, []string{"id_rsa"}, nil)
	assert.True(t, c.IsSensitive(link))
}

func TestPathClassifierBrokenSymlinkNeverFails(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "dangling")
	require.NoError(t, os.Symlink(filepath.Join(dir, "nonexistent"), link))

	c := NewPathClassifier(nil, nil, nil)
	assert.False(t, c.IsSensitive(link))
}

func TestPathClassifierRiskLevel(t *testing.T) {
	c := NewPathClassifier([]string{"/etc/shadow"}, nil, nil)
	assert.Equal(t, event.Critical, c.RiskLevel("/etc/shadow"))
	assert.Equal(t, event.Low, c.RiskLevel("/tmp/scratch.txt"))
}
