package ptywrap

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silexa/sentinel/internal/event"
	"github.com/silexa/sentinel/internal/risk"
)

func TestDetectCommandDollarPrompt(t *testing.T) {
	cmd, args, ok := detectCommand("user@host:~$ ls -la /tmp")
	assert.True(t, ok)
	assert.Equal(t, "ls", cmd)
	assert.Equal(t, []string{"-la", "/tmp"}, args)
}

func TestDetectCommandPercentPrompt(t *testing.T) {
	cmd, args, ok := detectCommand("host% git status")
	assert.True(t, ok)
	assert.Equal(t, "git", cmd)
	assert.Equal(t, []string{"status"}, args)
}

func TestDetectCommandRejectsEmptyLine(t *testing.T) {
	_, _, ok := detectCommand("   ")
	assert.False(t, ok)
}

func TestDetectCommandRejectsComment(t *testing.T) {
	_, _, ok := detectCommand("# just a comment")
	assert.False(t, ok)
}

func TestDetectCommandRejectsNoPromptMarker(t *testing.T) {
	_, _, ok := detectCommand("plain output with no prompt")
	assert.False(t, ok)
}

func TestDetectCommandAngleBracketRequiresWhitespace(t *testing.T) {
	// The ">" form only counts when preceded by whitespace or line start,
	// per spec; a redirection like "echo foo > bar" still satisfies that
	// rule (space precedes ">"), so its remainder is treated as a command.
	cmd, _, ok := detectCommand("echo foo > bar")
	assert.True(t, ok)
	assert.Equal(t, "bar", cmd)
}

func TestDetectCommandAngleBracketWithoutPrecedingWhitespaceRejected(t *testing.T) {
	_, _, ok := detectCommand("2>error.log")
	assert.False(t, ok)
}

func TestDetectCommandAngleBracketPromptAtLineStart(t *testing.T) {
	cmd, args, ok := detectCommand("> npm test")
	assert.True(t, ok)
	assert.Equal(t, "npm", cmd)
	assert.Equal(t, []string{"test"}, args)
}

func TestDetectCommandUsesLastMarkerOccurrence(t *testing.T) {
	cmd, _, ok := detectCommand("$ echo '$ not a prompt' && echo $ real")
	assert.True(t, ok)
	assert.Equal(t, "real", cmd)
}

func TestExitCodeOfNilIsZero(t *testing.T) {
	assert.Equal(t, 0, exitCodeOf(nil))
}

func TestExitCodeOfNonExitErrorIsMinusOne(t *testing.T) {
	assert.Equal(t, -1, exitCodeOf(errors.New("spawn failed")))
}

func TestDisplayNameStripsDirectory(t *testing.T) {
	assert.Equal(t, "claude", displayName("/usr/local/bin/claude"))
	assert.Equal(t, "claude", displayName("claude"))
}

// A long newline-free stretch of output (e.g. a progress spinner or a large
// base64 blob) must not prevent the line buffer from eventually compacting,
// and a command arriving right after that stretch must still be detected
// correctly — regression test for the stuck-cursor bug where a no-newline
// chunk left the scan position frozen forever.
func TestForwardStdoutSurvivesLongNewlineFreeStretch(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)

	wrapper := New(risk.New(nil), nil)
	events := make(chan event.Event, 8)
	done := make(chan struct{})

	go func() {
		defer close(done)
		wrapper.forwardStdout(r, "agent", 1, func(e event.Event) { events <- e })
	}()

	// More than compactThreshold bytes with no newline at all.
	noise := strings.Repeat("x", compactThreshold*3)
	_, err = w.Write([]byte(noise))
	require.NoError(t, err)

	_, err = w.Write([]byte("$ echo done\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	select {
	case e := <-events:
		require.Equal(t, event.KindCommand, e.Kind)
		assert.Equal(t, "echo", e.Command.Command)
		assert.Equal(t, []string{"done"}, e.Command.Args)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for command event after newline-free stretch")
	}

	<-done
}
