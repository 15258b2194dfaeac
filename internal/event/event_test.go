package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskLevelOrdering(t *testing.T) {
	assert.True(t, Low < Medium)
	assert.True(t, Medium < High)
	assert.True(t, High < Critical)
}

func TestRiskLevelStringRoundTrip(t *testing.T) {
	cases := []RiskLevel{Low, Medium, High, Critical}
	for _, rl := range cases {
		parsed, err := ParseRiskLevel(rl.String())
		require.NoError(t, err)
		assert.Equal(t, rl, parsed)
	}
}

func TestParseRiskLevelUnknown(t *testing.T) {
	_, err := ParseRiskLevel("extreme")
	assert.Error(t, err)
}

func TestAlertThreshold(t *testing.T) {
	assert.False(t, Alert(Low))
	assert.False(t, Alert(Medium))
	assert.True(t, Alert(High))
	assert.True(t, Alert(Critical))
}

func TestNewCommandDerivesAlert(t *testing.T) {
	e := NewCommand("bash", 42, High, time.Now(), CommandPayload{Command: "rm", Args: []string{"-rf", "/"}})
	assert.True(t, e.Alert)
	assert.Equal(t, KindCommand, e.Kind)
	assert.NotEmpty(t, e.ID)
}

func TestNewProcessMirrorsPayloadPID(t *testing.T) {
	ppid := uint32(7)
	e := NewProcess("node", Low, time.Now(), ProcessPayload{PID: 99, PPID: &ppid, Action: ProcessStart})
	assert.Equal(t, uint32(99), e.PID)
}

func TestEventJSONRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	exitCode := int32(1)
	ppid := uint32(10)

	events := []Event{
		NewCommand("bash", 1, Medium, ts, CommandPayload{Command: "curl", Args: []string{"http://x"}, ExitCode: &exitCode}),
		NewFileAccess("bash", 1, Low, ts, FileAccessPayload{Path: "/etc/passwd", Action: ActionRead}),
		NewNetwork("bash", 1, High, ts, NetworkPayload{Host: "example.com", Port: 443, Protocol: "tcp"}),
		NewProcess("bash", Low, ts, ProcessPayload{PID: 2, PPID: &ppid, Action: ProcessFork}),
		NewSession("bash", 1, ts, SessionPayload{Action: SessionStart}),
	}

	for _, want := range events {
		b, err := json.Marshal(want)
		require.NoError(t, err)

		var got Event
		require.NoError(t, json.Unmarshal(b, &got))
		assert.Equal(t, want, got)
	}
}

func TestMarshalJSONRejectsMismatchedPayload(t *testing.T) {
	e := Event{Kind: KindCommand}
	_, err := e.MarshalJSON()
	assert.Error(t, err)
}

func TestUnmarshalJSONRejectsUnknownType(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"type":"bogus"}`), &e)
	assert.Error(t, err)
}

func TestCommandEventOmitsNilArgsAsEmptyArray(t *testing.T) {
	e := NewCommand("bash", 1, Low, time.Now(), CommandPayload{Command: "ls"})
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"args":[]`)
}
