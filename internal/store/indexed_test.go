package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silexa/sentinel/internal/event"
)

func TestIndexedSinkWriteAndQuery(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDB(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	defer db.Close()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sink, err := NewIndexedSink(ctx, db, "", "sess-1", "claude", 42, start)
	require.NoError(t, err)

	low := event.NewFileAccess("claude", 42, event.Low, start.Add(time.Second), event.FileAccessPayload{Path: "/tmp/x", Action: event.ActionRead})
	high := event.NewNetwork("claude", 42, event.High, start.Add(2*time.Second), event.NetworkPayload{Host: "evil.example", Port: 443, Protocol: "tcp"})
	require.NoError(t, sink.WriteEvent(low))
	require.NoError(t, sink.WriteEvent(high))
	require.NoError(t, sink.Footer(start.Add(3*time.Second), nil))

	highLevel := event.High
	got, err := db.Query(ctx, EventQuery{SessionID: strPtr("sess-1"), RiskLevel: &highLevel})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "evil.example", got[0].Network.Host)

	all, err := db.Query(ctx, EventQuery{SessionID: strPtr("sess-1")})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.True(t, all[0].Timestamp.Before(all[1].Timestamp))
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDB(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	defer db.Close()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = NewIndexedSink(ctx, db, "", "sess-a", "claude", 1, start)
	require.NoError(t, err)

	sessions, err := db.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-a", sessions[0].SessionID)
	assert.Nil(t, sessions[0].EndTime)
}

func TestQueryRespectsLimit(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDB(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	defer db.Close()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sink, err := NewIndexedSink(ctx, db, "", "sess-1", "claude", 1, start)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.WriteEvent(event.NewCommand("claude", 1, event.Low, start.Add(time.Duration(i)*time.Second), event.CommandPayload{Command: "ls"})))
	}

	got, err := db.Query(ctx, EventQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func strPtr(s string) *string { return &s }
