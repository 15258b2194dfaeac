package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silexa/sentinel/internal/classify"
	"github.com/silexa/sentinel/internal/config"
	"github.com/silexa/sentinel/internal/engine"
	"github.com/silexa/sentinel/internal/event"
	"github.com/silexa/sentinel/internal/risk"
	"github.com/silexa/sentinel/internal/store"
)

type noopSink struct{}

func (noopSink) WriteEvent(event.Event) error   { return nil }
func (noopSink) Flush() error                   { return nil }
func (noopSink) Path() string                   { return "noop" }
func (noopSink) Footer(time.Time, *int32) error { return nil }
func (noopSink) Close() error                   { return nil }

func newTestEngineNoSink() *engine.Engine {
	cfg := config.Default()
	cfg.Monitoring.TrackChildren = false
	cfg.Monitoring.NetEnabled = false
	cfg.Monitoring.FSEnabled = false

	newSink := func(sessionID, process string, pid uint32, start time.Time) (store.Sink, error) {
		return &noopSink{}, nil
	}
	return engine.New(cfg, risk.New(nil), classify.NewPathClassifier(nil, nil, nil), classify.NewHostClassifier(nil), newSink, nil)
}

func TestHandleSessionsReturns503WithoutDB(t *testing.T) {
	srv := New(newTestEngineNoSink(), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleEventsReturns503WithoutDB(t *testing.T) {
	srv := New(newTestEngineNoSink(), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleSessionsAndEventsWithDB(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	defer db.Close()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sink, err := store.NewIndexedSink(ctx, db, "", "sess-1", "claude", 7, start)
	require.NoError(t, err)
	require.NoError(t, sink.WriteEvent(event.NewCommand("claude", 7, event.High, start.Add(time.Second), event.CommandPayload{Command: "curl"})))
	require.NoError(t, sink.Footer(start.Add(2*time.Second), nil))

	srv := New(newTestEngineNoSink(), db, nil)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []store.SessionRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-1", sessions[0].SessionID)

	req = httptest.NewRequest(http.MethodGet, "/events?risk_level=high", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []event.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "curl", events[0].Command.Command)
}

func TestHandleEventsRejectsBadRiskLevel(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	defer db.Close()

	srv := New(newTestEngineNoSink(), db, nil)
	req := httptest.NewRequest(http.MethodGet, "/events?risk_level=not-a-level", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleLiveStreamsBroadcastEvents(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Monitoring.TrackChildren = false
	cfg.Monitoring.NetEnabled = false
	cfg.Monitoring.FSEnabled = true
	cfg.Monitoring.WatchPaths = []string{dir}
	cfg.Monitoring.FSDebounceMS = 10
	// Empty pattern matches every process name via Contains, guaranteeing
	// StartSession finds at least the test binary itself.
	cfg.Monitoring.AgentPatterns = []string{""}

	newSink := func(sessionID, process string, pid uint32, start time.Time) (store.Sink, error) {
		return &noopSink{}, nil
	}
	eng := engine.New(cfg, risk.New(nil), classify.NewPathClassifier(nil, nil, nil), classify.NewHostClassifier(nil), newSink, nil)

	_, err := eng.StartSession("test-agent")
	require.NoError(t, err)
	defer eng.StopSession()

	srv := New(eng, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var got event.Event
		if err := json.Unmarshal(msg, &got); err == nil {
			assert.Equal(t, event.KindFileAccess, got.Kind)
		}
	}()

	// Give the subscriber time to register before triggering an event.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "touched.txt"), []byte("hi"), 0o600))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for websocket message")
	}
}
