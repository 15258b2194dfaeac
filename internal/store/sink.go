// Package store implements the persistence layer from spec §4.5: a
// single-writer append-only JSON-lines session log, and an optional
// indexed backend for queries.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/silexa/sentinel/internal/event"
	"github.com/silexa/sentinel/internal/sentinelerr"
)

// Sink is the capability the engine's writer task drains events into:
// write_event, flush, and path, per spec §4.5.
type Sink interface {
	WriteEvent(e event.Event) error
	Flush() error
	Path() string
	// Footer finalizes the session, best effort. Called exactly once,
	// from Stop, after the fan-in channel has drained.
	Footer(end time.Time, exitCode *int32) error
	Close() error
}

type sessionHeader struct {
	SessionID    string    `json:"session_id"`
	SessionStart time.Time `json:"session_start"`
	Process      string    `json:"process"`
	PID          uint32    `json:"pid"`
	Type         string    `json:"type"`
}

type sessionFooter struct {
	SessionID  string    `json:"session_id"`
	SessionEnd time.Time `json:"session_end"`
	EventCount uint64    `json:"event_count"`
	ExitCode   *int32    `json:"exit_code"`
	Type       string    `json:"type"`
}

// JSONLSink is the append-only JSON-lines session log: one file per
// session named session-{id}.jsonl, buffered writes, header written at
// construction, footer written best-effort at shutdown.
type JSONLSink struct {
	mu         sync.Mutex
	f          *os.File
	w          *bufio.Writer
	path       string
	sessionID  string
	eventCount uint64
}

// NewJSONLSink creates (truncating if present) session-{sessionID}.jsonl
// under dir and writes the session_start header line, flushed
// immediately so a crash right after start still leaves a valid header.
func NewJSONLSink(dir, sessionID, process string, pid uint32, start time.Time) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.Storage, "mkdir session dir", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("session-%s.jsonl", sessionID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.Storage, "open session log", err)
	}
	s := &JSONLSink{
		f:         f,
		w:         bufio.NewWriter(f),
		path:      path,
		sessionID: sessionID,
	}
	header := sessionHeader{
		SessionID:    sessionID,
		SessionStart: start.UTC(),
		Process:      process,
		PID:          pid,
		Type:         "session_start",
	}
	if err := s.writeLine(header); err != nil {
		_ = f.Close()
		return nil, sentinelerr.Wrap(sentinelerr.Storage, "write session header", err)
	}
	if err := s.Flush(); err != nil {
		_ = f.Close()
		return nil, sentinelerr.Wrap(sentinelerr.Storage, "flush session header", err)
	}
	return s, nil
}

func (s *JSONLSink) writeLine(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

// WriteEvent appends one serialized event line.
func (s *JSONLSink) WriteEvent(e event.Event) error {
	if err := s.writeLine(e); err != nil {
		return sentinelerr.Wrap(sentinelerr.Storage, "write event", err)
	}
	s.mu.Lock()
	s.eventCount++
	s.mu.Unlock()
	return nil
}

// Flush forces buffered writes to disk.
func (s *JSONLSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return sentinelerr.Wrap(sentinelerr.Storage, "flush", err)
	}
	return s.f.Sync()
}

// Path returns the session log's filesystem path.
func (s *JSONLSink) Path() string { return s.path }

// Footer writes the session_end footer line, best effort, and flushes.
func (s *JSONLSink) Footer(end time.Time, exitCode *int32) error {
	s.mu.Lock()
	count := s.eventCount
	s.mu.Unlock()
	footer := sessionFooter{
		SessionID:  s.sessionID,
		SessionEnd: end.UTC(),
		EventCount: count,
		ExitCode:   exitCode,
		Type:       "session_end",
	}
	if err := s.writeLine(footer); err != nil {
		return sentinelerr.Wrap(sentinelerr.Storage, "write session footer", err)
	}
	return s.Flush()
}

// Close flushes and closes the underlying file.
func (s *JSONLSink) Close() error {
	_ = s.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
