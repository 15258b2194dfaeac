package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/silexa/sentinel/internal/event"
	"github.com/silexa/sentinel/internal/sentinelerr"
)

// DB is the indexed backend from spec §4.5.2: two tables, events and
// sessions, backed by a pure-Go SQLite (no cgo), shared across sessions.
// Unlike JSONLSink, a DB is not single-session-scoped; callers bind a
// session via IndexedSink.
type DB struct {
	sql *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT PRIMARY KEY,
	process_name TEXT NOT NULL,
	pid          INTEGER NOT NULL,
	start_time   TEXT NOT NULL,
	end_time     TEXT
);
CREATE TABLE IF NOT EXISTS events (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	timestamp      TEXT NOT NULL,
	event_type_tag TEXT NOT NULL,
	event_json     TEXT NOT NULL,
	process        TEXT NOT NULL,
	pid            INTEGER NOT NULL,
	risk_level     TEXT NOT NULL,
	alert          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_risk_level ON events(risk_level);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`

// OpenDB opens (creating if needed) the sqlite file at path and ensures
// the schema exists. A single DB is meant to be shared by the whole
// process (it auto-commits; flush is a no-op) and outlives any one
// session.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.Storage, "open indexed store", err)
	}
	sqlDB.SetMaxOpenConns(1) // single-writer, per spec §4.5 invariant
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, sentinelerr.Wrap(sentinelerr.Storage, "create schema", err)
	}
	return &DB{sql: sqlDB}, nil
}

// Close closes the underlying database handle.
func (db *DB) Close() error { return db.sql.Close() }

// InsertSession creates the sessions-table row for a new session.
func (db *DB) InsertSession(ctx context.Context, sessionID, process string, pid uint32, start time.Time) error {
	_, err := db.sql.ExecContext(ctx,
		`INSERT INTO sessions (session_id, process_name, pid, start_time, end_time) VALUES (?, ?, ?, ?, NULL)`,
		sessionID, process, pid, start.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.Storage, "insert session", err)
	}
	return nil
}

// CloseSession records the session's end time.
func (db *DB) CloseSession(ctx context.Context, sessionID string, end time.Time) error {
	_, err := db.sql.ExecContext(ctx,
		`UPDATE sessions SET end_time = ? WHERE session_id = ?`,
		end.UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.Storage, "close session", err)
	}
	return nil
}

// InsertEvent appends one event row for sessionID.
func (db *DB) InsertEvent(ctx context.Context, sessionID string, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.Storage, "marshal event", err)
	}
	_, err = db.sql.ExecContext(ctx,
		`INSERT INTO events (id, session_id, timestamp, event_type_tag, event_json, process, pid, risk_level, alert)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, sessionID, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Kind), string(payload),
		e.ProcessName, e.PID, e.RiskLevel.String(), boolToInt(e.Alert))
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.Storage, "insert event", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EventQuery filters the events table; all fields are optional. Results
// are ordered ascending by timestamp.
type EventQuery struct {
	SessionID    *string
	RiskLevel    *event.RiskLevel
	EventTypeTag *string
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
}

// Query runs an EventQuery against the indexed store.
func (db *DB) Query(ctx context.Context, q EventQuery) ([]event.Event, error) {
	var where []string
	var args []interface{}
	if q.SessionID != nil {
		where = append(where, "session_id = ?")
		args = append(args, *q.SessionID)
	}
	if q.RiskLevel != nil {
		where = append(where, "risk_level = ?")
		args = append(args, q.RiskLevel.String())
	}
	if q.EventTypeTag != nil {
		where = append(where, "event_type_tag = ?")
		args = append(args, *q.EventTypeTag)
	}
	if q.StartTime != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, q.StartTime.UTC().Format(time.RFC3339Nano))
	}
	if q.EndTime != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, q.EndTime.UTC().Format(time.RFC3339Nano))
	}

	query := "SELECT event_json FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.Storage, "query events", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, sentinelerr.Wrap(sentinelerr.Storage, "scan event row", err)
		}
		var e event.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, sentinelerr.Wrap(sentinelerr.Storage, "unmarshal event row", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SessionRow is one row of the sessions table.
type SessionRow struct {
	SessionID   string
	ProcessName string
	PID         uint32
	StartTime   time.Time
	EndTime     *time.Time
}

// ListSessions returns every known session, most recent first.
func (db *DB) ListSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT session_id, process_name, pid, start_time, end_time FROM sessions ORDER BY start_time DESC`)
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.Storage, "list sessions", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		var start string
		var end sql.NullString
		if err := rows.Scan(&row.SessionID, &row.ProcessName, &row.PID, &start, &end); err != nil {
			return nil, sentinelerr.Wrap(sentinelerr.Storage, "scan session row", err)
		}
		row.StartTime, _ = time.Parse(time.RFC3339Nano, start)
		if end.Valid {
			t, _ := time.Parse(time.RFC3339Nano, end.String)
			row.EndTime = &t
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// IndexedSink adapts a shared DB plus one session ID to the Sink
// interface so the engine can drive either backend identically. Flush is
// a no-op because the store auto-commits (spec §4.5.2).
type IndexedSink struct {
	db        *DB
	sessionID string
	path      string
}

// NewIndexedSink writes the sessions-table row for sessionID and returns
// a Sink bound to it.
func NewIndexedSink(ctx context.Context, db *DB, path, sessionID, process string, pid uint32, start time.Time) (*IndexedSink, error) {
	if err := db.InsertSession(ctx, sessionID, process, pid, start); err != nil {
		return nil, err
	}
	return &IndexedSink{db: db, sessionID: sessionID, path: path}, nil
}

func (s *IndexedSink) WriteEvent(e event.Event) error {
	return s.db.InsertEvent(context.Background(), s.sessionID, e)
}

func (s *IndexedSink) Flush() error { return nil }

func (s *IndexedSink) Path() string { return s.path }

func (s *IndexedSink) Footer(end time.Time, _ *int32) error {
	return s.db.CloseSession(context.Background(), s.sessionID, end)
}

func (s *IndexedSink) Close() error { return nil }
