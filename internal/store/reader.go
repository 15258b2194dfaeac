package store

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/silexa/sentinel/internal/event"
)

// Header is the parsed session_start metadata line.
type Header struct {
	SessionID    string
	SessionStart time.Time
	Process      string
	PID          uint32
}

// Footer is the parsed session_end metadata line, present only when the
// session shut down cleanly.
type Footer struct {
	SessionID  string
	SessionEnd time.Time
	EventCount uint64
	ExitCode   *int32
}

type metaLine struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"session_id"`
	SessionStart time.Time `json:"session_start"`
	SessionEnd   time.Time `json:"session_end"`
	Process      string    `json:"process"`
	PID          uint32    `json:"pid"`
	EventCount   uint64    `json:"event_count"`
	ExitCode     *int32    `json:"exit_code"`
}

// ReadSessionLog parses a session-{id}.jsonl file, tolerating lines that
// fail to parse (logged and skipped, per spec §7) and returning the
// header, the footer (nil if the session ended abruptly), and the exact
// sequence of body events in file order.
func ReadSessionLog(path string, logger *zap.SugaredLogger) (*Header, []event.Event, *Footer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	defer f.Close()

	var header *Header
	var footer *Footer
	var events []event.Event

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var meta metaLine
		if err := json.Unmarshal([]byte(line), &meta); err == nil && meta.Type != "" {
			switch meta.Type {
			case "session_start":
				header = &Header{
					SessionID:    meta.SessionID,
					SessionStart: meta.SessionStart,
					Process:      meta.Process,
					PID:          meta.PID,
				}
				continue
			case "session_end":
				footer = &Footer{
					SessionID:  meta.SessionID,
					SessionEnd: meta.SessionEnd,
					EventCount: meta.EventCount,
					ExitCode:   meta.ExitCode,
				}
				continue
			}
		}
		var e event.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			if logger != nil {
				logger.Warnw("skipping malformed session log line", "path", path, "error", err)
			}
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return header, events, footer, err
	}
	return header, events, footer, nil
}
