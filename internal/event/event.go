// Package event defines the canonical monitoring record emitted by every
// observer and consumed by the persistence layer: a tagged union of
// commands, file accesses, network connections, process lifecycle
// transitions, and session bookkeeping, plus the risk level attached to it.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RiskLevel is totally ordered: Low < Medium < High < Critical.
type RiskLevel int

const (
	Low RiskLevel = iota
	Medium
	High
	Critical
)

func (r RiskLevel) String() string {
	switch r {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel parses the lowercase wire representation of a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch s {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	default:
		return Low, fmt.Errorf("event: unknown risk level %q", s)
	}
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRiskLevel(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Alert is true iff the risk level is High or above. Callers must not set
// Event.Alert directly; it is derived by NewEvent and enforced by Validate.
func Alert(r RiskLevel) bool {
	return r >= High
}

// Kind discriminates the tagged union carried by an Event.
type Kind string

const (
	KindCommand    Kind = "command"
	KindFileAccess Kind = "file_access"
	KindNetwork    Kind = "network"
	KindProcess    Kind = "process"
	KindSession    Kind = "session"
)

// FileAction is the kind of filesystem access observed.
type FileAction string

const (
	ActionRead   FileAction = "read"
	ActionWrite  FileAction = "write"
	ActionDelete FileAction = "delete"
	ActionCreate FileAction = "create"
	ActionChmod  FileAction = "chmod"
)

// ProcessAction is a process-lifecycle transition.
type ProcessAction string

const (
	ProcessStart ProcessAction = "start"
	ProcessExit  ProcessAction = "exit"
	ProcessFork  ProcessAction = "fork"
)

// SessionAction brackets a monitoring run.
type SessionAction string

const (
	SessionStart SessionAction = "start"
	SessionEnd   SessionAction = "end"
)

// CommandPayload is the Command variant's fields.
type CommandPayload struct {
	Command  string
	Args     []string
	ExitCode *int32
}

// FileAccessPayload is the FileAccess variant's fields.
type FileAccessPayload struct {
	Path   string
	Action FileAction
}

// NetworkPayload is the Network variant's fields.
type NetworkPayload struct {
	Host     string
	Port     uint16
	Protocol string
}

// ProcessPayload is the Process variant's fields.
type ProcessPayload struct {
	PID    uint32
	PPID   *uint32
	Action ProcessAction
}

// SessionPayload is the Session variant's fields.
type SessionPayload struct {
	Action SessionAction
}

// Event is the canonical, immutable monitoring record. Exactly one of the
// Kind-named payload fields is populated, matching Event.Kind.
type Event struct {
	ID        string
	Timestamp time.Time
	Kind      Kind

	Command    *CommandPayload
	FileAccess *FileAccessPayload
	Network    *NetworkPayload
	Process    *ProcessPayload
	Session    *SessionPayload

	ProcessName string
	PID         uint32
	RiskLevel   RiskLevel
	Alert       bool
}

// New builds an Event with a fresh random ID and derives Alert from
// riskLevel. It is the only supported constructor: nothing outside this
// package may set Alert directly, keeping the alert<->risk_level invariant
// (spec §3) mechanical rather than convention.
func newEvent(kind Kind, process string, pid uint32, risk RiskLevel, ts time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Timestamp:   ts,
		Kind:        kind,
		ProcessName: process,
		PID:         pid,
		RiskLevel:   risk,
		Alert:       Alert(risk),
	}
}

// NewCommand builds a Command event.
func NewCommand(process string, pid uint32, risk RiskLevel, ts time.Time, p CommandPayload) Event {
	e := newEvent(KindCommand, process, pid, risk, ts)
	e.Command = &p
	return e
}

// NewFileAccess builds a FileAccess event.
func NewFileAccess(process string, pid uint32, risk RiskLevel, ts time.Time, p FileAccessPayload) Event {
	e := newEvent(KindFileAccess, process, pid, risk, ts)
	e.FileAccess = &p
	return e
}

// NewNetwork builds a Network event.
func NewNetwork(process string, pid uint32, risk RiskLevel, ts time.Time, p NetworkPayload) Event {
	e := newEvent(KindNetwork, process, pid, risk, ts)
	e.Network = &p
	return e
}

// NewProcess builds a Process event. The event's own PID always mirrors the
// payload's PID: they describe the same process.
func NewProcess(process string, risk RiskLevel, ts time.Time, p ProcessPayload) Event {
	e := newEvent(KindProcess, process, p.PID, risk, ts)
	e.Process = &p
	return e
}

// NewSession builds a Session event.
func NewSession(process string, pid uint32, ts time.Time, p SessionPayload) Event {
	e := newEvent(KindSession, process, pid, Low, ts)
	e.Session = &p
	return e
}

// wireEvent is the flattened on-disk JSON shape from spec §6.
type wireEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	Command  string   `json:"command,omitempty"`
	Args     []string `json:"args"`
	ExitCode *int32   `json:"exit_code,omitempty"`

	Path   string `json:"path,omitempty"`
	Action string `json:"action,omitempty"`

	Host     string `json:"host,omitempty"`
	Port     uint16 `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`

	PPID *uint32 `json:"ppid,omitempty"`

	Process   string    `json:"process"`
	PID       uint32    `json:"pid"`
	RiskLevel RiskLevel `json:"risk_level"`
	Alert     bool      `json:"alert"`
}

// MarshalJSON implements the exact wire shape documented in spec §6: one
// flat JSON object per event, discriminated by "type".
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Type:      string(e.Kind),
		Process:   e.ProcessName,
		PID:       e.PID,
		RiskLevel: e.RiskLevel,
		Alert:     e.Alert,
	}
	switch e.Kind {
	case KindCommand:
		if e.Command == nil {
			return nil, fmt.Errorf("event: command kind without payload")
		}
		w.Command = e.Command.Command
		w.Args = e.Command.Args
		if w.Args == nil {
			w.Args = []string{}
		}
		w.ExitCode = e.Command.ExitCode
	case KindFileAccess:
		if e.FileAccess == nil {
			return nil, fmt.Errorf("event: file_access kind without payload")
		}
		w.Path = e.FileAccess.Path
		w.Action = string(e.FileAccess.Action)
	case KindNetwork:
		if e.Network == nil {
			return nil, fmt.Errorf("event: network kind without payload")
		}
		w.Host = e.Network.Host
		w.Port = e.Network.Port
		w.Protocol = e.Network.Protocol
	case KindProcess:
		if e.Process == nil {
			return nil, fmt.Errorf("event: process kind without payload")
		}
		w.PPID = e.Process.PPID
		w.Action = string(e.Process.Action)
	case KindSession:
		if e.Session == nil {
			return nil, fmt.Errorf("event: session kind without payload")
		}
		w.Action = string(e.Session.Action)
	default:
		return nil, fmt.Errorf("event: unknown kind %q", e.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the flattened wire shape back into an Event. It is
// the inverse of MarshalJSON: parse(serialize(e)) == e for every kind.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Event{
		ID:          w.ID,
		Timestamp:   w.Timestamp,
		Kind:        Kind(w.Type),
		ProcessName: w.Process,
		PID:         w.PID,
		RiskLevel:   w.RiskLevel,
		Alert:       w.Alert,
	}
	switch out.Kind {
	case KindCommand:
		args := w.Args
		if args == nil {
			args = []string{}
		}
		out.Command = &CommandPayload{Command: w.Command, Args: args, ExitCode: w.ExitCode}
	case KindFileAccess:
		out.FileAccess = &FileAccessPayload{Path: w.Path, Action: FileAction(w.Action)}
	case KindNetwork:
		out.Network = &NetworkPayload{Host: w.Host, Port: w.Port, Protocol: w.Protocol}
	case KindProcess:
		out.Process = &ProcessPayload{PID: w.PID, PPID: w.PPID, Action: ProcessAction(w.Action)}
	case KindSession:
		out.Session = &SessionPayload{Action: SessionAction(w.Action)}
	default:
		return fmt.Errorf("event: unknown type %q", w.Type)
	}
	*e = out
	return nil
}
