// Package sentinelerr classifies errors by the subsystem that produced
// them so callers can apply the policy spec §7 describes (fatal vs.
// logged-and-dropped) without string-matching error messages.
package sentinelerr

import "fmt"

// Kind names the subsystem an Error originated in.
type Kind string

const (
	Config        Kind = "config"
	Storage       Kind = "storage"
	Wrapper       Kind = "wrapper"
	ProcessTracker Kind = "process_tracker"
	FsWatch       Kind = "fs_watch"
	NetMon        Kind = "net_mon"
	IO            Kind = "io"
)

// Error wraps a cause with the subsystem Kind that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches kind and op to err. Wrap(nil, ...) returns nil so it can
// guard a return statement unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, and reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if ok := asError(err, &se); ok {
		return se.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
