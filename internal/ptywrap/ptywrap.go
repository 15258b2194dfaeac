// Package ptywrap implements the PTY wrapper & command extractor from
// spec §4.9: it spawns the wrapped agent inside a pseudo-terminal,
// forwards host stdin/stdout bidirectionally, and extracts Command
// events from the output stream by scanning completed lines for shell
// prompt markers.
package ptywrap

import (
	"bytes"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/mattn/go-runewidth"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/silexa/sentinel/internal/event"
	"github.com/silexa/sentinel/internal/risk"
	"github.com/silexa/sentinel/internal/sanitize"
	"github.com/silexa/sentinel/internal/sentinelerr"
)

const (
	stdinChunk  = 1024
	stdoutChunk = 4096
	// compactThreshold bounds the line buffer: the consumed prefix is only
	// drained once the cursor exceeds this, keeping per-chunk work
	// amortized O(chunk size) instead of O(buffer size) on every newline.
	compactThreshold = 8 * 1024
)

// Size is the pty's column/row geometry.
type Size struct {
	Cols uint16
	Rows uint16
}

// Spec describes the command to spawn.
type Spec struct {
	Argv []string
	Cwd  string
	Env  []string
	Size Size
}

// Subscriber receives raw stdout chunks as they're forwarded, tagged
// Stdout in spec §4.9 step 5(b). Used by UI collaborators that want a
// live terminal feed distinct from the extracted Command events.
type Subscriber func(chunk []byte)

// Wrapper drives one spawned child through its whole lifecycle: spawn,
// forward, extract, wait, and report.
type Wrapper struct {
	scorer *risk.Scorer
	log    *zap.SugaredLogger

	mu          sync.Mutex
	subscribers []Subscriber
}

// New builds a Wrapper. scorer classifies each extracted command.
func New(scorer *risk.Scorer, log *zap.SugaredLogger) *Wrapper {
	return &Wrapper{scorer: scorer, log: log}
}

// Subscribe registers fn to receive every raw stdout chunk.
func (w *Wrapper) Subscribe(fn Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

func (w *Wrapper) notify(chunk []byte) {
	w.mu.Lock()
	subs := append([]Subscriber(nil), w.subscribers...)
	w.mu.Unlock()
	for _, fn := range subs {
		fn(chunk)
	}
}

// Result is what Run returns once the child exits.
type Result struct {
	ExitCode int
	PID      int
}

// Run spawns spec inside a pty, forwards stdin/stdout, extracts
// commands, and blocks until the child exits. emit is called for every
// Session/Command event produced along the way; onStart is called once
// the child's pid is known, before forwarding begins, so the caller can
// attach observers rooted at that pid.
func (w *Wrapper) Run(spec Spec, emit func(event.Event), onStart func(pid int)) (Result, error) {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	if spec.Env != nil {
		cmd.Env = spec.Env
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return Result{}, sentinelerr.Wrap(sentinelerr.Wrapper, "pty start", err)
	}
	size := spec.Size
	if size.Cols == 0 || size.Rows == 0 {
		if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			size = Size{Cols: uint16(cols), Rows: uint16(rows)}
		}
	}
	if size.Cols > 0 && size.Rows > 0 {
		_ = pty.Setsize(ptmx, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
	}

	var restoreStdin func()
	if term.IsTerminal(int(os.Stdin.Fd())) {
		if state, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
			restoreStdin = func() { _ = term.Restore(int(os.Stdin.Fd()), state) }
		}
	}
	if restoreStdin != nil {
		defer restoreStdin()
	}

	pid := cmd.Process.Pid
	processName := displayName(spec.Argv[0])
	start := time.Now()
	emit(event.NewSession(processName, uint32(pid), start, event.SessionPayload{Action: event.SessionStart}))
	if onStart != nil {
		onStart(pid)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		w.forwardStdin(ptmx)
	}()

	go func() {
		defer wg.Done()
		w.forwardStdout(ptmx, processName, uint32(pid), emit)
	}()

	waitErr := cmd.Wait()
	_ = ptmx.Close() // causes the stdout reader to observe EOF
	wg.Wait()

	exitCode := exitCodeOf(waitErr)
	end := time.Now()
	emit(event.NewSession(processName, uint32(pid), end, event.SessionPayload{Action: event.SessionEnd}))

	return Result{ExitCode: exitCode, PID: pid}, nil
}

func (w *Wrapper) forwardStdin(ptmx *os.File) {
	buf := make([]byte, stdinChunk)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := ptmx.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (w *Wrapper) forwardStdout(ptmx *os.File, processName string, pid uint32, emit func(event.Event)) {
	buf := make([]byte, stdoutChunk)
	var line bytes.Buffer
	lineStart := 0 // start of the current, not yet newline-terminated line
	scanned := 0   // how far we've already searched for '\n' with no match

	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = os.Stdout.Write(chunk)
			w.notify(chunk)

			line.Write(chunk)
			data := line.Bytes()
			for {
				idx := bytes.IndexByte(data[scanned:], '\n')
				if idx < 0 {
					scanned = len(data)
					break
				}
				lineEnd := scanned + idx
				text := string(data[lineStart:lineEnd])
				lineStart = lineEnd + 1
				scanned = lineStart
				w.handleLine(text, processName, pid, emit)
				data = line.Bytes()
			}
			// Compact on total buffered length, not completed-line count, so a
			// long newline-free stretch (e.g. a progress spinner) still gets
			// amortized O(chunk size) scanning instead of rescanning the whole
			// buffer from a stale cursor on every poll.
			if len(data) > compactThreshold {
				remaining := append([]byte(nil), data[lineStart:]...)
				if w.log != nil && len(remaining) > 0 {
					w.log.Debugw("pty line buffer compacted past threshold without a newline",
						"pending_display_width", runewidth.StringWidth(string(remaining)),
						"preview", runewidth.Truncate(string(remaining), 120, "…"))
				}
				line.Reset()
				line.Write(remaining)
				lineStart = 0
				scanned = 0
			}
		}
		if err != nil {
			return
		}
	}
}

func (w *Wrapper) handleLine(text, processName string, pid uint32, emit func(event.Event)) {
	cmd, args, ok := detectCommand(text)
	if !ok {
		return
	}
	sanitizedArgs := sanitize.Args(args)
	level, _ := w.scorer.Score(cmd, args)
	emit(event.NewCommand(processName, pid, level, time.Now(), event.CommandPayload{
		Command: cmd,
		Args:    sanitizedArgs,
	}))
}

// detectCommand implements spec §4.9's detect_command: trim; reject
// empty/comment lines; find the last prompt marker ("$ ", "% ", "> " —
// the "> " form only when preceded by whitespace or line start, so shell
// redirection isn't mistaken for a prompt); split the remainder on
// whitespace into command and args.
func detectCommand(line string) (string, []string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", nil, false
	}
	if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") {
		return "", nil, false
	}

	markerIdx, markerLen := lastPromptMarker(trimmed)
	if markerIdx < 0 {
		return "", nil, false
	}
	remainder := strings.TrimSpace(trimmed[markerIdx+markerLen:])
	if remainder == "" {
		return "", nil, false
	}
	fields := strings.Fields(remainder)
	return fields[0], fields[1:], true
}

func lastPromptMarker(s string) (idx, markerLen int) {
	best := -1
	bestLen := 0
	for _, marker := range []string{"$ ", "% "} {
		if i := strings.LastIndex(s, marker); i > best {
			best, bestLen = i, len(marker)
		}
	}
	// "> " only counts as a prompt marker when preceded by whitespace or
	// the start of the line, to avoid matching shell redirection like
	// "echo foo > bar".
	for i := len(s) - 2; i >= 0; i-- {
		if s[i] == '>' && s[i+1] == ' ' {
			if i == 0 || s[i-1] == ' ' || s[i-1] == '\t' {
				if i > best {
					best, bestLen = i, 2
				}
				break
			}
		}
	}
	return best, bestLen
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func displayName(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// RunSimple is the no-pty fallback from spec §4.9: inherited stdio, used
// when pty setup fails or headless operation is requested. It emits one
// Command event carrying the top-level invocation with sanitized args.
func (w *Wrapper) RunSimple(spec Spec, emit func(event.Event)) (Result, error) {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, sentinelerr.Wrap(sentinelerr.Wrapper, "run_simple start", err)
	}
	pid := cmd.Process.Pid
	processName := displayName(spec.Argv[0])

	args := spec.Argv[1:]
	level, _ := w.scorer.Score(processName, args)
	emit(event.NewCommand(processName, uint32(pid), level, time.Now(), event.CommandPayload{
		Command: processName,
		Args:    sanitize.Args(args),
	}))

	waitErr := cmd.Wait()
	return Result{ExitCode: exitCodeOf(waitErr), PID: pid}, nil
}
