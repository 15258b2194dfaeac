// Package proctree implements the process-tree tracker from spec §4.6: a
// polling observer that watches the descendants of a root pid and emits
// ChildStarted/ChildExited transitions as the set changes.
package proctree

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	gopsutil "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/silexa/sentinel/internal/event"
	"github.com/silexa/sentinel/internal/risk"
	"github.com/silexa/sentinel/internal/sentinelerr"
)

var errNotIdle = errors.New("process tracker: not idle")

// State is the tracker's lifecycle, per spec §4.6.
type State int

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

// Config configures one tracker instance.
type Config struct {
	RootPID      int32
	PollInterval time.Duration
	MaxDepth     int // 0 means unbounded
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// procInfo is the platform-reported facts about one process, gathered
// once per poll per pid (spec §4.6 step 1).
type procInfo struct {
	pid  int32
	ppid int32
	name string
	path string
}

// Tracker watches descendants of RootPID and emits Event values onto its
// native channel. Safe for a single consumer goroutine to drain Events()
// while another goroutine drives Start/Stop.
type Tracker struct {
	cfg    Config
	scorer *risk.Scorer
	log    *zap.SugaredLogger

	events chan event.Event

	mu      sync.Mutex
	state   State
	tracked map[int32]struct{}

	stopFlag atomic.Bool
	wg       sync.WaitGroup
}

// New builds a Tracker. scorer classifies each newly observed process by
// (name, nil-args) per spec §4.6 step 4.
func New(cfg Config, scorer *risk.Scorer, log *zap.SugaredLogger) *Tracker {
	return &Tracker{
		cfg:     cfg.withDefaults(),
		scorer:  scorer,
		log:     log,
		events:  make(chan event.Event, 256),
		tracked: make(map[int32]struct{}),
	}
}

// Events is the tracker's native unbounded (practically, large-buffered)
// MPSC channel; closed once the poll loop exits.
func (t *Tracker) Events() <-chan event.Event { return t.events }

// IsRunning reports worker-exists ∧ stop-flag-clear, matching spec §4.6.
func (t *Tracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Running && !t.stopFlag.Load()
}

// Start transitions Idle -> Running and spawns the poll worker.
func (t *Tracker) Start() error {
	t.mu.Lock()
	if t.state != Idle {
		t.mu.Unlock()
		return sentinelerr.Wrap(sentinelerr.ProcessTracker, "start", errNotIdle)
	}
	t.state = Running
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run()
	return nil
}

// SignalStop sets the atomic stop flag; non-blocking.
func (t *Tracker) SignalStop() {
	t.stopFlag.Store(true)
}

// Stop signals and joins the worker, then closes the native channel.
func (t *Tracker) Stop() {
	t.SignalStop()
	t.mu.Lock()
	if t.state == Idle || t.state == Stopped {
		t.mu.Unlock()
		return
	}
	t.state = Stopping
	t.mu.Unlock()

	t.wg.Wait()

	t.mu.Lock()
	t.state = Stopped
	t.mu.Unlock()
	close(t.events)
}

func (t *Tracker) run() {
	defer t.wg.Done()
	for !t.stopFlag.Load() {
		start := time.Now()
		if err := t.poll(); err != nil && t.log != nil {
			t.log.Warnw("process tracker poll failed", "error", err)
		}
		elapsed := time.Since(start)
		sleep := t.cfg.PollInterval - elapsed
		if sleep < 0 {
			sleep = 0
		}
		if t.stopFlag.Load() {
			return
		}
		time.Sleep(sleep)
	}
}

func (t *Tracker) poll() error {
	all, err := enumerateProcesses()
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.ProcessTracker, "enumerate processes", err)
	}

	byParent := make(map[int32][]int32, len(all))
	byPID := make(map[int32]procInfo, len(all))
	for _, p := range all {
		byParent[p.ppid] = append(byParent[p.ppid], p.pid)
		byPID[p.pid] = p
	}

	descendants := bfsDescendants(t.cfg.RootPID, byParent, t.cfg.MaxDepth)

	t.mu.Lock()
	tracked := t.tracked
	t.mu.Unlock()

	var started, exited []int32
	for pid := range descendants {
		if _, ok := tracked[pid]; !ok {
			started = append(started, pid)
		}
	}
	for pid := range tracked {
		if _, ok := descendants[pid]; !ok {
			exited = append(exited, pid)
		}
	}

	now := time.Now()
	for _, pid := range started {
		info := byPID[pid]
		level, _ := t.scorer.Score(info.name, nil)
		var ppid *uint32
		if info.ppid >= 0 {
			v := uint32(info.ppid)
			ppid = &v
		}
		t.emit(event.NewProcess(info.name, level, now, event.ProcessPayload{
			PID:    uint32(pid),
			PPID:   ppid,
			Action: event.ProcessStart,
		}))
	}
	for _, pid := range exited {
		t.emit(event.NewProcess("", event.Low, now, event.ProcessPayload{
			PID:    uint32(pid),
			Action: event.ProcessExit,
		}))
	}

	t.mu.Lock()
	t.tracked = descendants
	t.mu.Unlock()
	return nil
}

func (t *Tracker) emit(e event.Event) {
	select {
	case t.events <- e:
	default:
		// Buffer exhausted under pathological burst; drop rather than block
		// the poll loop, matching the "bursts over blocking" tradeoff the
		// fan-in channel assumes elsewhere.
		if t.log != nil {
			t.log.Warnw("process tracker event dropped, channel full")
		}
	}
}

func bfsDescendants(root int32, byParent map[int32][]int32, maxDepth int) map[int32]struct{} {
	out := make(map[int32]struct{})
	type frame struct {
		pid   int32
		depth int
	}
	queue := []frame{{pid: root, depth: 0}}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if f.pid != root {
			out[f.pid] = struct{}{}
		}
		if maxDepth > 0 && f.depth >= maxDepth {
			continue
		}
		for _, child := range byParent[f.pid] {
			queue = append(queue, frame{pid: child, depth: f.depth + 1})
		}
	}
	return out
}

// enumerateProcesses lists every process on the system with its ppid,
// name, and executable path, per spec §4.6 step 1. Processes that vanish
// mid-enumeration (ESRCH-shaped errors) are skipped rather than failing
// the whole poll.
func enumerateProcesses() ([]procInfo, error) {
	pids, err := gopsutil.Pids()
	if err != nil {
		return nil, err
	}
	out := make([]procInfo, 0, len(pids))
	for _, pid := range pids {
		proc, err := gopsutil.NewProcess(pid)
		if err != nil {
			continue
		}
		ppid, err := proc.Ppid()
		if err != nil {
			continue
		}
		name, err := proc.Name()
		if err != nil {
			name = ""
		}
		path, err := proc.Exe()
		if err != nil {
			path = ""
		}
		out = append(out, procInfo{pid: pid, ppid: ppid, name: name, path: path})
	}
	return out, nil
}
