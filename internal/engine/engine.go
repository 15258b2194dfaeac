// Package engine implements the monitoring engine orchestrator from spec
// §4.10: a mutex-serialized state machine that wires together the
// process tracker, network poller, and file-system watcher observers
// into a single fan-in event stream drained by one writer task.
package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	gopsutil "github.com/shirou/gopsutil/v3/process"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/silexa/sentinel/internal/classify"
	"github.com/silexa/sentinel/internal/config"
	"github.com/silexa/sentinel/internal/event"
	"github.com/silexa/sentinel/internal/fswatch"
	"github.com/silexa/sentinel/internal/netmon"
	"github.com/silexa/sentinel/internal/proctree"
	"github.com/silexa/sentinel/internal/risk"
	"github.com/silexa/sentinel/internal/sentinelerr"
	"github.com/silexa/sentinel/internal/store"
)

// State is the engine's lifecycle, per spec §4.10.
type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MonitoredAgent is one process the engine decided to watch. MatchReason
// records why the detector selected it (SPEC_FULL.md §B.3 supplement),
// either "name" or "path".
type MonitoredAgent struct {
	PID         uint32
	Name        string
	Path        string
	MatchReason string
}

// SinkFactory constructs the persistence Sink for a new session. Callers
// inject this so the engine stays agnostic of JSONL vs. indexed storage.
type SinkFactory func(sessionID, process string, pid uint32, start time.Time) (store.Sink, error)

type observerHandle struct {
	signalStop func()
	stop       func()
}

// Engine is the orchestrator. The zero value is not usable; build one
// with New.
type Engine struct {
	cfg            config.Config
	scorer         *risk.Scorer
	pathClassifier *classify.PathClassifier
	hostClassifier *classify.HostClassifier
	newSink        SinkFactory
	log            *zap.SugaredLogger

	mu          sync.Mutex
	state       State
	sessionID   string
	sink        store.Sink
	agents      []MonitoredAgent
	handles     []observerHandle
	netPollers  []*netmon.Poller
	fanIn       chan event.Event
	forwardWG   sync.WaitGroup
	writerWG    sync.WaitGroup

	subMu       sync.Mutex
	subscribers map[int]chan event.Event
	nextSubID   int
}

// New builds an Engine from its dependencies.
func New(cfg config.Config, scorer *risk.Scorer, pathClassifier *classify.PathClassifier, hostClassifier *classify.HostClassifier, newSink SinkFactory, log *zap.SugaredLogger) *Engine {
	return &Engine{
		cfg:            cfg,
		scorer:         scorer,
		pathClassifier: pathClassifier,
		hostClassifier: hostClassifier,
		newSink:        newSink,
		log:            log,
		state:          Idle,
		subscribers:    make(map[int]chan event.Event),
	}
}

// IsActive reports whether the engine is in the Active state.
func (e *Engine) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Active
}

// GetMonitoredAgents returns the detected-agent snapshot captured at
// start. Valid only in Active.
func (e *Engine) GetMonitoredAgents() ([]MonitoredAgent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Active {
		return nil, sentinelerr.Wrap(sentinelerr.Config, "get_monitored_agents",
			fmt.Errorf("engine is %s, not active", e.state))
	}
	return append([]MonitoredAgent(nil), e.agents...), nil
}

// Subscribe registers a read-only broadcast channel that receives every
// event the writer task drains, for UI/API collaborators (spec §3
// Ownership). The returned func unsubscribes and must be called exactly
// once.
func (e *Engine) Subscribe() (<-chan event.Event, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	ch := make(chan event.Event, 64)
	e.subscribers[id] = ch
	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if existing, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(existing)
		}
	}
}

func (e *Engine) broadcast(ev event.Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than block the writer task.
		}
	}
}

// StartSession transitions Idle -> Active. processName is used as the
// session-header label; agent detection is independent of it and scans
// the whole process table for the configured candidate patterns.
func (e *Engine) StartSession(processName string) (string, error) {
	e.mu.Lock()
	if e.state != Idle {
		cur := e.state
		e.mu.Unlock()
		return "", sentinelerr.Wrap(sentinelerr.Config, "start_session", fmt.Errorf("engine is %s, not idle", cur))
	}
	e.state = Starting
	e.mu.Unlock()

	rollback := func(err error) (string, error) {
		e.mu.Lock()
		e.state = Idle
		e.mu.Unlock()
		return "", err
	}

	patterns := e.cfg.Monitoring.AgentPatterns
	if len(patterns) == 0 {
		patterns = config.DefaultAgentPatterns
	}
	agents, err := detectAgents(patterns)
	if err != nil {
		return rollback(sentinelerr.Wrap(sentinelerr.Config, "detect agents", err))
	}
	if len(agents) == 0 {
		return rollback(sentinelerr.Wrap(sentinelerr.Config, "detect agents", fmt.Errorf("no candidate agent processes found")))
	}

	sessionID := uuid.NewString()
	start := time.Now()
	primary := agents[0]
	label := processName
	if label == "" {
		label = primary.Name
	}

	sink, err := e.newSink(sessionID, label, primary.PID, start)
	if err != nil {
		return rollback(sentinelerr.Wrap(sentinelerr.Storage, "construct persistence", err))
	}

	fanIn := make(chan event.Event, 1024)

	var handles []observerHandle
	var pollers []*netmon.Poller

	if e.cfg.Monitoring.NetEnabled {
		for _, agent := range agents {
			poller := netmon.New(netmon.Config{
				RootPID:      int32(agent.PID),
				PollInterval: e.cfg.NetPollInterval(),
				TrackTCP:     true,
				TrackUDP:     true,
			}, e.hostClassifier, e.log)
			if err := poller.Start(); err != nil {
				e.log.Warnw("network poller failed to start", "pid", agent.PID, "error", err)
				continue
			}
			e.spawnForwarder(poller.Events(), fanIn)
			handles = append(handles, observerHandle{signalStop: poller.SignalStop, stop: poller.Stop})
			pollers = append(pollers, poller)
		}
	}

	if e.cfg.Monitoring.TrackChildren {
		for _, agent := range agents {
			tracker := proctree.New(proctree.Config{
				RootPID:      int32(agent.PID),
				PollInterval: e.cfg.TrackingPollInterval(),
				MaxDepth:     e.cfg.Monitoring.MaxDepth,
			}, e.scorer, e.log)
			if err := tracker.Start(); err != nil {
				e.log.Warnw("process tracker failed to start", "pid", agent.PID, "error", err)
				continue
			}
			e.spawnProcessForwarder(tracker.Events(), fanIn, pollers)
			handles = append(handles, observerHandle{signalStop: tracker.SignalStop, stop: tracker.Stop})
		}
	}

	if e.cfg.Monitoring.FSEnabled && len(e.cfg.Monitoring.WatchPaths) > 0 {
		watcher := fswatch.New(fswatch.Config{
			WatchPaths: e.cfg.Monitoring.WatchPaths,
			Latency:    e.cfg.FSDebounceInterval(),
		}, e.pathClassifier, e.log)
		if err := watcher.Start(); err != nil {
			e.log.Warnw("fs watcher failed to start", "error", err)
		} else {
			e.spawnForwarder(watcher.Events(), fanIn)
			handles = append(handles, observerHandle{signalStop: watcher.SignalStop, stop: watcher.Stop})
		}
	}

	e.writerWG.Add(1)
	go e.runWriter(fanIn, sink)

	e.mu.Lock()
	e.state = Active
	e.sessionID = sessionID
	e.sink = sink
	e.agents = agents
	e.handles = handles
	e.netPollers = pollers
	e.fanIn = fanIn
	e.mu.Unlock()

	return sessionID, nil
}

// spawnForwarder adapts one observer's native channel into the fan-in
// channel. Each observer gets exactly one forwarding task (spec §5).
func (e *Engine) spawnForwarder(src <-chan event.Event, dst chan<- event.Event) {
	e.forwardWG.Add(1)
	go func() {
		defer e.forwardWG.Done()
		for ev := range src {
			dst <- ev
		}
	}()
}

// spawnProcessForwarder forwards a process tracker's events like
// spawnForwarder, and additionally extends every network poller's
// tracked-pid set as new children start, per spec §4.8's "extensible by
// the engine as children appear".
func (e *Engine) spawnProcessForwarder(src <-chan event.Event, dst chan<- event.Event, pollers []*netmon.Poller) {
	e.forwardWG.Add(1)
	go func() {
		defer e.forwardWG.Done()
		for ev := range src {
			if ev.Kind == event.KindProcess && ev.Process != nil && ev.Process.Action == event.ProcessStart {
				for _, p := range pollers {
					p.TrackPID(int32(ev.Process.PID))
				}
			}
			dst <- ev
		}
	}()
}

func (e *Engine) runWriter(fanIn chan event.Event, sink store.Sink) {
	defer e.writerWG.Done()
	for ev := range fanIn {
		if err := sink.WriteEvent(ev); err != nil && e.log != nil {
			e.log.Warnw("failed to persist event", "error", err)
		}
		e.broadcast(ev)
	}
	_ = sink.Flush()
}

// StopSession transitions Active -> Idle via the two-phase shutdown
// protocol (spec §4.10 Stop, spec §5): signal every observer first so
// none is still producing while another tears down, then join forwarders
// only after observers are fully stopped, guaranteeing no lost events and
// no hung task.
func (e *Engine) StopSession() error {
	e.mu.Lock()
	if e.state != Active {
		cur := e.state
		e.mu.Unlock()
		return sentinelerr.Wrap(sentinelerr.Config, "stop_session", fmt.Errorf("engine is %s, not active", cur))
	}
	e.state = Stopping
	handles := e.handles
	fanIn := e.fanIn
	sink := e.sink
	e.mu.Unlock()

	for _, h := range handles {
		h.signalStop()
	}
	for _, h := range handles {
		h.stop()
	}

	e.forwardWG.Wait()
	close(fanIn)
	e.writerWG.Wait()

	if sink != nil {
		_ = sink.Footer(time.Now(), nil)
		_ = sink.Close()
	}

	e.mu.Lock()
	e.state = Idle
	e.sessionID = ""
	e.sink = nil
	e.agents = nil
	e.handles = nil
	e.netPollers = nil
	e.fanIn = nil
	e.mu.Unlock()

	return nil
}

// detectAgents scans every process on the system for a name or path
// substring match against patterns (spec §4.10 step 3), recording which
// kind of match fired (SPEC_FULL.md §B.3).
func detectAgents(patterns []string) ([]MonitoredAgent, error) {
	pids, err := gopsutil.Pids()
	if err != nil {
		return nil, err
	}
	var out []MonitoredAgent
	for _, pid := range pids {
		proc, err := gopsutil.NewProcess(pid)
		if err != nil {
			continue
		}
		name, err := proc.Name()
		if err != nil {
			continue
		}
		path, _ := proc.Exe()

		reason, ok := matchPattern(name, path, patterns)
		if !ok {
			continue
		}
		out = append(out, MonitoredAgent{
			PID:         uint32(pid),
			Name:        name,
			Path:        path,
			MatchReason: reason,
		})
	}
	return out, nil
}

func matchPattern(name, path string, patterns []string) (string, bool) {
	lname := strings.ToLower(name)
	lpath := strings.ToLower(path)
	for _, p := range patterns {
		lp := strings.ToLower(p)
		if strings.Contains(lname, lp) {
			return "name", true
		}
		if lpath != "" && strings.Contains(lpath, lp) {
			return "path", true
		}
	}
	return "", false
}
