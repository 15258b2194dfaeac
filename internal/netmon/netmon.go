// Package netmon implements the network-connection poller from spec
// §4.8: a polling observer over a mutable tracked-pid set that enumerates
// socket file descriptors, deduplicates first-seen connections with a
// two-generation cache, and rate-limits classification work.
package netmon

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gopsutilnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/silexa/sentinel/internal/classify"
	"github.com/silexa/sentinel/internal/event"
)

// TrackedConnection identifies one observed remote endpoint, per spec
// §4.8 step 4.
type TrackedConnection struct {
	PID      int32
	Host     string
	Port     uint32
	Protocol string
}

// Config configures one poller instance.
type Config struct {
	RootPID             int32
	PollInterval        time.Duration
	TrackTCP            bool
	TrackUDP            bool
	MaxSeenConnections  int // 0 means unbounded
	RateLimitPerSecond  float64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.MaxSeenConnections == 0 {
		c.MaxSeenConnections = 10_000
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 20
	}
	return c
}

// dedupCache is the two-generation deduplication structure from spec
// §4.8: contains(c) iff c is in current or previous. Rotating current
// into previous on overflow bounds memory without ever clearing the
// whole cache at once (which would cause a flood of duplicate events).
type dedupCache struct {
	mu       sync.Mutex
	current  map[TrackedConnection]struct{}
	previous map[TrackedConnection]struct{}
	maxSize  int
}

func newDedupCache(maxSize int) *dedupCache {
	return &dedupCache{
		current: make(map[TrackedConnection]struct{}),
		maxSize: maxSize,
	}
}

// insertIfAbsent reports whether c was newly inserted (true) or already
// known (false).
func (d *dedupCache) insertIfAbsent(c TrackedConnection) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.current[c]; ok {
		return false
	}
	if d.previous != nil {
		if _, ok := d.previous[c]; ok {
			return false
		}
	}
	d.current[c] = struct{}{}
	if d.maxSize > 0 && len(d.current) > d.maxSize {
		d.previous = d.current
		d.current = make(map[TrackedConnection]struct{})
	}
	return true
}

// Poller watches a mutable tracked-pid set and emits Network events for
// first-seen remote endpoints.
type Poller struct {
	cfg       Config
	classifer *classify.HostClassifier
	log       *zap.SugaredLogger

	events chan event.Event

	mu       sync.Mutex
	tracked  map[int32]struct{}
	cache    *dedupCache
	limiters map[int32]*rate.Limiter

	droppedForRate atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Poller with its tracked set seeded with cfg.RootPID.
func New(cfg Config, classifier *classify.HostClassifier, log *zap.SugaredLogger) *Poller {
	cfg = cfg.withDefaults()
	tracked := map[int32]struct{}{cfg.RootPID: {}}
	return &Poller{
		cfg:       cfg,
		classifer: classifier,
		log:       log,
		events:    make(chan event.Event, 256),
		tracked:   tracked,
		cache:     newDedupCache(cfg.MaxSeenConnections),
		limiters:  make(map[int32]*rate.Limiter),
		stopCh:    make(chan struct{}),
	}
}

// limiterFor lazily creates the per-pid token bucket (default 20/sec,
// burst 40 per SPEC_FULL.md §B.2) so one noisy process can't starve the
// classification budget of the rest of the tracked set.
func (p *Poller) limiterFor(pid int32) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[pid]
	if !ok {
		burst := int(p.cfg.RateLimitPerSecond * 2)
		l = rate.NewLimiter(rate.Limit(p.cfg.RateLimitPerSecond), burst)
		p.limiters[pid] = l
	}
	return l
}

// DroppedForRate reports how many classified-but-rate-limited connection
// events have been dropped since the poller started, so the engine or
// tests can observe rate-limiting pressure.
func (p *Poller) DroppedForRate() uint64 {
	return p.droppedForRate.Load()
}

// Events is the poller's native channel of Network events.
func (p *Poller) Events() <-chan event.Event { return p.events }

// TrackPID adds pid to the tracked set; the engine calls this as new
// child agent processes appear.
func (p *Poller) TrackPID(pid int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked[pid] = struct{}{}
}

// Start spawns the poll worker.
func (p *Poller) Start() error {
	p.wg.Add(1)
	go p.run()
	return nil
}

// SignalStop is non-blocking; the poll loop observes it within one
// PollInterval.
func (p *Poller) SignalStop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
}

// Stop signals and joins the worker, then closes the native channel.
func (p *Poller) Stop() {
	p.SignalStop()
	p.wg.Wait()
	close(p.events)
}

func (p *Poller) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		start := time.Now()
		p.poll()
		elapsed := time.Since(start)
		sleep := p.cfg.PollInterval - elapsed
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-p.stopCh:
			return
		case <-time.After(sleep):
		}
	}
}

func (p *Poller) poll() {
	p.mu.Lock()
	pids := make([]int32, 0, len(p.tracked))
	for pid := range p.tracked {
		pids = append(pids, pid)
	}
	p.mu.Unlock()

	for _, pid := range pids {
		p.pollPID(pid)
	}
}

func (p *Poller) pollPID(pid int32) {
	conns, err := gopsutilnet.ConnectionsPid("all", pid)
	if err != nil {
		p.logEnumerationError(pid, err)
		return
	}
	now := time.Now()
	for _, c := range conns {
		proto := protocolName(c.Type)
		if proto == "tcp" && !p.cfg.TrackTCP {
			continue
		}
		if proto == "udp" && !p.cfg.TrackUDP {
			continue
		}
		if proto == "tcp" && !isEstablishing(c.Status) {
			continue
		}
		if c.Raddr.Port == 0 {
			continue
		}
		if isLoopbackOrUnspecified(c.Raddr.Ip) {
			continue
		}
		tc := TrackedConnection{PID: pid, Host: c.Raddr.Ip, Port: c.Raddr.Port, Protocol: proto}
		if !p.cache.insertIfAbsent(tc) {
			continue
		}
		if !p.limiterFor(pid).Allow() {
			p.droppedForRate.Add(1)
			continue
		}
		level := event.Low
		if p.classifer != nil {
			level = p.classifer.RiskLevel(tc.Host)
		}
		p.emit(event.NewNetwork("", uint32(pid), level, now, event.NetworkPayload{
			Host:     tc.Host,
			Port:     uint16(tc.Port),
			Protocol: tc.Protocol,
		}))
	}
}

func (p *Poller) emit(e event.Event) {
	select {
	case p.events <- e:
	default:
		if p.log != nil {
			p.log.Warnw("network poller event dropped, channel full")
		}
	}
}

func protocolName(socketType uint32) string {
	switch socketType {
	case 1: // syscall.SOCK_STREAM
		return "tcp"
	case 2: // syscall.SOCK_DGRAM
		return "udp"
	default:
		return "unknown"
	}
}

// isEstablishing keeps only the TCP states spec §4.8 step 2 names;
// listening sockets are skipped.
func isEstablishing(status string) bool {
	switch status {
	case "ESTABLISHED", "SYN_SENT", "SYN_RECV":
		return true
	default:
		return false
	}
}

func isLoopbackOrUnspecified(addr string) bool {
	if addr == "" {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return addr == "0.0.0.0" || addr == "::"
	}
	return ip.IsLoopback() || ip.IsUnspecified()
}

// logEnumerationError classifies FD-enumeration failures by errno shape,
// per spec §4.8: ESRCH is benign (process exited), EPERM logs once,
// anything else logs with the error.
var epermLogged sync.Map

func (p *Poller) logEnumerationError(pid int32, err error) {
	if p.log == nil || err == nil {
		return
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "no such process", "ESRCH"):
		return
	case containsAny(msg, "operation not permitted", "EPERM"):
		if _, loaded := epermLogged.LoadOrStore(pid, struct{}{}); !loaded {
			p.log.Warnw("network poller permission denied enumerating sockets", "pid", pid, "error", err)
		}
	default:
		p.log.Warnw("network poller failed enumerating sockets", "pid", pid, "error", err)
	}
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
