// Package fswatch implements the file-system watcher from spec §4.7: a
// fsnotify-backed observer that classifies raw events into FileAction
// values and emits FileAccess events at a risk level driven by the
// sensitive-path classifier.
package fswatch

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/silexa/sentinel/internal/classify"
	"github.com/silexa/sentinel/internal/event"
	"github.com/silexa/sentinel/internal/sentinelerr"
)

// Config configures one watcher instance.
type Config struct {
	WatchPaths []string
	Latency    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Latency <= 0 {
		c.Latency = 100 * time.Millisecond
	}
	return c
}

// Watcher wraps an fsnotify.Watcher rooted at a fixed set of paths.
type Watcher struct {
	cfg       Config
	classifer *classify.PathClassifier
	log       *zap.SugaredLogger

	events chan event.Event
	fs     *fsnotify.Watcher
	done   chan struct{}
}

// New builds a Watcher. If cfg.WatchPaths is empty, Start is a no-op
// success per spec §4.7.
func New(cfg Config, classifier *classify.PathClassifier, log *zap.SugaredLogger) *Watcher {
	return &Watcher{
		cfg:       cfg.withDefaults(),
		classifer: classifier,
		log:       log,
		events:    make(chan event.Event, 256),
		done:      make(chan struct{}),
	}
}

// Events is the watcher's native channel of translated FileAccess events.
func (w *Watcher) Events() <-chan event.Event { return w.events }

// Start opens the platform stream and begins delivering events. A
// watcher with no configured paths starts successfully and immediately
// closes its channel, producing nothing.
func (w *Watcher) Start() error {
	if len(w.cfg.WatchPaths) == 0 {
		close(w.events)
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.FsWatch, "create watcher", err)
	}
	for _, path := range w.cfg.WatchPaths {
		if err := fsw.Add(path); err != nil {
			_ = fsw.Close()
			return sentinelerr.Wrap(sentinelerr.FsWatch, "watch path "+path, err)
		}
	}
	w.fs = fsw

	go w.run()
	return nil
}

// SignalStop closes the underlying fsnotify watcher, which unblocks the
// delivery loop's receive and lets it tear down.
func (w *Watcher) SignalStop() {
	if w.fs != nil {
		_ = w.fs.Close()
	}
}

// Stop signals and waits for teardown to complete.
func (w *Watcher) Stop() {
	w.SignalStop()
	<-w.done
}

// run is wrapped so teardown (closing the events channel) always runs,
// even if a panic unwinds the delivery loop; the panic is re-raised
// after teardown, per spec §4.7.
func (w *Watcher) run() {
	defer close(w.done)
	defer close(w.events)
	defer func() {
		if r := recover(); r != nil {
			if w.fs != nil {
				_ = w.fs.Close()
			}
			panic(r)
		}
	}()
	w.deliver()
}

func (w *Watcher) deliver() {
	for {
		select {
		case raw, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(raw)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			if w.log != nil && err != nil {
				w.log.Warnw("fs watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) handle(raw fsnotify.Event) {
	action := classifyOp(raw.Op)
	risk := event.Low
	if w.classifer != nil && w.classifer.IsSensitive(raw.Name) {
		risk = event.Critical
	}
	w.emit(event.NewFileAccess("", 0, risk, time.Now(), event.FileAccessPayload{
		Path:   raw.Name,
		Action: action,
	}))
}

// classifyOp maps fsnotify's flag bits onto a FileAction using the
// priority order from spec §4.7 step 1: Removed -> Delete; Created ->
// Create; Modified | Renamed -> Write; XAttrMod (Chmod) -> Chmod;
// otherwise Read.
func classifyOp(op fsnotify.Op) event.FileAction {
	switch {
	case op&fsnotify.Remove != 0:
		return event.ActionDelete
	case op&fsnotify.Create != 0:
		return event.ActionCreate
	case op&(fsnotify.Write|fsnotify.Rename) != 0:
		return event.ActionWrite
	case op&fsnotify.Chmod != 0:
		return event.ActionChmod
	default:
		return event.ActionRead
	}
}

func (w *Watcher) emit(e event.Event) {
	select {
	case w.events <- e:
	default:
		if w.log != nil {
			w.log.Warnw("fs watcher event dropped, channel full")
		}
	}
}
