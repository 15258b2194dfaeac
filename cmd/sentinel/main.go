// Command sentinel is the minimal flag-based demo entrypoint (spec §1
// Non-goals: "CLI argument parsing beyond the minimal flag-based demo
// entrypoint needed to exercise the engine"): it wraps a single agent
// invocation in a pty, starts the monitoring engine rooted at the
// wrapped process, and optionally serves the read-only query API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/silexa/sentinel/internal/api"
	"github.com/silexa/sentinel/internal/classify"
	"github.com/silexa/sentinel/internal/config"
	"github.com/silexa/sentinel/internal/engine"
	"github.com/silexa/sentinel/internal/event"
	"github.com/silexa/sentinel/internal/logging"
	"github.com/silexa/sentinel/internal/ptywrap"
	"github.com/silexa/sentinel/internal/risk"
	"github.com/silexa/sentinel/internal/sentinelerr"
	"github.com/silexa/sentinel/internal/store"
)

func main() {
	var (
		logDir    = flag.String("log-dir", "", "directory for session logs (required when -index is unset)")
		indexPath = flag.String("index", "", "path to a SQLite indexed store (defaults to JSONL-only when unset)")
		apiAddr   = flag.String("api-addr", "", "address to serve the read-only query API on (e.g. :8080); empty disables it")
		netEnable = flag.Bool("net", false, "enable the network-connection poller")
		fsWatch   = flag.String("watch", "", "comma-separated paths for the filesystem watcher; empty disables it")
		noPty     = flag.Bool("no-pty", false, "run the wrapped command without a pty (RunSimple fallback)")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] -- <command> [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	argv := flag.Args()
	if len(argv) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logging.New()
	defer logger.Sync() //nolint:errcheck

	cfg := config.Default()
	cfg.Monitoring.NetEnabled = *netEnable
	if *fsWatch != "" {
		cfg.Monitoring.FSEnabled = true
		cfg.Monitoring.WatchPaths = strings.Split(*fsWatch, ",")
	}
	if *logDir != "" {
		cfg.Logging.LogDir = logDir
	} else if *indexPath == "" {
		logger.Fatalw("one of -log-dir or -index is required")
	} else {
		cfg.Logging.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalw("invalid configuration", "error", err)
	}

	var db *store.DB
	if *indexPath != "" {
		var err error
		db, err = store.OpenDB(*indexPath)
		if err != nil {
			logger.Fatalw("opening indexed store", "error", err)
		}
		defer db.Close()
	}

	newSink := buildSinkFactory(cfg, db)
	scorer := risk.New(cfg.Alerts.CustomHighRisk)
	pathClassifier := classify.NewPathClassifier(nil, cfg.Monitoring.SensitivePatterns, cfg.Monitoring.SensitiveDirs)
	hostClassifier := classify.NewHostClassifier(cfg.Monitoring.NetworkWhitelist)

	eng := engine.New(cfg, scorer, pathClassifier, hostClassifier, newSink, logger)

	if *apiAddr != "" {
		srv := api.New(eng, db, logging.Component(logger, "api"))
		go func() {
			logger.Infow("serving read-only query API", "addr", *apiAddr)
			if err := http.ListenAndServe(*apiAddr, srv.Handler()); err != nil {
				logger.Errorw("api server stopped", "error", err)
			}
		}()
	}

	wrapper := ptywrap.New(scorer, logging.Component(logger, "ptywrap"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	emit := func(e event.Event) {
		logger.Debugw("wrapper event", "kind", e.Kind, "risk", e.RiskLevel.String())
	}

	onStart := func(pid int) {
		if _, err := eng.StartSession(displayName(argv[0])); err != nil {
			logger.Errorw("starting monitoring session", "error", err, "pid", pid)
		}
	}

	spec := ptywrap.Spec{Argv: argv}
	go func() {
		<-ctx.Done()
		if eng.IsActive() {
			if err := eng.StopSession(); err != nil {
				logger.Errorw("stopping monitoring session on interrupt", "error", err)
			}
		}
	}()

	var (
		result ptywrap.Result
		runErr error
	)
	if *noPty {
		result, runErr = wrapper.RunSimple(spec, emit)
	} else {
		result, runErr = wrapper.Run(spec, emit, onStart)
	}
	if runErr != nil {
		logger.Fatalw("running wrapped command", "error", runErr)
	}

	if eng.IsActive() {
		if err := eng.StopSession(); err != nil {
			logger.Errorw("stopping monitoring session", "error", err)
		}
	}

	os.Exit(result.ExitCode)
}

// buildSinkFactory picks the JSONL or indexed backend per the resolved
// config, matching the engine's SinkFactory injection seam (spec §3
// Ownership: the engine stays agnostic of the persistence backend).
func buildSinkFactory(cfg config.Config, db *store.DB) engine.SinkFactory {
	return func(sessionID, process string, pid uint32, start time.Time) (store.Sink, error) {
		if db != nil {
			ctx := context.Background()
			return store.NewIndexedSink(ctx, db, "", sessionID, process, pid, start)
		}
		if cfg.Logging.LogDir == nil {
			return nil, sentinelerr.Wrap(sentinelerr.Config, "build_sink", fmt.Errorf("no log directory or index configured"))
		}
		return store.NewJSONLSink(*cfg.Logging.LogDir, sessionID, process, pid, start)
	}
}

func displayName(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
