// Package logging builds the process-wide structured logger used by
// every component (SPEC_FULL.md §A.1): JSON encoding to stdout in
// production, console encoding when SENTINEL_ENV=dev.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger. Callers derive component loggers from it
// with .With("component", name) so every long-lived goroutine's log
// lines carry the producing subsystem.
func New() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if os.Getenv("SENTINEL_ENV") == "dev" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.OutputPaths = []string{"stdout"}
	logger, err := cfg.Build()
	if err != nil {
		// zap's own config construction failing means something is
		// fundamentally wrong with stdout; fall back to a no-op logger
		// rather than panic a monitoring tool on its own logging setup.
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// Component derives a child logger tagged with the producing subsystem.
func Component(base *zap.SugaredLogger, name string) *zap.SugaredLogger {
	return base.With("component", name)
}
