// Package config defines the Config record consumed by the engine (spec
// §6, "Configuration (input)") as a plain JSON-tagged struct, in the
// style of vanducng-goclaw/internal/config. Parsing the on-disk TOML
// file itself is out of scope (spec §1 Non-goals); this package only
// defines the record shape, its defaults, and validation.
package config

import (
	"fmt"
	"time"

	"github.com/silexa/sentinel/internal/event"
	"github.com/silexa/sentinel/internal/sentinelerr"
)

// MonitoringConfig is the "monitoring.*" option group from spec §6.
type MonitoringConfig struct {
	TrackChildren bool `json:"track_children"`
	TrackingPollMS uint64 `json:"tracking_poll_ms"`

	FSEnabled   bool     `json:"fs_enabled"`
	FSDebounceMS uint64  `json:"fs_debounce_ms"`
	WatchPaths  []string `json:"watch_paths"`

	NetEnabled bool   `json:"net_enabled"`
	NetPollMS  uint64 `json:"net_poll_ms"`

	SensitivePatterns []string `json:"sensitive_patterns"`
	SensitiveDirs     []string `json:"sensitive_dirs"`
	NetworkWhitelist  []string `json:"network_whitelist"`

	// MaxDepth bounds the process-tree BFS (spec §4.6); 0 is unbounded.
	MaxDepth int `json:"max_depth,omitempty"`
	// AgentPatterns overrides the default candidate-agent name/path
	// substrings used by the engine's detector (spec §4.10 step 3).
	AgentPatterns []string `json:"agent_patterns,omitempty"`
}

// AlertsConfig is the "alerts.*" option group from spec §6.
type AlertsConfig struct {
	MinLevel       event.RiskLevel `json:"min_level"`
	CustomHighRisk []string        `json:"custom_high_risk"`
}

// LoggingConfig is the "logging.*" option group from spec §6.
type LoggingConfig struct {
	Enabled       bool    `json:"enabled"`
	LogDir        *string `json:"log_dir,omitempty"`
	RetentionDays uint32  `json:"retention_days"`
}

// Config is the root record the engine is constructed from.
type Config struct {
	Monitoring MonitoringConfig `json:"monitoring"`
	Alerts     AlertsConfig     `json:"alerts"`
	Logging    LoggingConfig    `json:"logging"`
}

// Default returns the documented default configuration from spec §3/§6.
func Default() Config {
	return Config{
		Monitoring: MonitoringConfig{
			TrackChildren:  true,
			TrackingPollMS: 100,
			FSEnabled:      false,
			FSDebounceMS:   100,
			NetEnabled:     false,
			NetPollMS:      1000,
		},
		Alerts: AlertsConfig{
			MinLevel: event.Low,
		},
		Logging: LoggingConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
	}
}

// Validate checks the record for internally-inconsistent values. It does
// not touch the filesystem or network.
func (c Config) Validate() error {
	if c.Monitoring.TrackingPollMS == 0 {
		return sentinelerr.Wrap(sentinelerr.Config, "validate", fmt.Errorf("monitoring.tracking_poll_ms must be > 0"))
	}
	if c.Monitoring.NetEnabled && c.Monitoring.NetPollMS == 0 {
		return sentinelerr.Wrap(sentinelerr.Config, "validate", fmt.Errorf("monitoring.net_poll_ms must be > 0 when net_enabled"))
	}
	if c.Monitoring.FSEnabled && c.Monitoring.FSDebounceMS == 0 {
		return sentinelerr.Wrap(sentinelerr.Config, "validate", fmt.Errorf("monitoring.fs_debounce_ms must be > 0 when fs_enabled"))
	}
	if c.Logging.Enabled && c.Logging.LogDir == nil {
		return sentinelerr.Wrap(sentinelerr.Config, "validate", fmt.Errorf("logging.log_dir is required when logging is enabled"))
	}
	return nil
}

// TrackingPollInterval converts the millisecond field into a duration.
func (c Config) TrackingPollInterval() time.Duration {
	return time.Duration(c.Monitoring.TrackingPollMS) * time.Millisecond
}

// FSDebounceInterval converts the millisecond field into a duration.
func (c Config) FSDebounceInterval() time.Duration {
	return time.Duration(c.Monitoring.FSDebounceMS) * time.Millisecond
}

// NetPollInterval converts the millisecond field into a duration.
func (c Config) NetPollInterval() time.Duration {
	return time.Duration(c.Monitoring.NetPollMS) * time.Millisecond
}

// DefaultAgentPatterns is the default candidate-agent substring list from
// spec §4.10 step 3.
var DefaultAgentPatterns = []string{"claude", "cursor", "copilot", "aider", "windsurf", "cody"}
