// Package classify implements the glob- and suffix-based detectors from
// spec §4.2 (sensitive file paths) and §4.3 (network hosts).
package classify

import (
	"path/filepath"
	"strings"

	"github.com/silexa/sentinel/internal/event"
)

// PathClassifier decides whether a filesystem path is sensitive, per
// spec §4.2's five-step evaluation order.
type PathClassifier struct {
	exactPaths []string
	patterns   []string
	dirs       []string
}

// NewPathClassifier builds a classifier from exact paths, glob patterns
// (matched against both basename and full path), and case-insensitive
// directory-fragment substrings.
func NewPathClassifier(exactPaths, patterns, dirs []string) *PathClassifier {
	loweredDirs := make([]string, len(dirs))
	for i, d := range dirs {
		loweredDirs[i] = strings.ToLower(d)
	}
	return &PathClassifier{
		exactPaths: append([]string(nil), exactPaths...),
		patterns:   append([]string(nil), patterns...),
		dirs:       loweredDirs,
	}
}

// IsSensitive evaluates path against the five rules in spec §4.2, in
// order, including a symlink-resolution fallback that must never fail on
// a broken link.
func (c *PathClassifier) IsSensitive(path string) bool {
	if c.matchesDirectly(path) {
		return true
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil || real == path {
		return false
	}
	return c.matchesDirectly(real)
}

func (c *PathClassifier) matchesDirectly(path string) bool {
	for _, exact := range c.exactPaths {
		if path == exact {
			return true
		}
	}
	base := filepath.Base(path)
	for _, pattern := range c.patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	for _, pattern := range c.patterns {
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
	}
	lowered := strings.ToLower(path)
	for _, dir := range c.dirs {
		if strings.Contains(lowered, dir) {
			return true
		}
	}
	return false
}

// RiskLevel maps IsSensitive's verdict onto the spec §4.2 risk mapping:
// sensitive paths are Critical, everything else is Low.
func (c *PathClassifier) RiskLevel(path string) event.RiskLevel {
	if c.IsSensitive(path) {
		return event.Critical
	}
	return event.Low
}

// DefaultSensitivePatterns is the suggested sensitive_patterns set from
// spec §3.
var DefaultSensitivePatterns = []string{
	".env",
	".env.*",
	"*.pem",
	"id_rsa",
	"*credential*",
}

// DefaultSensitiveDirs is the suggested sensitive_dirs set from spec §3.
var DefaultSensitiveDirs = []string{
	"/.ssh/",
	"/.aws/",
	"/.gnupg/",
	"/.kube/",
}
