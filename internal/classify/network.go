package classify

import (
	"strings"

	"github.com/silexa/sentinel/internal/event"
)

// HostClassifier decides whether a network host is on the configured
// allowlist, per spec §4.3.
type HostClassifier struct {
	whitelist map[string]struct{}
}

// NewHostClassifier builds a classifier from a whitelist of host strings.
func NewHostClassifier(whitelist []string) *HostClassifier {
	set := make(map[string]struct{}, len(whitelist))
	for _, h := range whitelist {
		set[strings.ToLower(h)] = struct{}{}
	}
	return &HostClassifier{whitelist: set}
}

// IsAllowed reports whether host equals a whitelist entry or is one of its
// subdomains.
func (c *HostClassifier) IsAllowed(host string) bool {
	host = strings.ToLower(host)
	for entry := range c.whitelist {
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// RiskLevel maps IsAllowed's verdict onto the spec §4.3 risk mapping:
// allowed hosts are still observed at Medium, everything else is High.
func (c *HostClassifier) RiskLevel(host string) event.RiskLevel {
	if c.IsAllowed(host) {
		return event.Medium
	}
	return event.High
}
