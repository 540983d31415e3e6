package config

import (
	"fmt"
	"net/url"
	"strings"
)

// OutboundMode controls which hosts remotes may point at.
type OutboundMode string

const (
	OutboundOpen      OutboundMode = "open"
	OutboundAllowlist OutboundMode = "allowlist"
	OutboundDenylist  OutboundMode = "denylist"
	// OutboundIsland blocks every network remote; file:// remotes still work.
	OutboundIsland OutboundMode = "island"
)

// OutboundPolicy restricts the hosts remotes are synced from.
type OutboundPolicy struct {
	Mode  OutboundMode `yaml:"mode"`
	Hosts []string     `yaml:"hosts,omitempty"`
}

// Validate checks the mode.
func (p OutboundPolicy) Validate() error {
	switch p.Mode {
	case "", OutboundOpen, OutboundAllowlist, OutboundDenylist, OutboundIsland:
		return nil
	}
	return fmt.Errorf("config: unknown outbound mode %q", p.Mode)
}

// IsAllowed checks if a hostname is allowed by the policy.
func (p OutboundPolicy) IsAllowed(hostname string) bool {
	hostname = strings.ToLower(hostname)
	switch p.Mode {
	case OutboundIsland:
		return false
	case OutboundAllowlist:
		for _, h := range p.Hosts {
			if strings.EqualFold(h, hostname) {
				return true
			}
		}
		return false
	case OutboundDenylist:
		for _, h := range p.Hosts {
			if strings.EqualFold(h, hostname) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// CheckURL reports an error when raw points at a host the policy blocks.
func (p OutboundPolicy) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme == "file" {
		return nil
	}
	if !p.IsAllowed(u.Hostname()) {
		return fmt.Errorf("outbound policy %q does not allow host %q", p.Mode, u.Hostname())
	}
	return nil
}
