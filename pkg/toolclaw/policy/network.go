// Package policy – network.go implements the network policy consulted
// by network-classified tools and by the sandbox when deciding whether
// to grant a network namespace.
package policy

import (
	"strings"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

// defaultBlockedPorts are service ports tools have no business
// reaching directly: remote shells, mail, SMB, and database servers.
var defaultBlockedPorts = []int{22, 23, 25, 110, 143, 445, 3306, 5432, 6379, 27017}

// NetworkPolicyConfig configures host and port restrictions.
type NetworkPolicyConfig struct {
	// AllowNetwork is the master switch. False blocks everything.
	AllowNetwork bool `yaml:"allow_network" json:"allow_network"`

	// AllowedHosts restricts reachable hosts when non-empty. Entries
	// may be exact hostnames or ".suffix" domain patterns.
	AllowedHosts []string `yaml:"allowed_hosts" json:"allowed_hosts"`

	// BlockedPorts extend the default blocked port set.
	BlockedPorts []int `yaml:"blocked_ports" json:"blocked_ports"`
}

// NetworkPolicy decides whether a host/port pair is reachable.
type NetworkPolicy struct {
	cfg     NetworkPolicyConfig
	blocked map[int]bool
}

// NewNetworkPolicy builds the policy with the default blocked ports
// merged in.
func NewNetworkPolicy(cfg NetworkPolicyConfig) *NetworkPolicy {
	blocked := make(map[int]bool, len(defaultBlockedPorts)+len(cfg.BlockedPorts))
	for _, p := range defaultBlockedPorts {
		blocked[p] = true
	}
	for _, p := range cfg.BlockedPorts {
		blocked[p] = true
	}
	return &NetworkPolicy{cfg: cfg, blocked: blocked}
}

// Enabled reports whether any network access is permitted.
func (n *NetworkPolicy) Enabled() bool { return n.cfg.AllowNetwork }

// AllowHost checks a host/port pair, returning a taxonomy error on
// refusal.
func (n *NetworkPolicy) AllowHost(host string, port int) error {
	if !n.cfg.AllowNetwork {
		return toolerr.New(toolerr.KindSandboxViolation, "network access is disabled")
	}
	if n.blocked[port] {
		return toolerr.New(toolerr.KindSandboxViolation,
			"port %d is blocked by network policy", port)
	}
	if len(n.cfg.AllowedHosts) == 0 {
		return nil
	}
	for _, allowed := range n.cfg.AllowedHosts {
		if host == allowed {
			return nil
		}
		if strings.HasPrefix(allowed, ".") && strings.HasSuffix(host, allowed) {
			return nil
		}
	}
	return toolerr.New(toolerr.KindSandboxViolation,
		"host %q is not in the network allowlist", host)
}
