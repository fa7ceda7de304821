// Package sandbox – env.go implements environment variable filtering.
// Tool processes inherit only a vetted environment: injection vectors
// are stripped, and when an allowlist is configured everything outside
// it is dropped too.
package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// defaultBlockedEnv returns variables always stripped from tool
// execution; each one can redirect what a child process loads or runs.
func defaultBlockedEnv() []string {
	return []string{
		// Node.js injection vectors
		"NODE_OPTIONS",
		"NODE_PATH",
		// Python injection vectors
		"PYTHONHOME",
		"PYTHONPATH",
		"PYTHONSTARTUP",
		// Ruby/Perl injection vectors
		"RUBYOPT",
		"PERL5LIB",
		"PERL5OPT",
		// Dynamic linker injection
		"LD_PRELOAD",
		"LD_LIBRARY_PATH",
		"DYLD_INSERT_LIBRARIES",
		"DYLD_LIBRARY_PATH",
		// Shell injection
		"BASH_ENV",
		"ENV",
		"CDPATH",
		// PATH override enables trusted-binary shadowing
		"PATH",
		// Proxy overrides bypass the network policy
		"HTTP_PROXY",
		"HTTPS_PROXY",
		"ALL_PROXY",
	}
}

// blockedEnvPrefixes catch families of dangerous vars.
var blockedEnvPrefixes = []string{
	"LD_",
	"DYLD_",
}

// defaultAllowedEnv is the passthrough list used when no allowlist is
// configured.
var defaultAllowedEnv = []string{
	"HOME", "USER", "LANG", "LC_ALL", "TERM", "TZ", "SHELL",
}

// EnvFilter vets environment variables per the sandbox config.
type EnvFilter struct {
	blocked map[string]bool
	allowed map[string]bool
}

// NewEnvFilter builds a filter from cfg.
func NewEnvFilter(cfg Config) *EnvFilter {
	f := &EnvFilter{
		blocked: make(map[string]bool),
		allowed: make(map[string]bool),
	}
	blocked := cfg.BlockedEnv
	if len(blocked) == 0 {
		blocked = defaultBlockedEnv()
	}
	for _, k := range blocked {
		f.blocked[strings.ToUpper(k)] = true
	}
	allowed := cfg.AllowedEnv
	if len(allowed) == 0 {
		allowed = defaultAllowedEnv
	}
	for _, k := range allowed {
		f.allowed[strings.ToUpper(k)] = true
	}
	return f
}

// Permit reports whether one variable survives filtering. Blocked
// names and prefixes win over the allowlist.
func (f *EnvFilter) Permit(name string) bool {
	upper := strings.ToUpper(name)
	if f.blocked[upper] {
		return false
	}
	for _, prefix := range blockedEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return false
		}
	}
	return f.allowed[upper]
}

// Filter returns the vetted subset of vars.
func (f *EnvFilter) Filter(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		if f.Permit(k) {
			out[k] = v
		}
	}
	return out
}

// BaseEnv is the fixed minimal environment handed to every sandboxed
// process, with req-specific vetted vars appended in sorted order.
func (f *EnvFilter) BaseEnv(extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
		"TERM=xterm",
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if f.Permit(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return env
}
