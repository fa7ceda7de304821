// Package policy implements the command and path validation layer of
// the execution engine. Every shell command and every filesystem path a
// tool wants to touch passes through here before any process is
// spawned.
//
// Validation features:
//   - Denylist matching for chaining, substitution, privilege
//     escalation, and destructive patterns (deny always wins)
//   - Quote-aware command-chain splitting so each segment is checked
//   - Allowlist on the base command, with an explicit default-allow or
//     default-deny stance
//   - Shell metacharacter and dangerous-removal checks with
//     strictness-dependent severity
//   - Read-only command classification and risk scoring
package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

// Strictness selects how aggressively validation warnings escalate.
type Strictness string

const (
	// StrictnessMinimal only blocks on hard denylist matches.
	StrictnessMinimal Strictness = "minimal"

	// StrictnessStandard blocks denylist matches and critical
	// validation warnings.
	StrictnessStandard Strictness = "standard"

	// StrictnessStrict additionally forces default-deny when no
	// allowlist is configured and escalates warnings to blocks.
	StrictnessStrict Strictness = "strict"
)

// Decision is the outcome of a command policy check.
type Decision struct {
	Allowed bool
	// Reason names the offending pattern or command when denied. Never
	// a generic message.
	Reason string
	// Warnings carry non-blocking findings for the audit trail.
	Warnings []Warning
}

// Allow returns an allowing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a denying decision with a concrete reason.
func Deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Err converts a denial into a taxonomy error, nil when allowed.
func (d Decision) Err(command string) error {
	if d.Allowed {
		return nil
	}
	return toolerr.New(toolerr.KindPermissionDenied, "%s", d.Reason).WithCommand(command)
}

// CommandPolicyConfig configures the command validator.
type CommandPolicyConfig struct {
	// AllowedCommands restricts the base command (first token) to this
	// set when non-empty.
	AllowedCommands []string `yaml:"allowed_commands" json:"allowed_commands"`

	// BlockedCommands are base commands denied outright, on top of the
	// pattern denylist.
	BlockedCommands []string `yaml:"blocked_commands" json:"blocked_commands"`

	// DefaultAllow controls what happens when AllowedCommands is empty:
	// true permits everything except denylist matches, false denies
	// everything not explicitly allowed. Strict strictness forces
	// false regardless of this setting.
	DefaultAllow bool `yaml:"default_allow" json:"default_allow"`

	// ExtraDenyPatterns are additional regexes added on top of the
	// built-in denylist (never replacing it).
	ExtraDenyPatterns []string `yaml:"extra_deny_patterns" json:"extra_deny_patterns"`

	// Strictness escalates warning handling. Defaults to standard.
	Strictness Strictness `yaml:"strictness" json:"strictness"`

	// AllowedWriteRoots scope the wildcard-removal heuristic: a
	// recursive wildcard deletion confined to one of these roots is
	// permitted with a warning instead of denied.
	AllowedWriteRoots []string `yaml:"-" json:"-"`
}

// DefaultCommandPolicyConfig returns the stock configuration:
// allow-with-denylist at standard strictness.
func DefaultCommandPolicyConfig() CommandPolicyConfig {
	return CommandPolicyConfig{
		DefaultAllow: true,
		Strictness:   StrictnessStandard,
	}
}

// denyPatterns is the built-in denylist. Matching any of these denies
// the command regardless of the allowlist.
var denyPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`;\s*(rm|sudo|dd|mkfs)\b`), "command chaining into a destructive command"},
	{regexp.MustCompile(`\$\(`), "command substitution"},
	{regexp.MustCompile("`"), "backtick command substitution"},
	{regexp.MustCompile(`\|\s*(sh|bash|zsh|rm|sudo)\b`), "piping into a shell or destructive command"},
	{regexp.MustCompile(`>\s*/etc/`), "redirection into /etc"},
	{regexp.MustCompile(`>\s*/dev/`), "redirection into /dev"},
	{regexp.MustCompile(`\bsudo\b|\bsu\s`), "privilege escalation"},
	{regexp.MustCompile(`:\(\)\{\s*:\|:&\s*\};:`), "fork bomb"},
	{regexp.MustCompile(`\bmkfs\b`), "filesystem creation"},
	{regexp.MustCompile(`\bdd\s+.*of=/dev/`), "raw device write"},
	{regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)?777\s+/\S*`), "world-writable permissions on a system path"},
}

// readOnlyCommands are base commands with no side effects. They skip
// confirmation prompts and qualify for result caching.
var readOnlyCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "grep": true,
	"rg": true, "find": true, "wc": true, "file": true, "stat": true,
	"pwd": true, "whoami": true, "date": true, "env": true, "which": true,
	"du": true, "df": true, "ps": true, "echo": true, "diff": true,
}

// readOnlyPrefixes cover multi-word read-only invocations.
var readOnlyPrefixes = []string{
	"git status", "git log", "git diff", "git show", "git branch",
	"go env", "go version", "npm ls",
}

// CommandPolicy validates shell command strings against the denylist
// and allowlist. Safe for concurrent use; all state is immutable after
// construction.
type CommandPolicy struct {
	cfg       CommandPolicyConfig
	allowed   map[string]bool
	blocked   map[string]bool
	extraDeny []*regexp.Regexp
	defaultOK bool
}

// NewCommandPolicy compiles the configuration into a validator.
func NewCommandPolicy(cfg CommandPolicyConfig) (*CommandPolicy, error) {
	if cfg.Strictness == "" {
		cfg.Strictness = StrictnessStandard
	}
	p := &CommandPolicy{
		cfg:     cfg,
		allowed: make(map[string]bool, len(cfg.AllowedCommands)),
		blocked: make(map[string]bool, len(cfg.BlockedCommands)),
	}
	for _, c := range cfg.AllowedCommands {
		p.allowed[c] = true
	}
	for _, c := range cfg.BlockedCommands {
		p.blocked[c] = true
	}
	for _, pat := range cfg.ExtraDenyPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compiling deny pattern %q: %w", pat, err)
		}
		p.extraDeny = append(p.extraDeny, re)
	}
	// Strict mode always defaults to deny when no allowlist exists.
	p.defaultOK = cfg.DefaultAllow && cfg.Strictness != StrictnessStrict
	return p, nil
}

// Validate checks a full command line. Deny always wins over allow:
// the pattern denylist is consulted first, then each chain segment's
// base command is checked against the block and allow lists.
func (p *CommandPolicy) Validate(command string) Decision {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Deny("empty command")
	}

	for _, dp := range denyPatterns {
		if dp.re.MatchString(trimmed) {
			return Deny("blocked pattern: %s", dp.reason)
		}
	}
	for _, re := range p.extraDeny {
		if re.MatchString(trimmed) {
			return Deny("blocked by configured pattern %q", re.String())
		}
	}

	removal := CheckDangerousRemoval(trimmed, p.cfg.AllowedWriteRoots)
	if !removal.Allowed {
		return removal
	}

	meta := CheckMetacharacters(trimmed, p.cfg.Strictness)
	if !meta.Allowed {
		return meta
	}

	var warnings []Warning
	warnings = append(warnings, removal.Warnings...)
	warnings = append(warnings, meta.Warnings...)

	// Each segment of a chained command is validated on its own so
	// "ls && rm -rf x" cannot hide behind a harmless first segment.
	for _, segment := range SplitCommandChain(trimmed) {
		base := BaseCommand(segment)
		if base == "" {
			continue
		}
		if p.blocked[base] {
			return Deny("command %q is blocked by policy", base)
		}
		if len(p.allowed) > 0 {
			if !p.allowed[base] {
				return Deny("command %q is not in the allowlist", base)
			}
			continue
		}
		if !p.defaultOK {
			return Deny("command %q denied: no allowlist configured and default-deny is in effect", base)
		}
	}

	return Decision{Allowed: true, Warnings: warnings}
}

// BaseCommand extracts the base command from a command segment: the
// basename of the first token, with env var assignments skipped.
func BaseCommand(segment string) string {
	for _, tok := range strings.Fields(segment) {
		if strings.Contains(tok, "=") && !strings.HasPrefix(tok, "/") {
			continue // FOO=bar prefix assignment
		}
		return filepath.Base(tok)
	}
	return ""
}

// SplitCommandChain splits a command line on &&, ||, and ; while
// respecting single and double quotes.
func SplitCommandChain(command string) []string {
	var parts []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	runes := []rune(command)

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			parts = append(parts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			cur.WriteRune(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			cur.WriteRune(c)
		case inSingle || inDouble:
			cur.WriteRune(c)
		case c == ';':
			flush()
		case c == '&' && i+1 < len(runes) && runes[i+1] == '&':
			flush()
			i++
		case c == '|' && i+1 < len(runes) && runes[i+1] == '|':
			flush()
			i++
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return parts
}

// IsReadOnly reports whether every segment of the command is a known
// read-only operation.
func IsReadOnly(command string) bool {
	segments := SplitCommandChain(command)
	if len(segments) == 0 {
		return false
	}
	for _, seg := range segments {
		if isReadOnlySegment(seg) {
			continue
		}
		return false
	}
	return true
}

func isReadOnlySegment(segment string) bool {
	seg := strings.TrimSpace(segment)
	for _, prefix := range readOnlyPrefixes {
		if seg == prefix || strings.HasPrefix(seg, prefix+" ") {
			return true
		}
	}
	return readOnlyCommands[BaseCommand(seg)]
}

// RiskLevel grades how dangerous an operation is. The permission gate
// uses it to decide whether confirmation is needed.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	}
	return "unknown"
}

// RequiresConfirmation reports whether this risk level needs an
// explicit user decision in normal permission mode.
func (r RiskLevel) RequiresConfirmation() bool { return r >= RiskHigh }

var highRiskCommands = map[string]bool{
	"rm": true, "mv": true, "chmod": true, "chown": true, "kill": true,
	"pkill": true, "truncate": true, "shred": true,
}

var criticalRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*[rR]`),
	regexp.MustCompile(`\bgit\s+push\s+.*--force`),
	regexp.MustCompile(`\bgit\s+reset\s+--hard`),
	regexp.MustCompile(`\bDROP\s+(TABLE|DATABASE)\b`),
}

// CommandRisk scores a command line for the permission gate.
func CommandRisk(command string) RiskLevel {
	if IsReadOnly(command) {
		return RiskLow
	}
	for _, re := range criticalRiskPatterns {
		if re.MatchString(command) {
			return RiskCritical
		}
	}
	for _, seg := range SplitCommandChain(command) {
		if highRiskCommands[BaseCommand(seg)] {
			return RiskHigh
		}
	}
	return RiskMedium
}
