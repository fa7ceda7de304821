// Package policy – checks.go implements the command-string validation
// checks: shell metacharacter detection and the dangerous-removal
// heuristic. Both are quote-aware so metacharacters inside string
// literals do not trigger.
package policy

import (
	"regexp"
	"strings"
)

// WarnSeverity grades a validation warning.
type WarnSeverity string

const (
	SeverityInfo     WarnSeverity = "info"
	SeverityWarning  WarnSeverity = "warning"
	SeverityCritical WarnSeverity = "critical"
)

// Warning is a non-blocking validation finding.
type Warning struct {
	Severity WarnSeverity
	Message  string
}

// criticalPaths are directories whose recursive removal is always
// blocked, no matter the configuration.
var criticalPaths = []string{
	"/", "/bin", "/boot", "/dev", "/etc", "/home", "/lib", "/lib64",
	"/opt", "/proc", "/root", "/run", "/sbin", "/srv", "/sys", "/usr",
	"/var",
	"~", "$HOME", "${HOME}",
}

var (
	rmRecursive = regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rR][a-zA-Z]*\s+|--recursive\s+)`)
	rmTarget    = regexp.MustCompile(`\brm\s+(?:-[a-zA-Z]+\s+)*([^\s|;&]+)`)
)

// CheckDangerousRemoval vets rm invocations. Removal of a critical
// path is denied outright. A recursive wildcard deletion is denied
// when its parent directory is the filesystem root or a critical path,
// and allowed with a warning when confined to one of the given write
// roots. Plain recursive removals pass with a warning.
func CheckDangerousRemoval(command string, writeRoots []string) Decision {
	caps := rmTarget.FindStringSubmatch(command)
	if caps == nil {
		return Allow()
	}
	target := caps[1]
	normalized := normalizeRemovalTarget(target)

	for _, critical := range criticalPaths {
		if removalTargets(normalized, critical) {
			return Deny("removal of critical path %q is blocked", target)
		}
	}

	recursive := rmRecursive.MatchString(command)
	var warnings []Warning

	if strings.ContainsAny(target, "*?") {
		scope := wildcardScope(normalized)
		if scope == "/" || isCriticalPath(scope) {
			return Deny("recursive removal with wildcard %q targets a system directory", target)
		}
		if recursive && !insideAnyRoot(scope, writeRoots) {
			return Deny("recursive removal with wildcard %q is outside every allowed write root", target)
		}
		warnings = append(warnings, Warning{
			Severity: SeverityWarning,
			Message:  "wildcard removal of " + target + " scoped to " + scope,
		})
	}

	if recursive && strings.Contains(target, "..") {
		warnings = append(warnings, Warning{
			Severity: SeverityCritical,
			Message:  "recursive removal with '..' traversal: " + target,
		})
	} else if recursive && len(warnings) == 0 {
		warnings = append(warnings, Warning{
			Severity: SeverityWarning,
			Message:  "recursive removal of " + target,
		})
	}

	return Decision{Allowed: true, Warnings: warnings}
}

// wildcardScope returns the deepest directory prefix of a wildcarded
// path that contains no metacharacter. "/tmp/proj/*.log" → "/tmp/proj",
// "/*" → "/".
func wildcardScope(target string) string {
	idx := strings.IndexAny(target, "*?")
	if idx < 0 {
		return target
	}
	prefix := target[:idx]
	slash := strings.LastIndex(prefix, "/")
	if slash <= 0 {
		if strings.HasPrefix(target, "/") {
			return "/"
		}
		return "." // relative wildcard, scoped to cwd
	}
	return prefix[:slash]
}

func isCriticalPath(path string) bool {
	for _, critical := range criticalPaths {
		if path == critical {
			return true
		}
	}
	return false
}

func insideAnyRoot(path string, roots []string) bool {
	if !strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "$") {
		// Relative wildcards stay inside the working directory, which
		// is always a write root.
		return true
	}
	for _, root := range roots {
		root = strings.TrimRight(root, "/")
		if root == "" {
			continue
		}
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}

func normalizeRemovalTarget(target string) string {
	t := target
	if strings.HasPrefix(t, "~") {
		t = "$HOME" + t[1:]
	}
	for len(t) > 1 && strings.HasSuffix(t, "/") {
		t = t[:len(t)-1]
	}
	return t
}

// removalTargets reports whether target names critical exactly, or is
// the critical path itself with a trailing wildcard ("/etc/*").
func removalTargets(target, critical string) bool {
	if target == critical {
		return true
	}
	if critical == "/" {
		// "/*" or "/ anything-at-top-level-with-wildcard" destroys the
		// root; handled by the wildcard scope check instead.
		return target == "/*"
	}
	if strings.HasPrefix(target, critical+"/*") {
		return true
	}
	if critical == "$HOME" || critical == "~" || critical == "${HOME}" {
		return strings.HasPrefix(target, "$HOME") || strings.HasPrefix(target, "${HOME}")
	}
	return false
}

// CheckMetacharacters flags shell metacharacters outside quotes:
// separators, lone pipes, background operators, and subshells. At
// strict strictness a subshell or background operator blocks; below
// that everything surfaces as warnings (the pattern denylist already
// blocks the dangerous combinations).
func CheckMetacharacters(command string, strictness Strictness) Decision {
	var warnings []Warning

	if hasUnquotedSubshell(command) {
		if strictness == StrictnessStrict {
			return Deny("subshell execution is not permitted")
		}
		warnings = append(warnings, Warning{SeverityCritical, "command contains a subshell"})
	}
	if hasUnquoted(command, '&', '&') {
		if strictness == StrictnessStrict {
			return Deny("backgrounding with '&' is not permitted")
		}
		warnings = append(warnings, Warning{SeverityWarning, "command backgrounds a process"})
	}
	if hasUnquoted(command, '|', '|') {
		warnings = append(warnings, Warning{SeverityInfo, "command uses a pipe"})
	}
	if hasUnquotedSeparator(command) {
		warnings = append(warnings, Warning{SeverityInfo, "command chains multiple statements"})
	}

	return Decision{Allowed: true, Warnings: warnings}
}

// hasUnquoted reports whether ch occurs outside quotes without being
// doubled (so '|' does not match '||', '&' does not match '&&').
func hasUnquoted(command string, ch, pair rune) bool {
	runes := []rune(command)
	inSingle, inDouble := false, false
	for i, c := range runes {
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case inSingle || inDouble:
		case c == ch:
			prevPair := i > 0 && runes[i-1] == pair
			nextPair := i+1 < len(runes) && runes[i+1] == pair
			if !prevPair && !nextPair {
				return true
			}
		}
	}
	return false
}

func hasUnquotedSeparator(command string) bool {
	runes := []rune(command)
	inSingle, inDouble := false, false
	for _, c := range runes {
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case inSingle || inDouble:
		case c == ';':
			return true
		}
	}
	return false
}

func hasUnquotedSubshell(command string) bool {
	runes := []rune(command)
	inSingle, inDouble := false, false
	for i, c := range runes {
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case inSingle || inDouble:
		case c == '(':
			if i > 0 && runes[i-1] == '$' {
				return true
			}
		case c == '`':
			return true
		}
	}
	return false
}
