// Package policy – path.go implements the filesystem path validator.
// Paths are canonicalized (symlinks resolved) and bounds-checked
// against allowed read/write roots in one step, so a symlink swapped
// in between an existence check and the access cannot escape the
// sandbox.
package policy

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

// AccessKind distinguishes read from write access requests.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
)

func (a AccessKind) String() string {
	if a == AccessWrite {
		return "write"
	}
	return "read"
}

// deniedRoots are always refused, even when nominally inside an
// allowed root. Covers credentials, system state, and package manager
// internals.
var deniedRoots = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/sudoers",
	"/root",
	"/var/log",
	"/var/lib/dpkg",
	"/var/lib/rpm",
	"/usr/lib",
	"/proc",
	"/sys",
	"/dev",
	"/boot",
}

// PathValidatorConfig configures the path validator.
type PathValidatorConfig struct {
	// AllowedReadPaths are roots readable by tools. A "/" entry allows
	// all reads.
	AllowedReadPaths []string `yaml:"allowed_read_paths" json:"allowed_read_paths"`

	// AllowedWritePaths are roots writable by tools.
	AllowedWritePaths []string `yaml:"allowed_write_paths" json:"allowed_write_paths"`

	// DeniedPaths extend the built-in denied roots.
	DeniedPaths []string `yaml:"denied_paths" json:"denied_paths"`

	// WorkDir is implicitly allowed for both read and write.
	WorkDir string `yaml:"work_dir" json:"work_dir"`
}

// PathValidator bounds-checks filesystem paths. Immutable after
// construction, safe for concurrent use.
type PathValidator struct {
	readRoots    []string
	writeRoots   []string
	denied       []string
	allowAllRead bool
}

// NewPathValidator canonicalizes the configured roots and builds the
// validator. Roots that do not exist yet are kept verbatim.
func NewPathValidator(cfg PathValidatorConfig) *PathValidator {
	v := &PathValidator{
		denied: append(append([]string{}, deniedRoots...), cfg.DeniedPaths...),
	}
	read := cfg.AllowedReadPaths
	write := cfg.AllowedWritePaths
	if cfg.WorkDir != "" {
		read = append(append([]string{}, read...), cfg.WorkDir)
		write = append(append([]string{}, write...), cfg.WorkDir)
	}
	for _, p := range read {
		if p == "/" {
			v.allowAllRead = true
			continue
		}
		v.readRoots = append(v.readRoots, canonicalizeRoot(p))
	}
	for _, p := range write {
		v.writeRoots = append(v.writeRoots, canonicalizeRoot(p))
	}
	return v
}

// WriteRoots returns the canonical allowed write roots. The command
// policy uses them to scope the wildcard-removal heuristic.
func (v *PathValidator) WriteRoots() []string {
	return append([]string{}, v.writeRoots...)
}

// IsSafe reports whether path may be accessed with the given kind.
func (v *PathValidator) IsSafe(path string, access AccessKind) bool {
	return v.Check(path, access) == nil
}

// Check validates path for the given access kind, returning an
// actionable taxonomy error naming the path on refusal.
func (v *PathValidator) Check(path string, access AccessKind) error {
	canonical, err := Canonicalize(path)
	if err != nil {
		return toolerr.New(toolerr.KindSandboxViolation,
			"cannot resolve path: %v", err).WithPath(path)
	}

	for _, d := range v.denied {
		if canonical == d || strings.HasPrefix(canonical, d+string(os.PathSeparator)) {
			return toolerr.New(toolerr.KindSandboxViolation,
				"path is under protected directory %s", d).WithPath(path)
		}
	}

	roots := v.writeRoots
	if access == AccessRead {
		if v.allowAllRead {
			return nil
		}
		roots = v.readRoots
	}
	for _, root := range roots {
		if canonical == root || strings.HasPrefix(canonical, root+string(os.PathSeparator)) {
			return nil
		}
	}
	return toolerr.New(toolerr.KindSandboxViolation,
		"path resolves outside every allowed %s root", access).WithPath(path)
}

// Canonicalize resolves a path to its canonical absolute form,
// following symlinks. For paths that do not exist yet, the deepest
// existing ancestor is resolved and the remaining suffix re-joined, so
// a pending file still canonicalizes through any symlinked parent.
// Resolution and validation happen against the same canonical string;
// there is no separate existence probe for a racing symlink swap to
// exploit.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	// Walk up to the deepest existing ancestor.
	dir := abs
	var suffix []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		suffix = append([]string{filepath.Base(dir)}, suffix...)
		dir = parent
		if resolved, err = filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, suffix...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
	}
	return abs, nil
}

func canonicalizeRoot(p string) string {
	c, err := Canonicalize(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return c
}
