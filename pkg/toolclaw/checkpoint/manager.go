// Package checkpoint – manager.go implements the checkpoint store:
// creation before mutating tool calls, restore on rollback, retention
// pruning, and short-ID lookup.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

// ManagerConfig configures the checkpoint manager.
type ManagerConfig struct {
	// Dir is where checkpoint directories live.
	Dir string `yaml:"dir"`

	// KeepLast bounds retained committed checkpoints. Defaults to 20.
	KeepLast int `yaml:"keep_last"`

	// PruneSchedule is an optional cron spec for background pruning,
	// e.g. "@hourly". Empty disables the schedule.
	PruneSchedule string `yaml:"prune_schedule"`

	// MaxFileBytes refuses to snapshot files larger than this.
	// Defaults to 10MB; oversized files fail the checkpoint rather
	// than silently skipping, since a partial snapshot cannot roll
	// back.
	MaxFileBytes int64 `yaml:"max_file_bytes"`
}

// DefaultManagerConfig returns the stock tuning.
func DefaultManagerConfig(dir string) ManagerConfig {
	return ManagerConfig{
		Dir:          dir,
		KeepLast:     20,
		MaxFileBytes: 10 * 1024 * 1024,
	}
}

// checkpointTools maps tool names to whether they need a checkpoint.
// Read-type tools never do; anything that can touch the filesystem
// does.
var checkpointTools = map[string]bool{
	"write_file": true,
	"edit_file":  true,
	"multi_edit": true,
	"bash":       true,
	"exec":       true,
	"read_file":  false,
	"list_files": false,
	"search":     false,
	"grep":       false,
	"glob":       false,
	"web_search": false,
	"web_fetch":  false,
}

// Manager owns the checkpoint store. All exported methods are safe for
// concurrent use; the manager's lock is never held while calling into
// another component.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu        sync.Mutex
	index     map[string]*Checkpoint
	inFlight  map[string]bool // IDs whose tool call is still running
	cron      *cron.Cron
	cronEntry cron.EntryID
}

// NewManager loads any existing checkpoints from cfg.Dir.
func NewManager(cfg ManagerConfig, logger *slog.Logger) (*Manager, error) {
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = 20
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 10 * 1024 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "checkpoint"),
		index:    make(map[string]*Checkpoint),
		inFlight: make(map[string]bool),
	}
	if err := m.loadIndex(); err != nil {
		return nil, err
	}

	if cfg.PruneSchedule != "" {
		m.cron = cron.New()
		entry, err := m.cron.AddFunc(cfg.PruneSchedule, func() {
			if n, err := m.Prune(m.cfg.KeepLast); err != nil {
				m.logger.Warn("scheduled prune failed", "error", err)
			} else if n > 0 {
				m.logger.Info("scheduled prune", "removed", n)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("invalid prune schedule %q: %w", cfg.PruneSchedule, err)
		}
		m.cronEntry = entry
		m.cron.Start()
	}
	return m, nil
}

// Close stops the background prune schedule.
func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	return nil
}

// ShouldCheckpointForTool reports whether a tool's calls need a
// pre-execution checkpoint. Unknown tools default to true: missing a
// needed snapshot is worse than taking a redundant one.
func (m *Manager) ShouldCheckpointForTool(name string) bool {
	if need, ok := checkpointTools[name]; ok {
		return need
	}
	return true
}

// Create snapshots the given files for a tool call. Missing files are
// recorded as absent. Any snapshot failure fails the whole checkpoint;
// a partial snapshot is worse than none because it restores a state
// that never existed.
func (m *Manager) Create(ctx context.Context, toolCallID, toolName string, files []string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, toolerr.Wrap(toolerr.KindCancelled, err)
	}

	cp := &Checkpoint{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		ToolCallID: toolCallID,
		ToolName:   toolName,
	}
	dir := m.dir(cp.ID)
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, toolerr.Wrap(toolerr.KindCheckpointFailure, err)
	}

	for i, path := range files {
		snap, err := m.snapshotFile(dir, i, path)
		if err != nil {
			os.RemoveAll(dir)
			return nil, toolerr.Wrap(toolerr.KindCheckpointFailure,
				fmt.Errorf("snapshotting %s: %w", path, err))
		}
		cp.Files = append(cp.Files, snap)
	}

	if err := m.writeMeta(cp); err != nil {
		os.RemoveAll(dir)
		return nil, toolerr.Wrap(toolerr.KindCheckpointFailure, err)
	}

	m.mu.Lock()
	m.index[cp.ID] = cp
	m.inFlight[cp.ID] = true
	m.mu.Unlock()

	m.logger.Debug("checkpoint created",
		"checkpoint", cp.ShortID(), "tool", toolName, "files", len(cp.Files))
	return cp, nil
}

func (m *Manager) snapshotFile(dir string, n int, path string) (FileSnapshot, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return FileSnapshot{}, err
	}
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return FileSnapshot{Path: abs, Absent: true}, nil
	}
	if err != nil {
		return FileSnapshot{}, err
	}
	if info.IsDir() {
		return FileSnapshot{}, fmt.Errorf("is a directory")
	}
	if info.Size() > m.cfg.MaxFileBytes {
		return FileSnapshot{}, fmt.Errorf("file exceeds snapshot limit (%d bytes)", info.Size())
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return FileSnapshot{}, err
	}
	blob := fmt.Sprintf("%04d", n)
	if err := os.WriteFile(filepath.Join(dir, "blobs", blob), data, 0o600); err != nil {
		return FileSnapshot{}, err
	}
	return FileSnapshot{
		Path: abs,
		Blob: blob,
		Hash: HashBytes(data),
		Mode: uint32(info.Mode().Perm()),
		Size: info.Size(),
	}, nil
}

// Restore puts every snapshotted file back to its checkpointed state.
// Present files are rewritten, absent ones deleted. Idempotent.
func (m *Manager) Restore(ctx context.Context, id string, opts RestoreOptions) (*RestoreResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, toolerr.Wrap(toolerr.KindCancelled, err)
	}

	cp, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{CheckpointID: cp.ID}

	if opts.Backup && !opts.DryRun {
		paths := make([]string, 0, len(cp.Files))
		for _, f := range cp.Files {
			paths = append(paths, f.Path)
		}
		backup, err := m.Create(ctx, "restore-backup", "restore", paths)
		if err != nil {
			return nil, err
		}
		// The backup is not tied to a running call.
		m.MarkCommitted(backup.ID)
		result.BackupID = backup.ID
	}

	for _, f := range cp.Files {
		if err := ctx.Err(); err != nil {
			return nil, toolerr.Wrap(toolerr.KindCancelled, err)
		}
		switch {
		case f.Absent:
			if _, err := os.Stat(f.Path); os.IsNotExist(err) {
				result.Unchanged = append(result.Unchanged, f.Path)
				continue
			}
			if !opts.DryRun {
				if err := os.Remove(f.Path); err != nil {
					return nil, toolerr.Wrap(toolerr.KindCheckpointFailure,
						fmt.Errorf("deleting %s: %w", f.Path, err))
				}
			}
			result.Deleted = append(result.Deleted, f.Path)

		default:
			data, err := os.ReadFile(filepath.Join(m.dir(cp.ID), "blobs", f.Blob))
			if err != nil {
				return nil, toolerr.Wrap(toolerr.KindCheckpointFailure,
					fmt.Errorf("reading blob for %s: %w", f.Path, err))
			}
			if got := HashBytes(data); got != f.Hash {
				return nil, toolerr.New(toolerr.KindCheckpointFailure,
					"blob for %s is corrupt (hash mismatch)", f.Path)
			}
			if current, err := os.ReadFile(f.Path); err == nil && HashBytes(current) == f.Hash {
				result.Unchanged = append(result.Unchanged, f.Path)
				continue
			}
			if !opts.DryRun {
				mode := fs.FileMode(f.Mode)
				if mode == 0 {
					mode = 0o644
				}
				if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
					return nil, toolerr.Wrap(toolerr.KindCheckpointFailure, err)
				}
				if err := os.WriteFile(f.Path, data, mode); err != nil {
					return nil, toolerr.Wrap(toolerr.KindCheckpointFailure,
						fmt.Errorf("restoring %s: %w", f.Path, err))
				}
			}
			result.Restored = append(result.Restored, f.Path)
		}
	}

	m.logger.Info("checkpoint restored",
		"checkpoint", cp.ShortID(), "restored", len(result.Restored),
		"deleted", len(result.Deleted), "dry_run", opts.DryRun)
	return result, nil
}

// Get returns a checkpoint by exact ID.
func (m *Manager) Get(id string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.index[id]
	if !ok {
		return nil, toolerr.New(toolerr.KindCheckpointFailure, "checkpoint %s not found", id)
	}
	return cp, nil
}

// FindByPrefix resolves a short ID. Ambiguous prefixes are an error.
func (m *Manager) FindByPrefix(prefix string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *Checkpoint
	for id, cp := range m.index {
		if strings.HasPrefix(id, prefix) {
			if found != nil {
				return nil, toolerr.New(toolerr.KindCheckpointFailure,
					"checkpoint prefix %q is ambiguous", prefix)
			}
			found = cp
		}
	}
	if found == nil {
		return nil, toolerr.New(toolerr.KindCheckpointFailure,
			"no checkpoint matches prefix %q", prefix)
	}
	return found, nil
}

// List returns all checkpoints, newest first.
func (m *Manager) List() []*Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Checkpoint, 0, len(m.index))
	for _, cp := range m.index {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// MarkCommitted records that the owning tool call finished, making the
// checkpoint eligible for pruning.
func (m *Manager) MarkCommitted(id string) {
	m.mu.Lock()
	cp, ok := m.index[id]
	if ok {
		cp.Committed = true
		delete(m.inFlight, id)
	}
	m.mu.Unlock()
	if ok {
		if err := m.writeMeta(cp); err != nil {
			m.logger.Warn("persisting commit mark failed",
				"checkpoint", cp.ShortID(), "error", err)
		}
	}
}

// Prune removes the oldest checkpoints beyond keepLast. In-flight
// checkpoints are never removed, whatever their age.
func (m *Manager) Prune(keepLast int) (int, error) {
	m.mu.Lock()
	all := make([]*Checkpoint, 0, len(m.index))
	for _, cp := range m.index {
		all = append(all, cp)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	var victims []*Checkpoint
	kept := 0
	for _, cp := range all {
		if m.inFlight[cp.ID] {
			continue
		}
		if kept < keepLast {
			kept++
			continue
		}
		victims = append(victims, cp)
	}
	for _, cp := range victims {
		delete(m.index, cp.ID)
	}
	m.mu.Unlock()

	removed := 0
	for _, cp := range victims {
		if err := os.RemoveAll(m.dir(cp.ID)); err != nil {
			return removed, fmt.Errorf("removing checkpoint %s: %w", cp.ShortID(), err)
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) dir(id string) string {
	return filepath.Join(m.cfg.Dir, id)
}

func (m *Manager) writeMeta(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.dir(cp.ID), "meta.json"), data, 0o600)
}

func (m *Manager) loadIndex() error {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.cfg.Dir, e.Name(), "meta.json"))
		if err != nil {
			m.logger.Warn("skipping unreadable checkpoint", "dir", e.Name(), "error", err)
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			m.logger.Warn("skipping corrupt checkpoint", "dir", e.Name(), "error", err)
			continue
		}
		m.index[cp.ID] = &cp
	}
	return nil
}
