// Package checkpoint snapshots the files a tool call is about to
// mutate and restores them on rollback. Snapshots live on disk under a
// per-checkpoint directory so restores survive process restarts.
//
// Guarantees:
//   - Files that do not exist at snapshot time are recorded as absent,
//     so restore deletes whatever the tool created.
//   - Restore is idempotent: applying it twice leaves the same bytes
//     as applying it once.
//   - Pruning keeps the newest N checkpoints and never discards one
//     whose tool call is still in flight.
package checkpoint

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Checkpoint describes one snapshot. Content bytes live next to the
// metadata in the checkpoint directory, keyed by FileSnapshot.Blob.
type Checkpoint struct {
	ID         string         `json:"id"`
	CreatedAt  time.Time      `json:"created_at"`
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Files      []FileSnapshot `json:"files"`

	// Committed marks the owning tool call as successfully finished,
	// making the checkpoint eligible for pruning.
	Committed bool `json:"committed"`
}

// ShortID returns the first 8 characters of the ID for log lines and
// CLI output.
func (c *Checkpoint) ShortID() string {
	if len(c.ID) <= 8 {
		return c.ID
	}
	return c.ID[:8]
}

// FileSnapshot records one file's state at snapshot time.
type FileSnapshot struct {
	// Path is the absolute path of the snapshotted file.
	Path string `json:"path"`

	// Absent means the file did not exist; restore removes it.
	Absent bool `json:"absent"`

	// Blob names the content file inside the checkpoint directory.
	Blob string `json:"blob,omitempty"`

	// Hash is the blake2b-256 of the content, for restore
	// verification.
	Hash string `json:"hash,omitempty"`

	// Mode preserves the file permissions.
	Mode uint32 `json:"mode,omitempty"`

	Size int64 `json:"size"`
}

// HashBytes returns the hex blake2b-256 digest used for snapshot
// verification.
func HashBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RestoreOptions control what a restore touches.
type RestoreOptions struct {
	// DryRun reports what would change without touching the disk.
	DryRun bool

	// Backup snapshots current contents before overwriting, so the
	// restore itself can be undone.
	Backup bool
}

// DefaultRestoreOptions back up before restoring.
func DefaultRestoreOptions() RestoreOptions {
	return RestoreOptions{Backup: true}
}

// RestoreResult summarizes a restore.
type RestoreResult struct {
	CheckpointID string   `json:"checkpoint_id"`
	Restored     []string `json:"restored"`
	Deleted      []string `json:"deleted"`
	Unchanged    []string `json:"unchanged"`

	// BackupID names the safety checkpoint taken before restoring,
	// when Backup was set.
	BackupID string `json:"backup_id,omitempty"`
}

// Count returns how many paths the restore touched.
func (r *RestoreResult) Count() int {
	return len(r.Restored) + len(r.Deleted)
}
