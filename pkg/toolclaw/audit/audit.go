// Package audit persists an append-only trail of what the engine
// decided and what happened: policy decisions, permission verdicts,
// execution outcomes, rollbacks. The log is SQLite so the CLI can
// query it after the fact.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// EventType tags one audit record.
type EventType string

const (
	EventPolicyDecision    EventType = "policy_decision"
	EventPermissionVerdict EventType = "permission_verdict"
	EventExecution         EventType = "execution"
	EventRollback          EventType = "rollback"
)

// Record is one audit entry. Arguments are stored sanitized and
// truncated; the audit log is not a place for secrets or megabytes of
// tool output.
type Record struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	CallID    string    `json:"call_id"`
	Type      EventType `json:"type"`
	Tool      string    `json:"tool"`
	Args      string    `json:"args,omitempty"`

	// Allowed reports the decision for policy and permission events,
	// and success for execution events.
	Allowed bool `json:"allowed"`

	// Detail carries the denial reason, error kind, or outcome note.
	Detail string `json:"detail,omitempty"`
}

// maxArgBytes bounds the stored argument snapshot per record.
const maxArgBytes = 2048

// sensitiveArgKeys are argument names whose values are redacted.
var sensitiveArgKeys = map[string]bool{
	"password": true, "token": true, "secret": true, "api_key": true,
	"apikey": true, "authorization": true, "credentials": true,
}

// Log is the append-only audit store.
type Log struct {
	db     *sql.DB
	logger *slog.Logger

	mu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  DATETIME NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	call_id    TEXT NOT NULL DEFAULT '',
	type       TEXT NOT NULL,
	tool       TEXT NOT NULL DEFAULT '',
	args       TEXT NOT NULL DEFAULT '',
	allowed    INTEGER NOT NULL DEFAULT 0,
	detail     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(timestamp);
`

// Open creates or opens the audit database at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}
	return &Log{db: db, logger: logger.With("component", "audit")}, nil
}

// Close releases the database handle.
func (l *Log) Close() error { return l.db.Close() }

// Append writes one record. A failed append is logged, never fatal:
// auditing must not take the engine down.
func (l *Log) Append(ctx context.Context, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, session_id, call_id, type, tool, args, allowed, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.SessionID, rec.CallID, string(rec.Type),
		rec.Tool, rec.Args, rec.Allowed, rec.Detail)
	if err != nil {
		l.logger.Error("audit append failed", "type", string(rec.Type), "error", err)
	}
}

// QueryOptions filter Recent.
type QueryOptions struct {
	SessionID string
	Tool      string
	Type      EventType
	Limit     int
}

// Recent returns the newest matching records, newest first.
func (l *Log) Recent(ctx context.Context, opts QueryOptions) ([]Record, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, timestamp, session_id, call_id, type, tool, args, allowed, detail
		FROM audit_log WHERE 1=1`
	var params []any
	if opts.SessionID != "" {
		query += " AND session_id = ?"
		params = append(params, opts.SessionID)
	}
	if opts.Tool != "" {
		query += " AND tool = ?"
		params = append(params, opts.Tool)
	}
	if opts.Type != "" {
		query += " AND type = ?"
		params = append(params, string(opts.Type))
	}
	query += " ORDER BY id DESC LIMIT ?"
	params = append(params, limit)

	rows, err := l.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var typ string
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.SessionID, &rec.CallID,
			&typ, &rec.Tool, &rec.Args, &rec.Allowed, &rec.Detail); err != nil {
			return nil, err
		}
		rec.Type = EventType(typ)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SanitizeArgs renders tool arguments for storage: secret-looking keys
// redacted, the whole snapshot capped at maxArgBytes.
func SanitizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	clean := make(map[string]any, len(args))
	for k, v := range args {
		if sensitiveArgKeys[k] {
			clean[k] = "[redacted]"
			continue
		}
		clean[k] = v
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return fmt.Sprintf("unserializable args (%d keys)", len(args))
	}
	if len(data) > maxArgBytes {
		return string(data[:maxArgBytes]) + "... (truncated)"
	}
	return string(data)
}
