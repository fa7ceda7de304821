package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultTemplate is the commented starter config written by the CLI.
const defaultTemplate = `# toolclaw configuration
session: default

# Working directory for tool execution. Tools read and write inside it
# unless the path lists below widen access.
# work_dir: /path/to/project

# normal: dangerous operations need confirmation
# bypass: skip confirmation (command and path policy still apply)
# plan:   only read-only tools run
permission_mode: normal

sandbox:
  # disabled | permissive | enforcing
  mode: enforcing
  # minimal | standard | strict
  strictness: standard
  timeout: 120s
  max_output_bytes: 30000
  max_memory_mb: 512
  # default_allow: true runs any command not on the denylist; set to
  # false to require an explicit allowlist.
  default_allow: true
  allowed_commands: []
  blocked_commands: []
  allowed_read_paths: []
  allowed_write_paths: []
  allow_network: false

checkpoints:
  enabled: true
  keep_last: 20
  auto_rollback: true
  prune_schedule: "@every 10m"

execution:
  call_timeout: 2m
  max_restarts: 2
  max_parallel: 5
  cache_results: true

# hooks:
#   - name: lint-gate
#     event: pre_tool_use
#     matcher: write_file
#     command: ["/usr/local/bin/lint-gate.sh"]

audit:
  enabled: true

logging:
  level: info
  format: text
`

// WriteDefault writes the starter config, refusing to overwrite an
// existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
