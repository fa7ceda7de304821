// Package config loads the engine configuration from YAML with .env
// overlays and environment variable expansion.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/checkpoint"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/hooks"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/policy"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/sandbox"
)

// Config is the full engine configuration. Loaded once at startup and
// treated as immutable afterwards.
type Config struct {
	// Session names the session for trust caching and audit records.
	Session string `yaml:"session"`

	// WorkDir is the working directory tools execute in. Defaults to
	// the current directory.
	WorkDir string `yaml:"work_dir"`

	// PermissionMode is normal, bypass, or plan.
	PermissionMode string `yaml:"permission_mode"`

	Sandbox sandbox.Config             `yaml:"sandbox"`
	Paths   policy.PathValidatorConfig `yaml:"paths"`
	Network policy.NetworkPolicyConfig `yaml:"network"`

	Checkpoints CheckpointConfig     `yaml:"checkpoints"`
	Execution   ExecutionConfig      `yaml:"execution"`
	Hooks       []hooks.ExternalHook `yaml:"hooks"`
	Audit       AuditConfig          `yaml:"audit"`
	Logging     LoggingConfig        `yaml:"logging"`
}

// CheckpointConfig controls pre-call snapshots.
type CheckpointConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir is where checkpoints are stored. Defaults to
	// <workdir>/.toolclaw/checkpoints.
	Dir string `yaml:"dir"`

	// KeepLast bounds retention; older committed checkpoints are
	// pruned.
	KeepLast int `yaml:"keep_last"`

	// AutoRollback restores the snapshot when a file-affecting call
	// fails.
	AutoRollback bool `yaml:"auto_rollback"`

	// PruneSchedule is a cron expression for background pruning.
	// Empty disables scheduled pruning.
	PruneSchedule string `yaml:"prune_schedule"`
}

// ExecutionConfig tunes the supervised execution phase.
type ExecutionConfig struct {
	// CallTimeout bounds one supervised attempt.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MaxRestarts bounds transient-failure retries per call.
	MaxRestarts int `yaml:"max_restarts"`

	// MaxParallel is the batch fan-out limit.
	MaxParallel int `yaml:"max_parallel"`

	// CacheResults enables the read-only result cache.
	CacheResults bool `yaml:"cache_results"`
}

// AuditConfig controls the SQLite audit trail.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the database file. Defaults to
	// <workdir>/.toolclaw/audit.db.
	Path string `yaml:"path"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	wd, _ := os.Getwd()
	return &Config{
		Session:        "default",
		WorkDir:        wd,
		PermissionMode: "normal",
		Sandbox:        sandbox.DefaultConfig(),
		Network:        policy.NetworkPolicyConfig{AllowNetwork: true},
		Checkpoints: CheckpointConfig{
			Enabled:       true,
			KeepLast:      20,
			AutoRollback:  true,
			PruneSchedule: "@every 10m",
		},
		Execution: ExecutionConfig{
			CallTimeout:  2 * time.Minute,
			MaxRestarts:  2,
			MaxParallel:  5,
			CacheResults: true,
		},
		Audit:   AuditConfig{Enabled: true},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?error}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// Load reads a config file, overlaying it on the defaults. Before
// parsing, .env files are loaded and ${VAR} references expanded. An
// empty path falls back to the first file Find locates, or plain
// defaults when there is none.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		path = Find()
	}
	cfg := Default()
	if path == "" {
		cfg.applyDerivedDefaults()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	cfg.applyDerivedDefaults()
	return cfg, cfg.Validate()
}

// Find searches the standard config file locations.
func Find() string {
	candidates := []string{
		"toolclaw.yaml",
		"toolclaw.yml",
		".toolclaw/config.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "toolclaw", "config.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// applyDerivedDefaults fills paths that depend on the working
// directory and mirrors the workdir into the component configs.
func (c *Config) applyDerivedDefaults() {
	if c.WorkDir == "" {
		c.WorkDir, _ = os.Getwd()
	}
	if c.Sandbox.WorkDir == "" {
		c.Sandbox.WorkDir = c.WorkDir
	}
	if c.Paths.WorkDir == "" {
		c.Paths.WorkDir = c.WorkDir
	}
	if c.Checkpoints.Dir == "" {
		c.Checkpoints.Dir = filepath.Join(c.WorkDir, ".toolclaw", "checkpoints")
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.WorkDir, ".toolclaw", "audit.db")
	}
	// The sandbox path lists feed the path validator.
	if len(c.Paths.AllowedReadPaths) == 0 {
		c.Paths.AllowedReadPaths = c.Sandbox.AllowedReadPaths
	}
	if len(c.Paths.AllowedWritePaths) == 0 {
		c.Paths.AllowedWritePaths = c.Sandbox.AllowedWritePaths
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if err := c.Sandbox.Validate(); err != nil {
		return err
	}
	switch c.PermissionMode {
	case "normal", "bypass", "plan", "":
	default:
		return fmt.Errorf("invalid permission_mode %q", c.PermissionMode)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	if c.Execution.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must not be negative")
	}
	if c.Checkpoints.Enabled && c.Checkpoints.KeepLast <= 0 {
		return fmt.Errorf("keep_last must be positive when checkpoints are enabled")
	}
	for i, h := range c.Hooks {
		if h.Name == "" || len(h.Command) == 0 {
			return fmt.Errorf("hook %d must have a name and a command", i)
		}
	}
	return nil
}

// CommandPolicyConfig derives the command policy settings from the
// sandbox section.
func (c *Config) CommandPolicyConfig() policy.CommandPolicyConfig {
	return policy.CommandPolicyConfig{
		AllowedCommands: c.Sandbox.AllowedCommands,
		BlockedCommands: c.Sandbox.BlockedCommands,
		DefaultAllow:    c.Sandbox.DefaultAllow,
		Strictness:      policy.Strictness(c.Sandbox.Strictness),
	}
}

// NetworkPolicyConfig derives the network policy settings. The sandbox
// section's allow_network acts as a kill switch over the network
// section.
func (c *Config) NetworkPolicyConfig() policy.NetworkPolicyConfig {
	nc := c.Network
	if c.Sandbox.AllowNetwork != nil && !*c.Sandbox.AllowNetwork {
		nc.AllowNetwork = false
	}
	return nc
}

// CheckpointManagerConfig derives the checkpoint manager settings.
func (c *Config) CheckpointManagerConfig() checkpoint.ManagerConfig {
	mc := checkpoint.DefaultManagerConfig(c.Checkpoints.Dir)
	if c.Checkpoints.KeepLast > 0 {
		mc.KeepLast = c.Checkpoints.KeepLast
	}
	mc.PruneSchedule = c.Checkpoints.PruneSchedule
	return mc
}

// loadEnvFiles loads .env overlays without overwriting variables that
// are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// expandEnvVars substitutes ${VAR} references, honoring :- defaults
// and failing on unset :? variables.
func expandEnvVars(s string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		groups := envVarPattern.FindStringSubmatch(m)
		name, modifier, arg := groups[1], groups[2], groups[3]
		val, set := os.LookupEnv(name)
		if set && val != "" {
			return val
		}
		switch modifier {
		case "-":
			return arg
		case "?":
			msg := arg
			if msg == "" {
				msg = "required variable " + name + " is not set"
			}
			missing = append(missing, msg)
			return ""
		}
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%s", strings.Join(missing, "; "))
	}
	return out, nil
}
