package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

// canonical follows symlinks so tmpdir paths compare cleanly.
func canonical(p string) (string, error) {
	return filepath.EvalSymlinks(p)
}

func disabledConfig() Config {
	cfg := DefaultConfig()
	cfg.Mode = ModeDisabled
	return cfg
}

func newTestRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	r, err := NewRunner(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRunnerBasicExecution(t *testing.T) {
	r := newTestRunner(t, disabledConfig())

	res, err := r.Run(context.Background(), &ExecRequest{Command: "echo hello"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr = %s", res.ExitCode, res.Stderr)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestRunnerArgv(t *testing.T) {
	r := newTestRunner(t, disabledConfig())
	res, err := r.Run(context.Background(), &ExecRequest{Argv: []string{"echo", "a b"}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != "a b" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestRunnerNonZeroExit(t *testing.T) {
	r := newTestRunner(t, disabledConfig())
	res, err := r.Run(context.Background(), &ExecRequest{Command: "exit 3"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit = %d, want 3", res.ExitCode)
	}
}

func TestRunnerTimeout(t *testing.T) {
	cfg := disabledConfig()
	r := newTestRunner(t, cfg)

	start := time.Now()
	res, err := r.Run(context.Background(), &ExecRequest{
		Command: "sleep 30",
		Timeout: 100 * time.Millisecond,
	})
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout was not enforced")
	}
	var te *toolerr.Error
	if !errors.As(err, &te) || te.Kind != toolerr.KindTimeout {
		t.Fatalf("want timeout error, got %v", err)
	}
	if res == nil || !res.Killed {
		t.Fatalf("result should record the kill: %+v", res)
	}
}

func TestRunnerOutputTruncation(t *testing.T) {
	cfg := disabledConfig()
	cfg.MaxOutputBytes = 100
	r := newTestRunner(t, cfg)

	res, err := r.Run(context.Background(), &ExecRequest{
		Command: "yes x | head -c 10000",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Fatal("truncation must be reported")
	}
	if !strings.HasSuffix(res.Stdout, "[output truncated]") {
		t.Fatalf("stdout should end with the truncation marker: %q", res.Stdout[len(res.Stdout)-40:])
	}
	if len(res.Stdout) > 200 {
		t.Fatalf("stdout not capped: %d bytes", len(res.Stdout))
	}
}

func TestRunnerEnvFiltering(t *testing.T) {
	r := newTestRunner(t, disabledConfig())

	res, err := r.Run(context.Background(), &ExecRequest{
		Command: `echo "[$LD_PRELOAD][$SAFE_MARKER]"`,
		Env: map[string]string{
			"LD_PRELOAD":  "/evil.so",
			"SAFE_MARKER": "ok",
			"TZ":          "UTC",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.Stdout, "evil.so") {
		t.Fatal("LD_PRELOAD must be stripped")
	}
	if strings.Contains(res.Stdout, "ok") {
		t.Fatal("vars outside the allowlist must be stripped")
	}
}

func TestRunnerStdin(t *testing.T) {
	r := newTestRunner(t, disabledConfig())
	res, err := r.Run(context.Background(), &ExecRequest{
		Command: "cat",
		Stdin:   "piped input",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "piped input" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestRunnerWorkDir(t *testing.T) {
	dir := t.TempDir()
	cfg := disabledConfig()
	cfg.WorkDir = dir
	r := newTestRunner(t, cfg)

	res, err := r.Run(context.Background(), &ExecRequest{Command: "pwd"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := canonical(strings.TrimSpace(res.Stdout))
	if err != nil {
		t.Fatal(err)
	}
	want, err := canonical(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("pwd = %q, want %q", got, want)
	}
}

func TestRunnerEmptyRequest(t *testing.T) {
	r := newTestRunner(t, disabledConfig())
	if _, err := r.Run(context.Background(), &ExecRequest{}); err == nil {
		t.Fatal("empty request must fail")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	bad := cfg
	bad.Mode = "container"
	if err := bad.Validate(); err == nil {
		t.Fatal("unknown mode must fail validation")
	}
	bad = cfg
	bad.Timeout = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("zero timeout must fail validation")
	}
}

func TestEnvFilter(t *testing.T) {
	f := NewEnvFilter(DefaultConfig())

	blocked := []string{"LD_PRELOAD", "ld_preload", "DYLD_ANYTHING", "PATH", "PYTHONPATH", "BASH_ENV", "HTTP_PROXY"}
	for _, name := range blocked {
		if f.Permit(name) {
			t.Errorf("%s must be blocked", name)
		}
	}
	allowed := []string{"HOME", "LANG", "TZ", "TERM"}
	for _, name := range allowed {
		if !f.Permit(name) {
			t.Errorf("%s should pass the default allowlist", name)
		}
	}
	if f.Permit("RANDOM_VAR") {
		t.Error("vars outside the allowlist must be dropped")
	}
}

func TestRunnerPermissiveWarnsAboutIsolationOnly(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	cfg := DefaultConfig()
	cfg.Mode = ModePermissive
	r, err := NewRunner(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.Run(context.Background(), &ExecRequest{Command: "echo hi"}); err != nil {
		t.Fatal(err)
	}

	logged := buf.String()
	if !strings.Contains(logged, "running without isolation") {
		t.Fatalf("permissive warn missing from log: %q", logged)
	}
	// Command and path policies still run upstream of the sandbox, so
	// the log must not claim they were bypassed.
	if strings.Contains(logged, "policy checks bypassed") {
		t.Fatalf("log wrongly claims policy checks are bypassed: %q", logged)
	}
}
