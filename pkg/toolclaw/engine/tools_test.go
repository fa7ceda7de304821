package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/policy"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/sandbox"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

func testBuiltins(t *testing.T) (*Builtins, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("builtin tests shell out to /bin/sh")
	}
	workDir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	cmdPolicy, err := policy.NewCommandPolicy(policy.DefaultCommandPolicyConfig())
	if err != nil {
		t.Fatal(err)
	}
	paths := policy.NewPathValidator(policy.PathValidatorConfig{WorkDir: workDir})

	cfg := sandbox.DefaultConfig()
	cfg.Mode = sandbox.ModeDisabled
	cfg.WorkDir = workDir
	runner, err := sandbox.NewRunner(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { runner.Close() })

	return &Builtins{Commands: cmdPolicy, Paths: paths, Sandbox: runner}, workDir
}

func TestBashToolRunsCommand(t *testing.T) {
	b, workDir := testBuiltins(t)
	octx := OrchestratorContext{WorkingDir: workDir}

	out, err := b.runBash(context.Background(), octx, map[string]any{"command": "echo hello"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Fatalf("output = %q", out)
	}
}

func TestBashToolDeniesDangerousCommand(t *testing.T) {
	b, workDir := testBuiltins(t)
	octx := OrchestratorContext{WorkingDir: workDir}

	_, err := b.runBash(context.Background(), octx, map[string]any{"command": "ls; sudo rm -rf /"})
	var terr *toolerr.Error
	if !errors.As(err, &terr) || terr.Kind != toolerr.KindPermissionDenied {
		t.Fatalf("want permission_denied, got %v", err)
	}
	if terr.Command == "" {
		t.Fatal("denial must name the offending command")
	}
}

func TestBashToolNonZeroExit(t *testing.T) {
	b, workDir := testBuiltins(t)
	octx := OrchestratorContext{WorkingDir: workDir}

	_, err := b.runBash(context.Background(), octx, map[string]any{"command": "ls /definitely/not/here"})
	if toolerr.KindOf(err) != toolerr.KindExecutionFailed {
		t.Fatalf("want execution_failed, got %v", err)
	}
}

func TestWriteReadEditRoundTrip(t *testing.T) {
	b, workDir := testBuiltins(t)
	octx := OrchestratorContext{WorkingDir: workDir}
	target := filepath.Join(workDir, "notes.txt")

	if _, err := b.writeFile(context.Background(), octx, map[string]any{
		"file_path": target, "content": "alpha beta",
	}); err != nil {
		t.Fatal(err)
	}

	out, err := b.readFile(context.Background(), octx, map[string]any{"file_path": target})
	if err != nil || out != "alpha beta" {
		t.Fatalf("read = %q, %v", out, err)
	}

	if _, err := b.editFile(context.Background(), octx, map[string]any{
		"file_path": target, "old_string": "beta", "new_string": "gamma",
	}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "alpha gamma" {
		t.Fatalf("file = %q", data)
	}
}

func TestEditFileAmbiguousMatch(t *testing.T) {
	b, workDir := testBuiltins(t)
	octx := OrchestratorContext{WorkingDir: workDir}
	target := filepath.Join(workDir, "dup.txt")
	os.WriteFile(target, []byte("x x"), 0o644)

	_, err := b.editFile(context.Background(), octx, map[string]any{
		"file_path": target, "old_string": "x", "new_string": "y",
	})
	if err == nil {
		t.Fatal("ambiguous match without replace_all must fail")
	}

	if _, err := b.editFile(context.Background(), octx, map[string]any{
		"file_path": target, "old_string": "x", "new_string": "y", "replace_all": true,
	}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "y y" {
		t.Fatalf("file = %q", data)
	}
}

func TestFileToolsRespectPathPolicy(t *testing.T) {
	b, workDir := testBuiltins(t)
	octx := OrchestratorContext{WorkingDir: workDir}

	_, err := b.writeFile(context.Background(), octx, map[string]any{
		"file_path": "/etc/passwd", "content": "nope",
	})
	if toolerr.KindOf(err) != toolerr.KindSandboxViolation {
		t.Fatalf("want sandbox_violation, got %v", err)
	}
}

func TestListDir(t *testing.T) {
	b, workDir := testBuiltins(t)
	octx := OrchestratorContext{WorkingDir: workDir}
	os.WriteFile(filepath.Join(workDir, "a.txt"), nil, 0o644)
	os.Mkdir(filepath.Join(workDir, "sub"), 0o755)

	out, err := b.listDir(context.Background(), octx, map[string]any{"path": workDir})
	if err != nil {
		t.Fatal(err)
	}
	if out != "a.txt\nsub/" {
		t.Fatalf("listing = %q", out)
	}
}

func TestFetchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pong")
	}))
	defer srv.Close()

	b, workDir := testBuiltins(t)
	b.Network = policy.NewNetworkPolicy(policy.NetworkPolicyConfig{AllowNetwork: true})
	octx := OrchestratorContext{WorkingDir: workDir}

	out, err := b.fetch(context.Background(), octx, map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if out != "pong" {
		t.Fatalf("body = %q", out)
	}
}

func TestFetchToolHonorsHostAllowlist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached server despite allowlist")
	}))
	defer srv.Close()

	b, workDir := testBuiltins(t)
	b.Network = policy.NewNetworkPolicy(policy.NetworkPolicyConfig{
		AllowNetwork: true,
		AllowedHosts: []string{"example.com"},
	})
	octx := OrchestratorContext{WorkingDir: workDir}

	_, err := b.fetch(context.Background(), octx, map[string]any{"url": srv.URL})
	if toolerr.KindOf(err) != toolerr.KindSandboxViolation {
		t.Fatalf("want sandbox_violation, got %v", err)
	}
}

func TestFetchToolNetworkDisabled(t *testing.T) {
	b, workDir := testBuiltins(t)
	b.Network = policy.NewNetworkPolicy(policy.NetworkPolicyConfig{})
	octx := OrchestratorContext{WorkingDir: workDir}

	_, err := b.fetch(context.Background(), octx, map[string]any{"url": "http://localhost:1/x"})
	if toolerr.KindOf(err) != toolerr.KindSandboxViolation {
		t.Fatalf("want sandbox_violation, got %v", err)
	}
}
