package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/policy"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/sandbox"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

// maxFetchBytes caps the body size the fetch tool will return.
const maxFetchBytes = 256 * 1024

// Builtins wires the standard toolset against the policy layers and
// the sandbox runner.
type Builtins struct {
	Commands *policy.CommandPolicy
	Paths    *policy.PathValidator
	Network  *policy.NetworkPolicy
	Sandbox  *sandbox.Runner

	// HTTPClient serves the fetch tool. Defaults to a client with a
	// 30s overall timeout.
	HTTPClient *http.Client
}

// RegisterAll registers every built-in tool.
func (b *Builtins) RegisterAll(r *Registry) error {
	tools := []*Tool{
		{
			Name:          "bash",
			Description:   "Run a shell command inside the sandbox.",
			FileAffecting: true,
			Handler:       b.runBash,
		},
		{
			Name:        "read_file",
			Description: "Read a file within the allowed read roots.",
			ReadOnly:    true,
			RetrySafe:   true,
			Handler:     b.readFile,
		},
		{
			Name:          "write_file",
			Description:   "Write a file within the allowed write roots.",
			FileAffecting: true,
			RetrySafe:     true,
			Handler:       b.writeFile,
		},
		{
			Name:          "edit_file",
			Description:   "Apply string replacements to a file.",
			FileAffecting: true,
			Handler:       b.editFile,
		},
		{
			Name:        "list_dir",
			Description: "List a directory within the allowed read roots.",
			ReadOnly:    true,
			RetrySafe:   true,
			Handler:     b.listDir,
		},
		{
			Name:        "fetch",
			Description: "Fetch a URL over HTTP GET, subject to the network policy.",
			ReadOnly:    true,
			RetrySafe:   true,
			External:    "http",
			Handler:     b.fetch,
		},
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builtins) runBash(ctx context.Context, octx OrchestratorContext, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "", toolerr.New(toolerr.KindExecutionFailed, "bash requires a command")
	}

	if decision := b.Commands.Validate(command); !decision.Allowed {
		return "", toolerr.New(toolerr.KindPermissionDenied, "%s", decision.Reason).
			WithTool("bash").WithCommand(command)
	}

	req := &sandbox.ExecRequest{Command: command}
	if wd, _ := args["workdir"].(string); wd != "" {
		if err := b.Paths.Check(wd, policy.AccessRead); err != nil {
			return "", err
		}
		req.WorkDir = wd
	} else {
		req.WorkDir = octx.WorkingDir
	}
	if secs, ok := args["timeout"].(float64); ok && secs > 0 {
		req.Timeout = time.Duration(secs * float64(time.Second))
	}

	result, err := b.Sandbox.Run(ctx, req)
	if err != nil {
		return formatExecOutput(result), err
	}
	if result.ExitCode != 0 {
		return "", toolerr.New(toolerr.KindExecutionFailed,
			"command exited %d: %s", result.ExitCode, tail(result.Stderr, 500)).
			WithCommand(command)
	}
	return formatExecOutput(result), nil
}

func (b *Builtins) readFile(ctx context.Context, _ OrchestratorContext, args map[string]any) (string, error) {
	path, err := pathArg(args)
	if err != nil {
		return "", err
	}
	if err := b.Paths.Check(path, policy.AccessRead); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", toolerr.New(toolerr.KindExecutionFailed, "reading %s: %v", path, err).WithPath(path)
	}
	return string(data), nil
}

func (b *Builtins) writeFile(ctx context.Context, _ OrchestratorContext, args map[string]any) (string, error) {
	path, err := pathArg(args)
	if err != nil {
		return "", err
	}
	content, _ := args["content"].(string)
	if err := b.Paths.Check(path, policy.AccessWrite); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", toolerr.New(toolerr.KindExecutionFailed, "creating parent of %s: %v", path, err).WithPath(path)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", toolerr.New(toolerr.KindExecutionFailed, "writing %s: %v", path, err).WithPath(path)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func (b *Builtins) editFile(ctx context.Context, _ OrchestratorContext, args map[string]any) (string, error) {
	path, err := pathArg(args)
	if err != nil {
		return "", err
	}
	if err := b.Paths.Check(path, policy.AccessWrite); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", toolerr.New(toolerr.KindExecutionFailed, "reading %s: %v", path, err).WithPath(path)
	}

	type edit struct{ old, new string; all bool }
	var edits []edit
	if raw, ok := args["edits"].([]any); ok {
		for _, e := range raw {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			oldS, _ := m["old_string"].(string)
			newS, _ := m["new_string"].(string)
			all, _ := m["replace_all"].(bool)
			edits = append(edits, edit{oldS, newS, all})
		}
	} else {
		oldS, _ := args["old_string"].(string)
		newS, _ := args["new_string"].(string)
		all, _ := args["replace_all"].(bool)
		edits = append(edits, edit{oldS, newS, all})
	}

	content := string(data)
	applied := 0
	for _, e := range edits {
		if e.old == "" {
			return "", toolerr.New(toolerr.KindExecutionFailed, "edit with empty old_string")
		}
		n := strings.Count(content, e.old)
		if n == 0 {
			return "", toolerr.New(toolerr.KindExecutionFailed,
				"old_string not found in %s", path).WithPath(path)
		}
		if n > 1 && !e.all {
			return "", toolerr.New(toolerr.KindExecutionFailed,
				"old_string matches %d times in %s, use replace_all", n, path).WithPath(path)
		}
		if e.all {
			content = strings.ReplaceAll(content, e.old, e.new)
			applied += n
		} else {
			content = strings.Replace(content, e.old, e.new, 1)
			applied++
		}
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", toolerr.New(toolerr.KindExecutionFailed, "writing %s: %v", path, err).WithPath(path)
	}
	return fmt.Sprintf("applied %d replacement(s) to %s", applied, path), nil
}

func (b *Builtins) listDir(ctx context.Context, _ OrchestratorContext, args map[string]any) (string, error) {
	path, err := pathArg(args)
	if err != nil {
		return "", err
	}
	if err := b.Paths.Check(path, policy.AccessRead); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", toolerr.New(toolerr.KindExecutionFailed, "listing %s: %v", path, err).WithPath(path)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (b *Builtins) fetch(ctx context.Context, _ OrchestratorContext, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return "", toolerr.New(toolerr.KindExecutionFailed, "fetch requires a url")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", toolerr.New(toolerr.KindExecutionFailed, "invalid url %q", rawURL)
	}

	port := 443
	if u.Scheme == "http" {
		port = 80
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", toolerr.New(toolerr.KindExecutionFailed, "invalid port in %q", rawURL)
		}
	}
	if b.Network != nil {
		if err := b.Network.AllowHost(u.Hostname(), port); err != nil {
			return "", err
		}
	}

	client := b.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", toolerr.New(toolerr.KindExecutionFailed, "building request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", toolerr.Wrap(toolerr.KindCancelled, ctx.Err())
		}
		return "", toolerr.New(toolerr.KindExecutionFailed, "fetching %s: %v", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", toolerr.New(toolerr.KindExecutionFailed, "reading response from %s: %v", rawURL, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", toolerr.New(toolerr.KindRateLimited, "GET %s: %s", rawURL, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return "", toolerr.New(toolerr.KindExecutionFailed, "GET %s: %s", rawURL, resp.Status)
	}
	return string(body), nil
}

func pathArg(args map[string]any) (string, error) {
	if p, ok := args["file_path"].(string); ok && p != "" {
		return p, nil
	}
	if p, ok := args["path"].(string); ok && p != "" {
		return p, nil
	}
	return "", toolerr.New(toolerr.KindExecutionFailed, "missing file_path argument")
}

func formatExecOutput(result *sandbox.ExecResult) string {
	if result == nil {
		return ""
	}
	out := result.Stdout
	if result.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += result.Stderr
	}
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
