//go:build !linux

// Package sandbox – namespace isolation is Linux-only; other platforms
// get a stub that reports itself unavailable so the runner can fall
// back or refuse per strictness.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
)

// NamespaceExecutor is unavailable outside Linux.
type NamespaceExecutor struct{}

// NewNamespaceExecutor returns the unavailable stub.
func NewNamespaceExecutor(_ Config, _ *slog.Logger) *NamespaceExecutor {
	return &NamespaceExecutor{}
}

func (e *NamespaceExecutor) Execute(_ context.Context, _ *ExecRequest) (*ExecResult, error) {
	return nil, fmt.Errorf("namespace isolation not available on %s", runtime.GOOS)
}

func (e *NamespaceExecutor) Available() bool { return false }
func (e *NamespaceExecutor) Name() string    { return "namespace" }
func (e *NamespaceExecutor) Close() error    { return nil }
