//go:build windows

package hooks

import "os/exec"

// setProcessGroup is a no-op on Windows; CommandContext termination is
// all that is available.
func setProcessGroup(*exec.Cmd) {}
