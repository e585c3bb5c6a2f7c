package utils

import (
	"context"
	"os"
	"os/exec"
	"time"
)

// CommandWithPath runs a shell command with a sane PATH, since the build may
// be launched from environments with a stripped-down one.
func CommandWithPath(command string) (string, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// CommandWithTimeout runs argv directly under a deadline. External tools are
// atomic blocking steps, the deadline is the only interruption point.
func CommandWithTimeout(timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// ToolInPath reports whether an executable is reachable through PATH.
func ToolInPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
