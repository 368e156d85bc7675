// SPDX-License-Identifier: MPL-2.0

package hostengine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/invowk/devup/internal/platform"
)

// lookPathTimeout bounds a `command -v` probe on the host or inside WSL.
const lookPathTimeout = 10 * time.Second

// WSLRunner runs commands inside the default WSL distribution of a
// Windows host, so Linux probes and install strategies work unchanged.
type WSLRunner struct {
	base CommandRunner
}

// NewWSLRunner routes every command of base through `wsl -e`.
func NewWSLRunner(base CommandRunner) *WSLRunner {
	return &WSLRunner{base: base}
}

// LookPath resolves file on the distribution's PATH.
func (r *WSLRunner) LookPath(file string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookPathTimeout)
	defer cancel()
	return commandV(ctx, r, file)
}

func (r *WSLRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	n, a := platform.WSLCommand(name, args...)
	return r.base.Output(ctx, n, a...)
}

func (r *WSLRunner) Run(ctx context.Context, name string, args ...string) error {
	n, a := platform.WSLCommand(name, args...)
	return r.base.Run(ctx, n, a...)
}

// commandV resolves file with the POSIX `command -v` builtin run through r,
// for hosts whose binaries the local exec.LookPath cannot see.
func commandV(ctx context.Context, r CommandRunner, file string) (string, error) {
	out, err := r.Output(ctx, "sh", "-c", `command -v "$1"`, "sh", file)
	path := strings.TrimSpace(out)
	if err != nil || path == "" {
		return "", fmt.Errorf("%s: %w", file, exec.ErrNotFound)
	}
	return path, nil
}

// wslEnv describes the default WSL distribution: its commands, files and
// user replace the Windows host's, so the Linux strategies can run there.
func (env *InstallEnv) wslEnv(ctx context.Context) (*InstallEnv, error) {
	runner := NewWSLRunner(env.Runner)
	out, err := runner.Output(ctx, "id", "-un")
	if err != nil {
		return nil, fmt.Errorf("query WSL user: %w", err)
	}
	user := strings.TrimSpace(out)
	return &InstallEnv{
		Host:   platform.Host{OS: platform.Linux, Arch: env.Host.Arch, InWSL: true, Root: user == "root"},
		Runner: runner,
		User:   user,
		ReadFile: func(path string) ([]byte, error) {
			out, err := runner.Output(ctx, "cat", path)
			return []byte(out), err
		},
		Logger: env.Logger.With("wsl", true),
	}, nil
}
