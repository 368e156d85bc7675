// SPDX-License-Identifier: MPL-2.0

//go:build windows

package supervisor

import (
	"context"
	"errors"
	"os/exec"

	"github.com/shirou/gopsutil/v4/process"
)

// Windows has no POSIX process groups; the snapshot tree is walked instead.
func setProcessGroup(*exec.Cmd) {}

func terminateTree(ctx context.Context, t processTree) error {
	return walkTree(ctx, t, (*process.Process).TerminateWithContext)
}

func killTree(ctx context.Context, t processTree) error {
	return walkTree(ctx, t, (*process.Process).KillWithContext)
}

// treeAlive reports whether the root or any recorded descendant still runs.
// The root is reaped by Wait before this is asked, so only members count.
func treeAlive(ctx context.Context, t processTree) bool {
	return len(t.live(ctx)) > 0
}

// walkTree applies fn to every live member, children before parents, then
// to the root unless it was already reaped.
func walkTree(ctx context.Context, t processTree, fn func(*process.Process, context.Context) error) error {
	var errs []error
	for _, p := range t.live(ctx) {
		if err := fn(p, ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if t.rootExited {
		return errors.Join(errs...)
	}
	if root, err := process.NewProcessWithContext(ctx, int32(t.root)); err == nil { //nolint:gosec // pids fit in int32
		if err := fn(root, ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
