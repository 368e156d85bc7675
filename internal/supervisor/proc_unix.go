// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in a new process group whose id is its pid.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateTree sends SIGTERM to the group and to every live member, which
// covers descendants that left the group with setsid.
func terminateTree(ctx context.Context, t processTree) error {
	return signalTree(ctx, t, unix.SIGTERM)
}

func killTree(ctx context.Context, t processTree) error {
	return signalTree(ctx, t, unix.SIGKILL)
}

// treeAlive reports whether any live member of the group or snapshot
// remains. Zombies do not count: orphans are reaped by init, not by us.
func treeAlive(ctx context.Context, t processTree) bool {
	if len(t.live(ctx)) > 0 {
		return true
	}
	if err := unix.Kill(-t.root, 0); errors.Is(err, unix.ESRCH) {
		return false
	}
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return true
	}
	for _, pid := range pids {
		if pgid, err := unix.Getpgid(int(pid)); err != nil || pgid != t.root {
			continue
		}
		if p, err := process.NewProcessWithContext(ctx, pid); err == nil && running(ctx, p) {
			return true
		}
	}
	return false
}

func signalTree(ctx context.Context, t processTree, sig unix.Signal) error {
	err := unix.Kill(-t.root, sig)
	if errors.Is(err, unix.ESRCH) {
		err = nil
	}
	for _, p := range t.live(ctx) {
		if kerr := unix.Kill(int(p.Pid), sig); kerr != nil && !errors.Is(kerr, unix.ESRCH) {
			err = errors.Join(err, kerr)
		}
	}
	return err
}
