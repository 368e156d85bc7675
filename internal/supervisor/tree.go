// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"slices"

	"github.com/shirou/gopsutil/v4/process"
)

type (
	// processTree is a process and the descendants seen while it could still
	// be walked. Once the root exits its children are reparented and can no
	// longer be found from it, so members are recorded before any signal.
	processTree struct {
		root       int
		rootExited bool
		members    []member
	}

	// member identifies a process by pid and creation time, so a recycled
	// pid is never mistaken for it.
	member struct {
		pid     int32
		created int64
	}
)

// refresh records the current descendants of the root. Call it only while
// the root has not been reaped; a recycled root pid has unrelated children.
func (t *processTree) refresh(ctx context.Context) {
	for _, p := range descendants(ctx, t.root) {
		if slices.ContainsFunc(t.members, func(m member) bool { return m.pid == p.Pid }) {
			continue
		}
		created, _ := p.CreateTimeWithContext(ctx)
		t.members = append(t.members, member{pid: p.Pid, created: created})
	}
}

// live returns the members still running, children before parents.
func (t processTree) live(ctx context.Context) []*process.Process {
	var out []*process.Process
	for _, m := range slices.Backward(t.members) {
		if p, ok := m.lookup(ctx); ok {
			out = append(out, p)
		}
	}
	return out
}

func (m member) lookup(ctx context.Context) (*process.Process, bool) {
	p, err := process.NewProcessWithContext(ctx, m.pid)
	if err != nil || !running(ctx, p) {
		return nil, false
	}
	if c, err := p.CreateTimeWithContext(ctx); err == nil && m.created != 0 && c != m.created {
		return nil, false
	}
	return p, true
}

// descendants walks the process table below pid, parents before children.
// Lookup failures end the walk for that branch.
func descendants(ctx context.Context, pid int) []*process.Process {
	root, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return nil
	}
	var out []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

// running reports whether p is not a zombie awaiting its parent.
func running(ctx context.Context, p *process.Process) bool {
	st, err := p.StatusWithContext(ctx)
	return err != nil || !slices.Contains(st, process.Zombie)
}
