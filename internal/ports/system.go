// SPDX-License-Identifier: MPL-2.0

package ports

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

type (
	// Listener is a socket in LISTEN state. PID is 0 when the owner is not
	// visible to the current user.
	Listener struct {
		Port uint16
		PID  int32
	}

	// System is the slice of the OS the arbiter needs.
	System interface {
		Listeners(ctx context.Context) ([]Listener, error)
		ProcessName(ctx context.Context, pid int32) string
		Alive(ctx context.Context, pid int32) bool
		Terminate(ctx context.Context, pid int32) error
		Kill(ctx context.Context, pid int32) error
	}

	// gopsutilSystem implements System with gopsutil.
	gopsutilSystem struct{}
)

// HostSystem returns the System backed by the real process and socket tables.
func HostSystem() System { return gopsutilSystem{} }

func (gopsutilSystem) Listeners(ctx context.Context) ([]Listener, error) {
	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("enumerate tcp sockets: %w", err)
	}
	var out []Listener
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port == 0 || c.Laddr.Port > 65535 {
			continue
		}
		out = append(out, Listener{Port: uint16(c.Laddr.Port), PID: c.Pid})
	}
	return out, nil
}

func (gopsutilSystem) ProcessName(ctx context.Context, pid int32) string {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ""
	}
	name, _ := p.NameWithContext(ctx)
	return name
}

func (gopsutilSystem) Alive(ctx context.Context, pid int32) bool {
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && ok
}

func (gopsutilSystem) Terminate(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}

func (gopsutilSystem) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}
