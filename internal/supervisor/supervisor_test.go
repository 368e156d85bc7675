// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/invowk/devup/internal/issue"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newSupervisor(t *testing.T, opts ...Option) *Supervisor {
	t.Helper()
	s := New(append([]Option{WithGracePeriod(2 * time.Second), WithKillTimeout(2 * time.Second)}, opts...)...)
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })
	return s
}

func shSpec(name, script string) Spec {
	return Spec{Name: name, Command: "sh -c '" + strings.ReplaceAll(script, "'", `'\''`) + "'"}
}

// gone reports whether pid no longer runs; zombies awaiting reaping count as gone.
func gone(pid int) bool {
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return true
	}
	p, err := process.NewProcess(int32(pid)) //nolint:gosec // test pids fit in int32
	if err != nil {
		return true
	}
	st, err := p.Status()
	return err == nil && slices.Contains(st, process.Zombie)
}

// printedPID reads the "key=<pid>" line a test script echoed before readiness.
func printedPID(t *testing.T, p *ManagedProcess, key string) int {
	t.Helper()
	for _, line := range strings.Split(p.Tail(), "\n") {
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			if pid, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return pid
			}
		}
	}
	t.Fatalf("%s pid not printed, tail: %q", key, p.Tail())
	return 0
}

func TestStart_ReadyByPattern(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	s := newSupervisor(t, WithOutput(out))
	spec := shSpec("backend", "echo booting; echo 'server listening on 8000'; exec sleep 30")
	spec.ReadyPattern = `listening on \d+`
	spec.ReadyTimeout = 10 * time.Second

	p, err := s.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if p.ReadyBy() != ReadyByPattern {
		t.Errorf("ReadyBy() = %q, want pattern", p.ReadyBy())
	}
	if p.State() != StateRunning {
		t.Errorf("State() = %s, want running", p.State())
	}
	if !strings.Contains(p.Tail(), "booting") {
		t.Errorf("Tail() = %q", p.Tail())
	}
	if got := out.String(); !strings.Contains(got, "backend") || !strings.Contains(got, "server listening") {
		t.Errorf("forwarded output = %q", got)
	}

	if err := s.Stop(context.Background(), "backend"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if p.State() != StateStopped {
		t.Errorf("State() after Stop = %s, want stopped", p.State())
	}
}

func TestStart_TimeoutAssumesReady(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	spec := shSpec("frontend", "exec sleep 30")
	spec.ReadyPattern = "compiled successfully"
	spec.ReadyTimeout = 50 * time.Millisecond

	p, err := s.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if p.ReadyBy() != ReadyByTimeout || p.State() != StateRunning {
		t.Errorf("ReadyBy() = %q, State() = %s", p.ReadyBy(), p.State())
	}
}

func TestStart_RequiredMarkerTimesOut(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	spec := shSpec("backend", "echo still booting; exec sleep 30")
	spec.ReadyPattern = "READY"
	spec.ReadyTimeout = 50 * time.Millisecond
	spec.RequireMarker = true

	p, err := s.Start(context.Background(), spec)
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("Start() error = %v, want ErrStartupTimeout", err)
	}
	if got := issue.IssueOf(err); got == nil || got.Id() != issue.ProcessStartupTimeoutId {
		t.Errorf("IssueOf() = %v, want ProcessStartupTimeoutId", got)
	}
	d, ok := issue.DiagnosticsOf(err)
	if !ok || !strings.Contains(d.OutputTail(), "still booting") {
		t.Errorf("diagnostics should carry the output tail, got %v", d)
	}
	if p.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", p.State())
	}
}

func TestStart_EarlyExit(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	spec := shSpec("backend", "echo 'cannot bind port' >&2; exit 3")
	spec.ReadyPattern = "ready"
	spec.ReadyTimeout = 10 * time.Second

	start := time.Now()
	_, err := s.Start(context.Background(), spec)
	if !errors.Is(err, ErrProcessCrashed) {
		t.Fatalf("Start() error = %v, want ErrProcessCrashed", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("early exit should not wait for the ready timeout")
	}
	d, ok := issue.DiagnosticsOf(err)
	if !ok {
		t.Fatal("startup failure should expose diagnostics")
	}
	if d.ExitCode() != 3 {
		t.Errorf("ExitCode() = %d, want 3", d.ExitCode())
	}
	if !strings.Contains(d.OutputTail(), "cannot bind port") {
		t.Errorf("OutputTail() = %q", d.OutputTail())
	}
}

func TestStart_AlreadyManaged(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	if _, err := s.Start(context.Background(), shSpec("web", "exec sleep 30")); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, err := s.Start(context.Background(), shSpec("web", "exec sleep 30")); !errors.Is(err, ErrAlreadyManaged) {
		t.Errorf("second Start() = %v, want ErrAlreadyManaged", err)
	}
}

func TestStart_BadCommand(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	if _, err := s.Start(context.Background(), Spec{Name: "x", Command: "/nonexistent/devup-binary"}); err == nil {
		t.Fatal("Start() should fail for a missing binary")
	}
	if _, ok := s.Get("x"); ok {
		t.Error("a process that never spawned must not stay registered")
	}
}

func TestStop_EscalatesToKill(t *testing.T) {
	t.Parallel()

	s := New(WithGracePeriod(100*time.Millisecond), WithKillTimeout(2*time.Second))
	spec := shSpec("stubborn", `trap "" TERM; echo ready; while true; do sleep 0.05; done`)
	spec.ReadyPattern = "ready"
	spec.ReadyTimeout = 5 * time.Second

	p, err := s.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	start := time.Now()
	if err := s.Stop(context.Background(), "stubborn"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop() took %v, want grace + kill", elapsed)
	}
	if p.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", p.State())
	}
	if !gone(p.PID()) {
		t.Error("process still alive after Stop")
	}
}

func TestStop_KillsGrandchildren(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	spec := shSpec("parent", `sleep 30 & echo "child=$!"; echo ready; wait`)
	spec.ReadyPattern = "ready"
	spec.ReadyTimeout = 5 * time.Second

	p, err := s.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	child := printedPID(t, p, "child")

	if err := s.Stop(context.Background(), "parent"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !gone(child) {
		if time.Now().After(deadline) {
			t.Fatalf("grandchild %d survived shutdown", child)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStop_KillsGrandchildIgnoringTerminate(t *testing.T) {
	t.Parallel()

	s := New(WithGracePeriod(200*time.Millisecond), WithKillTimeout(2*time.Second))
	spec := shSpec("parent", `(trap "" TERM; exec sleep 60) >/dev/null 2>&1 & echo "child=$!"; echo ready; wait`)
	spec.ReadyPattern = "ready"
	spec.ReadyTimeout = 5 * time.Second

	p, err := s.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	child := printedPID(t, p, "child")
	t.Cleanup(func() { _ = unix.Kill(child, unix.SIGKILL) })

	if err := s.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error: %v", err)
	}
	if p.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", p.State())
	}
	if !gone(child) {
		t.Errorf("grandchild %d still alive after StopAll returned", child)
	}
}

func TestStop_ReapsLeftoversOfCrashedProcess(t *testing.T) {
	t.Parallel()

	s := New(WithGracePeriod(200*time.Millisecond), WithKillTimeout(2*time.Second))
	spec := shSpec("flaky", `(trap "" TERM; exec sleep 60) >/dev/null 2>&1 & echo "child=$!"; echo ready; sleep 0.3; exit 3`)
	spec.ReadyPattern = "ready"
	spec.ReadyTimeout = 5 * time.Second

	p, err := s.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	child := printedPID(t, p, "child")
	t.Cleanup(func() { _ = unix.Kill(child, unix.SIGKILL) })

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if p.State() != StateCrashed {
		t.Fatalf("State() = %s, want crashed", p.State())
	}
	if gone(child) {
		t.Fatal("grandchild should outlive its crashed parent until shutdown")
	}

	if err := s.Stop(context.Background(), "flaky"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if !gone(child) {
		t.Errorf("grandchild %d of a crashed process survived Stop", child)
	}
}

func TestStop_ConcurrentCallsShareOneShutdown(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	p, err := s.Start(context.Background(), shSpec("web", "exec sleep 30"))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Stop(context.Background(), "web")
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("Stop() #%d error: %v", i, err)
		}
	}
	if p.State() != StateStopped {
		t.Errorf("State() = %s", p.State())
	}
	if err := s.Stop(context.Background(), "ghost"); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("Stop(ghost) = %v, want ErrUnknownProcess", err)
	}
}

func TestStopAll_StopsConcurrently(t *testing.T) {
	t.Parallel()

	const grace = 500 * time.Millisecond
	s := New(WithGracePeriod(grace), WithKillTimeout(2*time.Second))
	var procs []*ManagedProcess
	for _, name := range []string{"a", "b", "c"} {
		spec := shSpec(name, `trap "" TERM; echo ready; while true; do sleep 0.05; done`)
		spec.ReadyPattern = "ready"
		spec.ReadyTimeout = 5 * time.Second
		p, err := s.Start(context.Background(), spec)
		if err != nil {
			t.Fatalf("Start(%s) error: %v", name, err)
		}
		procs = append(procs, p)
	}

	start := time.Now()
	if err := s.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 3*grace {
		t.Errorf("StopAll() took %v, shutdowns should overlap", elapsed)
	}
	for _, p := range procs {
		if p.State() != StateStopped {
			t.Errorf("%s State() = %s, want stopped", p.Name(), p.State())
		}
	}
}

func TestCrashEventAndRestart(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	spec := shSpec("worker", `echo ready; sleep 0.2; echo "panic: nil map" >&2; exit 7`)
	spec.ReadyPattern = "ready"
	spec.ReadyTimeout = 5 * time.Second

	first, err := s.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	select {
	case ev := <-s.Events():
		if ev.Name != "worker" || ev.Err.Code != 7 || !errors.Is(ev.Err, ErrProcessCrashed) {
			t.Errorf("event = %+v", ev)
		}
		if !strings.Contains(ev.Err.Tail, "panic: nil map") {
			t.Errorf("event tail = %q", ev.Err.Tail)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no crash event")
	}
	if first.State() != StateCrashed {
		t.Errorf("State() = %s, want crashed", first.State())
	}

	second, err := s.Restart(context.Background(), "worker")
	if err != nil {
		t.Fatalf("Restart() error: %v", err)
	}
	if second == first || second.PID() == first.PID() {
		t.Error("Restart() should spawn a new process")
	}
	if got, _ := s.Get("worker"); got != second {
		t.Error("registry should point at the restarted process")
	}
}

func TestList(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	for _, name := range []string{"web", "api"} {
		if _, err := s.Start(context.Background(), shSpec(name, "exec sleep 30")); err != nil {
			t.Fatal(err)
		}
	}
	list := s.List()
	if len(list) != 2 || list[0].Name != "api" || list[1].Name != "web" {
		t.Fatalf("List() = %+v", list)
	}
	if list[0].State != StateRunning || list[0].ReadyBy != ReadyImmediate || list[0].PID == 0 {
		t.Errorf("List()[0] = %+v", list[0])
	}
}
