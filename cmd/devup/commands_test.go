// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/invowk/devup/internal/config"
	"github.com/invowk/devup/internal/health"
	"github.com/invowk/devup/internal/issue"
	"github.com/invowk/devup/internal/ports"
	"github.com/invowk/devup/internal/runner"
	"github.com/invowk/devup/internal/supervisor"
)

type (
	staticProvider struct {
		cfg  *config.Config
		path string
		err  error
	}

	busySystem struct{ busy []uint16 }
)

func (p staticProvider) Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error) {
	cfg, _, err := p.LoadWithPath(ctx, opts)
	return cfg, err
}

func (p staticProvider) LoadWithPath(context.Context, config.LoadOptions) (*config.Config, string, error) {
	return p.cfg, p.path, p.err
}

func (s busySystem) Listeners(context.Context) ([]ports.Listener, error) {
	ls := make([]ports.Listener, 0, len(s.busy))
	for _, p := range s.busy {
		ls = append(ls, ports.Listener{Port: p, PID: 4242})
	}
	return ls, nil
}

func (busySystem) ProcessName(context.Context, int32) string { return "postgres" }
func (busySystem) Alive(context.Context, int32) bool         { return true }
func (busySystem) Terminate(context.Context, int32) error    { return nil }
func (busySystem) Kill(context.Context, int32) error         { return nil }

func runCommand(t *testing.T, app *App, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app.stdout = &out
	app.stderr = &out
	root := NewRootCommand(app)
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInitThenConfigPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	app := NewApp(Dependencies{WorkDir: dir})

	out, err := runCommand(t, app, "init")
	if err != nil {
		t.Fatalf("init error: %v\n%s", err, out)
	}
	want := filepath.Join(dir, config.ProjectFileName)
	if !strings.Contains(out, want) {
		t.Errorf("init output = %q, want it to name %s", out, want)
	}

	out, err = runCommand(t, app, "config", "path")
	if err != nil {
		t.Fatalf("config path error: %v\n%s", err, out)
	}
	if strings.TrimSpace(out) != want {
		t.Errorf("config path = %q, want %q", strings.TrimSpace(out), want)
	}

	if out, err := runCommand(t, app, "init"); err == nil {
		t.Errorf("second init succeeded:\n%s", out)
	}
}

func TestConfigShow_LoadFailureIsRendered(t *testing.T) {
	t.Parallel()

	loadErr := issue.NewErrorContext().
		WithOperation("load configuration").
		WithResource("devup.cue").
		WithSuggestion("Fix the syntax error").
		WithIssue(issue.ConfigLoadFailedId).
		Wrap(errors.New("expected '}', found EOF")).
		BuildError()
	app := NewApp(Dependencies{Config: staticProvider{err: loadErr}})

	out, err := runCommand(t, app, "config", "show")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Err != nil || exitErr.Code != exitFailure {
		t.Fatalf("config show error = %#v, want a rendered ExitError", err)
	}
	for _, want := range []string{"load configuration", "Fix the syntax error", "expected '}', found EOF"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPlanPorts(t *testing.T) {
	t.Parallel()

	arb := ports.NewArbiter(
		ports.WithSystem(busySystem{busy: []uint16{5432, 6379, 6380}}),
		ports.WithWindow(1),
		ports.WithReclaim(false),
	)
	reqs := []runner.PortRequest{
		{Key: "db:5432", Port: 5432},
		{Key: "cache:6379", Port: 6379},
		{Key: "backend", Port: 8000},
	}
	rows, conflicts, err := planPorts(context.Background(), arb, reqs)
	if err != nil {
		t.Fatalf("planPorts() error: %v", err)
	}
	if conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", conflicts)
	}
	wants := []string{"shifted to 5433", "conflict", "free"}
	for i, want := range wants {
		if !strings.Contains(rows[i][2], want) {
			t.Errorf("row %s plan = %q, want %q", rows[i][0], rows[i][2], want)
		}
	}
}

func TestFormatErrorForDisplay(t *testing.T) {
	t.Parallel()

	crash := &supervisor.ProcessError{Name: "backend", Kind: supervisor.ErrProcessCrashed, Code: 3, Tail: "panic: no DATABASE_URL"}
	wrapped := issue.NewErrorContext().
		WithOperation("start backend").
		WithSuggestion("Check the backend's output above").
		WithIssue(issue.ProcessCrashedId).
		Wrap(crash).
		BuildError()

	tests := []struct {
		name string
		err  error
		want []string
	}{
		{"actionable", wrapped, []string{"start backend", "Check the backend's output above", "exit code: 3", "panic: no DATABASE_URL"}},
		{"plain with diagnostics", crash, []string{"exit code: 3", "panic: no DATABASE_URL"}},
		{"plain", errors.New("boom"), []string{"boom"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := formatErrorForDisplay(tt.err, false)
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("formatErrorForDisplay() missing %q:\n%s", want, got)
				}
			}
		})
	}
}

func TestStageReporter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	rep := newStageReporter(&buf)
	rep.StageStarted(runner.StagePorts)
	rep.StageDone(runner.StagePorts, "3 resolved, 1 shifted")
	rep.StageStarted(runner.StageBackend)
	rep.StageFailed(runner.StageBackend, errors.New("exit 3"))

	out := buf.String()
	for _, want := range []string{"▸ ports", "✓ ports 3 resolved, 1 shifted", "✗ backend"} {
		if !strings.Contains(out, want) {
			t.Errorf("reporter output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderSnapshot(t *testing.T) {
	t.Parallel()

	snap := runner.Snapshot{
		Session: "s-1",
		Ports: []ports.Assignment{
			{Service: "db:5432", Requested: 5432, Resolved: 5433},
			{Service: "backend", Requested: 8000, Resolved: 8000, Reclaimed: true},
		},
		Processes: []supervisor.Info{
			{Name: "backend", PID: 4100, State: supervisor.StateRunning, ReadyBy: supervisor.ReadyByPattern, Uptime: 90 * time.Second},
			{Name: "frontend", PID: 4200, State: supervisor.StateRunning, ReadyBy: supervisor.ReadyImmediate},
		},
		Health: []health.Status{{Process: "backend", Healthy: true}},
	}

	out := renderSnapshot(snap)
	for _, want := range []string{"5433 (shifted from 5432)", "8000 (reclaimed)", "backend", "4100", "pattern", "1m30s", "healthy"} {
		if !strings.Contains(out, want) {
			t.Errorf("snapshot missing %q:\n%s", want, out)
		}
	}
}
