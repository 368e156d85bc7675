// SPDX-License-Identifier: MPL-2.0

package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/invowk/devup/internal/config"
	"github.com/invowk/devup/internal/container"
	"github.com/invowk/devup/internal/issue"
	"github.com/invowk/devup/internal/testutil"

	"gopkg.in/yaml.v3"
)

func newOrchestrator(t *testing.T, engine *testutil.FakeEngine, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithProject("demo"),
		WithSessionID("s-1"),
		WithPollInterval(time.Millisecond, 5*time.Millisecond),
		WithComposeDir(t.TempDir()),
	}
	return NewOrchestrator(engine, append(base, opts...)...)
}

func runOrder(engine *testutil.FakeEngine) []string {
	var runs []string
	for _, c := range engine.CallLog() {
		if name, ok := strings.CutPrefix(c, "run "); ok {
			runs = append(runs, name)
		}
	}
	return runs
}

func TestEnsureNetwork_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := testutil.NewFakeEngine()
	o := newOrchestrator(t, engine)

	for range 3 {
		if err := o.EnsureNetwork(ctx, "demo-net"); err != nil {
			t.Fatalf("EnsureNetwork() error: %v", err)
		}
	}
	if n := engine.Called("network-create"); n != 1 {
		t.Errorf("network created %d times, want 1", n)
	}
}

func TestStart_RemovesStaleContainer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := testutil.NewFakeEngine()
	engine.SetState("demo-db", container.ContainerState{Status: "exited"})
	o := newOrchestrator(t, engine)

	d := Descriptor{Name: "db", Image: "postgres:16", Network: "demo-net", Env: map[string]string{"A": "1"}}
	if err := o.Start(ctx, d); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	log := engine.CallLog()
	rm := slices.Index(log, "rm demo-db")
	run := slices.Index(log, "run demo-db")
	if rm < 0 || run < 0 || rm > run {
		t.Errorf("stale container must be removed before run, calls: %v", log)
	}
	opts := engine.Runs["demo-db"]
	if opts.Labels[LabelProject] != "demo" || opts.Labels[LabelSession] != "s-1" || opts.Labels[LabelService] != "db" {
		t.Errorf("labels = %v", opts.Labels)
	}
	if opts.Network != "demo-net" || !engine.Networks["demo-net"] {
		t.Error("service network should be created and attached")
	}
}

func TestStart_FailureIsActionable(t *testing.T) {
	t.Parallel()

	engine := testutil.NewFakeEngine()
	engine.RunErr["demo-db"] = &container.CommandError{Engine: "podman", Args: []string{"run"}, Code: 125, Stderr: "Error: image not known"}
	o := newOrchestrator(t, engine)

	err := o.Start(context.Background(), Descriptor{Name: "db", Image: "nope"})
	if got := issue.IssueOf(err); got == nil || got.Id() != issue.ServiceStartFailedId {
		t.Fatalf("IssueOf(%v) = %v, want ServiceStartFailedId", err, got)
	}
	d, ok := issue.DiagnosticsOf(err)
	if !ok || d.ExitCode() != 125 || !strings.Contains(d.OutputTail(), "image not known") {
		t.Errorf("diagnostics lost: %v %v", d, ok)
	}
}

func TestStartAll_DataTierFirst(t *testing.T) {
	t.Parallel()

	engine := testutil.NewFakeEngine()
	o := newOrchestrator(t, engine)
	ds := []Descriptor{
		{Name: "api", Image: "api"},
		{Name: "db", Image: "postgres", Tier: config.TierData},
	}

	if err := o.StartAll(context.Background(), ds); err != nil {
		t.Fatalf("StartAll() error: %v", err)
	}
	if got := runOrder(engine); !slices.Equal(got, []string{"demo-db", "demo-api"}) {
		t.Errorf("run order = %v, want data tier first", got)
	}
	if got := o.Started(); !slices.Equal(got, []string{"db", "api"}) {
		t.Errorf("Started() = %v", got)
	}
}

func TestStartAll_CycleIsReported(t *testing.T) {
	t.Parallel()

	engine := testutil.NewFakeEngine()
	o := newOrchestrator(t, engine)
	err := o.StartAll(context.Background(), []Descriptor{
		{Name: "a", Image: "x", DependsOn: []string{"b"}},
		{Name: "b", Image: "x", DependsOn: []string{"a"}},
	})
	if got := issue.IssueOf(err); got == nil || got.Id() != issue.DependencyCycleId {
		t.Fatalf("IssueOf(%v) = %v, want DependencyCycleId", err, got)
	}
	if engine.Called("run") != 0 {
		t.Error("nothing should start when the order is invalid")
	}
}

func TestStartAll_Compose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := testutil.NewFakeEngine()
	engine.ComposeSupported = true
	engine.SetState("demo-db", container.ContainerState{Status: "running", Running: true})
	engine.SetState("demo-api", container.ContainerState{Status: "running", Running: true})
	o := newOrchestrator(t, engine, WithCompose(true))

	ds := []Descriptor{
		{Name: "db", Image: "postgres", Tier: config.TierData, Network: "demo-net",
			Ports: []container.PortMapping{{HostPort: 5433, ContainerPort: 5432}}},
		{Name: "api", Image: "api", Network: "demo-net"},
	}
	if err := o.StartAll(ctx, ds); err != nil {
		t.Fatalf("StartAll() error: %v", err)
	}
	if engine.Called("compose-up demo") != 1 || engine.Called("run") != 0 {
		t.Fatalf("compose should replace per-service runs, calls: %v", engine.CallLog())
	}

	var cf composeFile
	if err := yaml.Unmarshal([]byte(engine.ComposeYAML), &cf); err != nil {
		t.Fatalf("generated compose file is not YAML: %v", err)
	}
	if cf.Services["db"].ContainerName != "demo-db" || !slices.Equal(cf.Services["db"].Ports, []string{"5433:5432"}) {
		t.Errorf("db service = %+v", cf.Services["db"])
	}
	if !slices.Contains(cf.Services["api"].DependsOn, "db") {
		t.Errorf("api should depend on the data tier, got %v", cf.Services["api"].DependsOn)
	}
	if !cf.Networks["demo-net"].External {
		t.Error("pre-created network should be external")
	}

	if err := o.StopAll(ctx, time.Second); err != nil {
		t.Fatalf("StopAll() error: %v", err)
	}
	if engine.Called("compose-down demo") != 1 {
		t.Error("StopAll after compose should run compose down")
	}
}

func TestStopAll_ReverseOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := testutil.NewFakeEngine()
	o := newOrchestrator(t, engine)
	for _, name := range []string{"db", "cache", "api"} {
		if err := o.Start(ctx, Descriptor{Name: name, Image: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := o.StopAll(ctx, time.Second); err != nil {
		t.Fatalf("StopAll() error: %v", err)
	}
	var stops []string
	for _, c := range engine.CallLog() {
		if name, ok := strings.CutPrefix(c, "stop "); ok {
			stops = append(stops, name)
		}
	}
	if !slices.Equal(stops, []string{"demo-api", "demo-cache", "demo-db"}) {
		t.Errorf("stop order = %v", stops)
	}
	if len(o.Started()) != 0 {
		t.Error("Started() should be empty after StopAll")
	}
}

func TestStop_MissingIsNotAnError(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, testutil.NewFakeEngine())
	if err := o.Stop(context.Background(), "ghost", time.Second); err != nil {
		t.Errorf("Stop() on a missing container = %v", err)
	}
}

func TestStopProject_FindsEarlierSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := testutil.NewFakeEngine()
	earlier := newOrchestrator(t, engine, WithSessionID("crashed"))
	if err := earlier.Start(ctx, Descriptor{Name: "db", Image: "x"}); err != nil {
		t.Fatal(err)
	}

	names, err := newOrchestrator(t, engine).StopProject(ctx, time.Second)
	if err != nil {
		t.Fatalf("StopProject() error: %v", err)
	}
	if !slices.Equal(names, []string{"demo-db"}) {
		t.Errorf("StopProject() = %v", names)
	}
	if _, ok := engine.Containers["demo-db"]; ok {
		t.Error("container should be removed")
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := testutil.NewFakeEngine()
	o := newOrchestrator(t, engine)

	st, err := o.Status(ctx, "db")
	if err != nil || st.Health != container.HealthMissing || st.Running {
		t.Errorf("missing container: %+v, %v", st, err)
	}

	engine.SetState("demo-db", container.ContainerState{Status: "running", Running: true, Health: "starting"})
	st, _ = o.Status(ctx, "db")
	if !st.Running || st.Health != container.HealthStarting {
		t.Errorf("starting container: %+v", st)
	}
}

func TestWaitStarted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("healthy after starting", func(t *testing.T) {
		t.Parallel()
		engine := testutil.NewFakeEngine()
		engine.SetState("demo-db", container.ContainerState{Status: "running", Running: true, Health: "healthy"})
		engine.InspectQueue["demo-db"] = []container.ContainerState{
			{Status: "created"},
			{Status: "running", Running: true, Health: "starting"},
		}
		if err := newOrchestrator(t, engine).WaitStarted(ctx, "db", 5*time.Second); err != nil {
			t.Errorf("WaitStarted() error: %v", err)
		}
		if n := engine.Called("inspect demo-db"); n < 3 {
			t.Errorf("inspected %d times, want at least 3", n)
		}
	})

	t.Run("exited fails fast", func(t *testing.T) {
		t.Parallel()
		engine := testutil.NewFakeEngine()
		engine.SetState("demo-db", container.ContainerState{Status: "exited", ExitCode: 1})
		start := time.Now()
		err := newOrchestrator(t, engine).WaitStarted(ctx, "db", 5*time.Second)
		if got := issue.IssueOf(err); got == nil || got.Id() != issue.ServiceStartFailedId {
			t.Fatalf("WaitStarted() = %v, want ServiceStartFailedId", err)
		}
		if !strings.Contains(err.Error(), "exited with code 1") {
			t.Errorf("error should carry the exit code: %v", err)
		}
		if time.Since(start) > 2*time.Second {
			t.Error("an exited container should not be polled until the timeout")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		engine := testutil.NewFakeEngine()
		err := newOrchestrator(t, engine).WaitStarted(ctx, "db", 30*time.Millisecond)
		if !errors.Is(err, errNotStarted) {
			t.Errorf("WaitStarted() = %v, want errNotStarted in chain", err)
		}
	})
}
