// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/invowk/devup/internal/config"
	"github.com/invowk/devup/internal/container"
	"github.com/invowk/devup/internal/health"
	"github.com/invowk/devup/internal/hostengine"
	"github.com/invowk/devup/internal/ports"
	"github.com/invowk/devup/internal/supervisor"
	"github.com/invowk/devup/internal/testutil"

	"github.com/charmbracelet/log"
)

type (
	// fakeSystem reports busy ports with an invisible owner.
	fakeSystem struct {
		busy []uint16
	}

	fakeResolver struct {
		calls atomic.Int32
		err   error
	}

	recordingReporter struct {
		mu      sync.Mutex
		started []Stage
		done    []Stage
		failed  []Stage
		ready   chan Snapshot
	}

	harness struct {
		runner   *Runner
		engine   *testutil.FakeEngine
		resolver *fakeResolver
		reporter *recordingReporter
		logs     *testutil.SyncBuffer
	}
)

func (f fakeSystem) Listeners(context.Context) ([]ports.Listener, error) {
	ls := make([]ports.Listener, 0, len(f.busy))
	for _, p := range f.busy {
		ls = append(ls, ports.Listener{Port: p})
	}
	return ls, nil
}

func (fakeSystem) ProcessName(context.Context, int32) string { return "" }
func (fakeSystem) Alive(context.Context, int32) bool         { return false }
func (fakeSystem) Terminate(context.Context, int32) error    { return nil }
func (fakeSystem) Kill(context.Context, int32) error         { return nil }

func (f *fakeResolver) Resolve(context.Context) (*hostengine.EngineReady, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &hostengine.EngineReady{
		Name:    container.EngineTypePodman,
		Source:  hostengine.SourceSystem,
		Path:    "/usr/bin/podman",
		Version: "5.2.1",
	}, nil
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{ready: make(chan Snapshot, 1)}
}

func (r *recordingReporter) StageStarted(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, s)
}

func (r *recordingReporter) StageDone(s Stage, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, s)
}

func (r *recordingReporter) StageFailed(s Stage, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, s)
}

func (r *recordingReporter) Ready(snap Snapshot) { r.ready <- snap }

func (r *recordingReporter) startedStages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Stage(nil), r.started...)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Project = "demo"
	cfg.Network = "demo-net"
	cfg.Engine.UseCompose = false
	cfg.Health.StartupTimeout = 5 * time.Second
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, sys fakeSystem) *harness {
	t.Helper()
	h := &harness{
		engine:   testutil.NewFakeEngine(),
		resolver: &fakeResolver{},
		reporter: newRecordingReporter(),
		logs:     &testutil.SyncBuffer{},
	}
	logger := log.New(h.logs)
	h.runner = New(cfg,
		WithLogger(logger),
		WithSessionID("s-1"),
		WithReporter(h.reporter),
		WithArbiter(ports.NewArbiter(ports.WithSystem(sys), ports.WithLogger(logger))),
		WithResolver(h.resolver),
		WithEngineFactory(func(*hostengine.EngineReady) container.Engine { return h.engine }),
		WithSupervisor(supervisor.New(
			supervisor.WithGracePeriod(time.Second),
			supervisor.WithKillTimeout(time.Second),
			supervisor.WithLogger(logger),
		)),
		WithMonitor(health.NewMonitor(
			health.WithInterval(20*time.Millisecond),
			health.WithTimeout(time.Second),
			health.WithThreshold(2),
			health.WithLogger(logger),
		)),
	)
	t.Cleanup(func() { _ = h.runner.Shutdown(context.Background()) })
	return h
}

func (h *harness) shutdownsLogged() int {
	return strings.Count(h.logs.String(), "shutdown complete")
}
