// SPDX-License-Identifier: MPL-2.0

package imagebuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/invowk/devup/internal/container"
	"github.com/invowk/devup/internal/issue"
	"github.com/invowk/devup/internal/testutil"
)

func newSpec(t *testing.T) Spec {
	t.Helper()
	dir := t.TempDir()
	testutil.MustWriteFile(t, dir, "Dockerfile", "FROM alpine\nCOPY dist /app\n")
	testutil.MustWriteFile(t, dir, "dist/index.js", "ok\n")
	return Spec{Tag: "devup/app:dev", ContextDir: dir, Dockerfile: "Dockerfile", Prerequisites: []string{"dist"}, Variant: "lite"}
}

func TestBuild_MissingDockerfileNeverInvokesEngine(t *testing.T) {
	t.Parallel()

	engine := testutil.NewFakeEngine()
	b := NewBuilder(engine)
	spec := Spec{Tag: "app:dev", ContextDir: t.TempDir(), Dockerfile: "Dockerfile"}

	_, err := b.Build(context.Background(), spec)
	if !errors.Is(err, ErrBuildPrereqMissing) {
		t.Fatalf("Build() error = %v, want ErrBuildPrereqMissing", err)
	}
	if n := engine.Called("build"); n != 0 {
		t.Errorf("engine build invoked %d times, want 0", n)
	}
	if got := issue.IssueOf(err); got == nil || got.Id() != issue.BuildPrereqMissingId {
		t.Errorf("IssueOf() = %v, want BuildPrereqMissingId", got)
	}
}

func TestCheckPrereqs_ListsEveryMissingInput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.MustWriteFile(t, dir, "Dockerfile", "FROM alpine\n")
	b := NewBuilder(testutil.NewFakeEngine())
	err := b.CheckPrereqs(Spec{Tag: "x", ContextDir: dir, Dockerfile: "Dockerfile", Prerequisites: []string{"dist", "models/weights.bin"}})

	var pm *PrereqMissingError
	if !errors.As(err, &pm) {
		t.Fatalf("CheckPrereqs() = %v, want *PrereqMissingError", err)
	}
	if len(pm.Missing) != 2 {
		t.Errorf("Missing = %v, want 2 entries", pm.Missing)
	}
}

func TestBuild_LabelsAndStreamsOutput(t *testing.T) {
	t.Parallel()

	engine := testutil.NewFakeEngine()
	engine.OnBuild = func(opts container.BuildOptions) {
		fmt.Fprintln(opts.Stdout, "STEP 1/2: FROM alpine")
	}
	var out bytes.Buffer
	b := NewBuilder(engine, WithOutput(&out, &out))
	spec := newSpec(t)

	hash, err := b.Build(context.Background(), spec)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if engine.Images[spec.Tag][HashLabel] != hash {
		t.Errorf("image label = %q, want %q", engine.Images[spec.Tag][HashLabel], hash)
	}
	if !strings.Contains(out.String(), "STEP 1/2") {
		t.Errorf("build output not streamed, got %q", out.String())
	}
}

func TestBuild_FailureCarriesDiagnostics(t *testing.T) {
	t.Parallel()

	engine := testutil.NewFakeEngine()
	engine.BuildErr = &container.CommandError{Engine: "podman", Args: []string{"build"}, Code: 125}
	engine.OnBuild = func(opts container.BuildOptions) {
		fmt.Fprintln(opts.Stderr, "Error: COPY failed: no such file")
	}
	b := NewBuilder(engine)

	_, err := b.Build(context.Background(), newSpec(t))
	if !errors.Is(err, ErrImageBuildFailed) {
		t.Fatalf("Build() error = %v, want ErrImageBuildFailed", err)
	}
	d, ok := issue.DiagnosticsOf(err)
	if !ok {
		t.Fatal("build failure should expose diagnostics")
	}
	if d.ExitCode() != 125 {
		t.Errorf("ExitCode() = %d, want 125", d.ExitCode())
	}
	if !strings.Contains(d.OutputTail(), "COPY failed") {
		t.Errorf("OutputTail() = %q", d.OutputTail())
	}
	if engine.Called("build") != 1 {
		t.Error("a failed build must not be retried")
	}
}

func TestEnsureBuilt_SkipsFreshImage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := testutil.NewFakeEngine()
	b := NewBuilder(engine)
	spec := newSpec(t)

	first, err := b.EnsureBuilt(ctx, spec, false)
	if err != nil || !first.Built {
		t.Fatalf("first EnsureBuilt() = %+v, %v; want a build", first, err)
	}
	second, err := b.EnsureBuilt(ctx, spec, false)
	if err != nil {
		t.Fatalf("second EnsureBuilt() error: %v", err)
	}
	if second.Built {
		t.Error("unchanged inputs should not rebuild")
	}
	if second.Hash != first.Hash {
		t.Error("hash should be stable across calls")
	}

	forced, err := b.EnsureBuilt(ctx, spec, true)
	if err != nil || !forced.Built {
		t.Errorf("forced EnsureBuilt() = %+v, %v", forced, err)
	}
	if engine.Called("build") != 2 {
		t.Errorf("build calls = %d, want 2", engine.Called("build"))
	}
}

func TestNeedsBuild_HashMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := testutil.NewFakeEngine()
	spec := newSpec(t)
	engine.Images[spec.Tag] = map[string]string{HashLabel: "outdated"}

	stale, _, err := NewBuilder(engine).NeedsBuild(ctx, spec)
	if err != nil {
		t.Fatalf("NeedsBuild() error: %v", err)
	}
	if !stale {
		t.Error("hash mismatch should be stale")
	}
}
