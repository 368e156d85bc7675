// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"strings"
	"testing"
)

var allIds = []Id{
	EngineNotFoundId,
	EngineInstallFailedId,
	AutoInstallUnsupportedId,
	BuildPrereqMissingId,
	ImageBuildFailedId,
	PortConflictId,
	ServiceStartFailedId,
	ProcessStartupTimeoutId,
	ProcessCrashedId,
	ConfigLoadFailedId,
	DependencyCycleId,
}

// stubRender replaces glamour so tests can assert on the raw Markdown.
// Tests using it must not run in parallel.
func stubRender(t *testing.T) {
	t.Helper()
	orig := render
	render = func(in, _ string) (string, error) { return in, nil }
	t.Cleanup(func() { render = orig })
}

func TestGet(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id       Id
		contains string
	}{
		{EngineNotFoundId, "No container engine found"},
		{EngineInstallFailedId, "installation failed"},
		{AutoInstallUnsupportedId, "without WSL"},
		{BuildPrereqMissingId, "prerequisites are missing"},
		{ImageBuildFailedId, "Image build failed"},
		{PortConflictId, "Port conflict"},
		{ServiceStartFailedId, "failed to start"},
		{ProcessStartupTimeoutId, "ready in time"},
		{ProcessCrashedId, "exited unexpectedly"},
		{ConfigLoadFailedId, "Failed to load configuration"},
		{DependencyCycleId, "dependency cycle"},
	}

	for _, tt := range tests {
		t.Run(tt.contains, func(t *testing.T) {
			t.Parallel()
			got := Get(tt.id)
			if got == nil {
				t.Fatalf("Get(%d) returned nil", tt.id)
			}
			if got.Id() != tt.id {
				t.Errorf("Id() = %d, want %d", got.Id(), tt.id)
			}
			if !strings.Contains(string(got.MarkdownMsg()), tt.contains) {
				t.Errorf("Get(%d).MarkdownMsg() should contain %q", tt.id, tt.contains)
			}
		})
	}

	if Get(Id(9999)) != nil {
		t.Error("Get(9999) should return nil")
	}
}

func TestValues(t *testing.T) {
	t.Parallel()

	values := Values()
	if len(values) != len(allIds) {
		t.Fatalf("Values() returned %d issues, want %d", len(values), len(allIds))
	}
	seen := make(map[Id]bool)
	for _, is := range values {
		if is.Id() == 0 {
			t.Error("found issue with ID 0")
		}
		if seen[is.Id()] {
			t.Errorf("duplicate issue %d", is.Id())
		}
		seen[is.Id()] = true
	}
	for _, id := range allIds {
		if !seen[id] {
			t.Errorf("issue %d missing from catalog", id)
		}
	}
}

func TestIssue_LinksAreCopies(t *testing.T) {
	t.Parallel()

	is := Get(EngineNotFoundId)
	links := is.ExtLinks()
	if len(links) == 0 {
		t.Fatal("expected external links")
	}
	links[0] = "mutated"
	if is.ExtLinks()[0] == "mutated" {
		t.Error("ExtLinks() must return a copy")
	}
}

//nolint:paralleltest // mutates package-level render
func TestIssue_Render(t *testing.T) {
	stubRender(t)

	withLinks := &Issue{
		id:       Id(9999),
		mdMsg:    "# Test\n\nbody",
		docLinks: []HttpLink{"https://docs.example.com"},
		extLinks: []HttpLink{"https://external.example.com"},
	}
	out, err := withLinks.Render("")
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	for _, want := range []string{"See also", "<https://docs.example.com>", "<https://external.example.com>"} {
		if !strings.Contains(out, want) {
			t.Errorf("Render() missing %q", want)
		}
	}

	bare := &Issue{id: Id(9998), mdMsg: "# Test\n\nno links"}
	out, err = bare.Render("")
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if strings.Contains(out, "See also") {
		t.Error("Render() without links should not contain 'See also'")
	}
}

//nolint:paralleltest // mutates package-level render
func TestAllIssuesAreRenderable(t *testing.T) {
	stubRender(t)

	for _, is := range Values() {
		out, err := is.Render("")
		if err != nil {
			t.Errorf("issue %d failed to render: %v", is.Id(), err)
		}
		if strings.TrimSpace(out) == "" {
			t.Errorf("issue %d rendered to empty string", is.Id())
		}
	}
}

func TestIssue_RenderWithGlamour(t *testing.T) {
	t.Parallel()

	out, err := Get(PortConflictId).Render("notty")
	if err != nil {
		t.Fatalf("Render(notty) error: %v", err)
	}
	if !strings.Contains(out, "lsof") {
		t.Errorf("rendered output should contain the code block, got:\n%s", out)
	}
}
