// SPDX-License-Identifier: MPL-2.0

package dag

import (
	"errors"
	"slices"
	"testing"
)

// dependsOn builds a graph from service -> dependencies, adding services
// in the listed order.
func dependsOn(services []string, deps map[string][]string) *Graph {
	g := New()
	for _, s := range services {
		g.AddNode(s)
		for _, d := range deps[s] {
			g.AddDependency(s, d)
		}
	}
	return g
}

func TestLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		services []string
		deps     map[string][]string
		want     [][]string
	}{
		{
			name: "empty",
		},
		{
			name:     "independent services share a wave",
			services: []string{"db", "cache", "mail"},
			want:     [][]string{{"db", "cache", "mail"}},
		},
		{
			name:     "chain",
			services: []string{"api", "queue", "db"},
			deps:     map[string][]string{"api": {"queue"}, "queue": {"db"}},
			want:     [][]string{{"db"}, {"queue"}, {"api"}},
		},
		{
			name:     "diamond",
			services: []string{"db", "search", "cache", "api"},
			deps: map[string][]string{
				"search": {"db"},
				"cache":  {"db"},
				"api":    {"search", "cache"},
			},
			want: [][]string{{"db"}, {"search", "cache"}, {"api"}},
		},
		{
			name:     "dependency declared before it is listed",
			services: []string{"model", "db"},
			deps:     map[string][]string{"model": {"db"}},
			want:     [][]string{{"db"}, {"model"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := dependsOn(tt.services, tt.deps).Levels()
			if err != nil {
				t.Fatalf("Levels() error: %v", err)
			}
			if !slices.EqualFunc(got, tt.want, slices.Equal[[]string]) {
				t.Errorf("Levels() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTopologicalSort_FlattensLevels(t *testing.T) {
	t.Parallel()

	g := dependsOn([]string{"api", "db", "cache"}, map[string][]string{"api": {"db", "cache"}})
	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort() error: %v", err)
	}
	if want := []string{"db", "cache", "api"}; !slices.Equal(order, want) {
		t.Errorf("TopologicalSort() = %v, want %v", order, want)
	}
}

func TestLevels_Cycle(t *testing.T) {
	t.Parallel()

	g := dependsOn([]string{"db", "api", "worker", "web"}, map[string][]string{
		"api":    {"worker"},
		"worker": {"api"},
		"web":    {"api"},
	})
	_, err := g.Levels()
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("Levels() error = %v, want ErrCycle", err)
	}
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("error %T is not a *CycleError", err)
	}
	// db is free; web is stuck behind the cycle.
	if want := []string{"api", "worker", "web"}; !slices.Equal(cycleErr.Cycle, want) {
		t.Errorf("Cycle = %v, want %v", cycleErr.Cycle, want)
	}
}

func TestAddNode_Idempotent(t *testing.T) {
	t.Parallel()

	g := New()
	g.AddNode("db")
	g.AddNode("db")
	g.AddDependency("api", "db")
	if !g.Has("api") || !g.Has("db") || g.Has("cache") {
		t.Error("Has() does not reflect the added services")
	}
	levels, err := g.Levels()
	if err != nil {
		t.Fatalf("Levels() error: %v", err)
	}
	if len(levels) != 2 || len(levels[0]) != 1 {
		t.Errorf("Levels() = %v, want db then api", levels)
	}
}
