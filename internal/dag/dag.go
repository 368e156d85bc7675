// SPDX-License-Identifier: MPL-2.0

// Package dag orders service containers by their dependencies. Edges point
// from a dependency to its dependent, so a topological order is a valid
// start order and its reverse a valid stop order.
package dag

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCycle is the sentinel wrapped by CycleError.
var ErrCycle = errors.New("dependency cycle")

type (
	// CycleError indicates that the graph contains a cycle, preventing topological ordering.
	CycleError struct {
		// Cycle contains the nodes left with unresolved dependencies. It covers
		// the cycle and anything that depends on it.
		Cycle []string
	}

	// Graph is a directed graph for topological sorting.
	// An edge from A to B means A must be started before B.
	Graph struct {
		// adjacency maps each node to its dependents.
		adjacency map[string][]string
		// nodes tracks all nodes in insertion order for deterministic output.
		nodes   []string
		nodeSet map[string]bool
	}
)

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		adjacency: make(map[string][]string),
		nodeSet:   make(map[string]bool),
	}
}

// AddNode adds a node to the graph. If the node already exists, this is a no-op.
func (g *Graph) AddNode(name string) {
	if g.nodeSet[name] {
		return
	}
	g.nodeSet[name] = true
	g.nodes = append(g.nodes, name)
}

// AddEdge adds a directed edge from -> to, meaning "from" must start before "to".
// Both nodes are implicitly added if they don't exist.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	g.adjacency[from] = append(g.adjacency[from], to)
}

// AddDependency records that node depends on dep.
func (g *Graph) AddDependency(node, dep string) {
	g.AddEdge(dep, node)
}

// Has reports whether name was added.
func (g *Graph) Has(name string) bool {
	return g.nodeSet[name]
}

// TopologicalSort returns a valid start order using Kahn's algorithm.
// Returns CycleError if the graph contains a cycle.
// Nodes at the same topological level appear in insertion order.
func (g *Graph) TopologicalSort() ([]string, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	var result []string
	for _, level := range levels {
		result = append(result, level...)
	}
	return result, nil
}

// Levels groups nodes into waves: every node's dependencies are in an
// earlier wave, so nodes within a wave can start together.
func (g *Graph) Levels() ([][]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.nodes))
	for _, node := range g.nodes {
		inDegree[node] = 0
	}
	for _, neighbors := range g.adjacency {
		for _, neighbor := range neighbors {
			inDegree[neighbor]++
		}
	}

	var current []string
	for _, node := range g.nodes {
		if inDegree[node] == 0 {
			current = append(current, node)
		}
	}

	var levels [][]string
	seen := 0
	for len(current) > 0 {
		levels = append(levels, current)
		seen += len(current)

		ready := make(map[string]bool)
		for _, node := range current {
			for _, neighbor := range g.adjacency[node] {
				inDegree[neighbor]--
				if inDegree[neighbor] == 0 {
					ready[neighbor] = true
				}
			}
		}
		var next []string
		for _, node := range g.nodes {
			if ready[node] {
				next = append(next, node)
			}
		}
		current = next
	}

	if seen != len(g.nodes) {
		var cycleNodes []string
		for _, node := range g.nodes {
			if inDegree[node] > 0 {
				cycleNodes = append(cycleNodes, node)
			}
		}
		return nil, &CycleError{Cycle: cycleNodes}
	}

	return levels, nil
}
