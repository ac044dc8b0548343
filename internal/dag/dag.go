// Package dag turns declared stage dependencies into an executable
// schedule: ordered layers of nodes safe to run concurrently, plus the
// cycle check applied before any new edge is persisted. It is pure and
// holds no state, so it may be called from any goroutine.
package dag

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

var (
	// ErrCycleDetected is returned when an edge would close a
	// dependency cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrUnknownDependency is returned when a node depends on a name
	// that was never declared.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDuplicateNode is returned when two nodes share a name.
	ErrDuplicateNode = errors.New("duplicate node")
)

// Node is one vertex of the dependency graph.
type Node struct {
	ID        string
	DependsOn []string
}

// Layout groups nodes into ordered layers by dependency depth: a node
// with no dependencies has depth 0, otherwise 1 + the deepest
// dependency. Nodes sharing a depth share a layer and may run
// concurrently. An empty input yields zero layers.
func Layout(nodes []Node) ([][]string, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	deps := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		if _, exists := deps[n.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		deps[n.ID] = n.DependsOn
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := deps[dep]; !ok {
				return nil, fmt.Errorf(
					"%w: %s depends on undeclared %s",
					ErrUnknownDependency, n.ID, dep)
			}
		}
	}

	depths := make(map[string]int, len(nodes))
	visiting := make(map[string]bool, len(nodes))

	var depth func(id string) (int, error)
	depth = func(id string) (int, error) {
		if d, ok := depths[id]; ok {
			return d, nil
		}
		if visiting[id] {
			return 0, fmt.Errorf("%w: at %s", ErrCycleDetected, id)
		}
		visiting[id] = true
		defer delete(visiting, id)

		d := 0
		for _, dep := range deps[id] {
			dd, err := depth(dep)
			if err != nil {
				return 0, err
			}
			if dd+1 > d {
				d = dd + 1
			}
		}
		depths[id] = d
		return d, nil
	}

	maxDepth := 0
	for _, n := range nodes {
		d, err := depth(n.ID)
		if err != nil {
			return nil, err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}

	layers := make([][]string, maxDepth+1)
	for _, n := range nodes {
		d := depths[n.ID]
		layers[d] = append(layers[d], n.ID)
	}
	for _, layer := range layers {
		sort.Strings(layer)
	}

	return layers, nil
}

// WouldCreateCycle reports whether adding the edge from → to would
// close a cycle, by walking the existing depends-on edges breadth-first
// from to: if the walk reaches from, the new edge completes a loop.
// The edges map is keyed by node id, valued by that node's
// dependencies.
func WouldCreateCycle(from, to string, edges map[string][]string) bool {
	if from == to {
		return true
	}

	queue := append([]string(nil), edges[to]...)
	seen := make(map[string]bool, len(edges))

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == from {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, edges[id]...)
	}

	return false
}

// WouldCreateCycleIDs is WouldCreateCycle over uuid-keyed edges, used
// for job-to-job dependency declarations.
func WouldCreateCycleIDs(from, to uuid.UUID, edges map[uuid.UUID][]uuid.UUID) bool {
	strEdges := make(map[string][]string, len(edges))
	for id, deps := range edges {
		out := make([]string, len(deps))
		for i, dep := range deps {
			out[i] = dep.String()
		}
		strEdges[id.String()] = out
	}
	return WouldCreateCycle(from.String(), to.String(), strEdges)
}
