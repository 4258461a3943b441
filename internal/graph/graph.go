// Package graph provides the subtask dependency graph used to validate a plan
// and derive its execution order.
package graph

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/steward/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the plan.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed graph of subtask dependencies. Subtasks are
// nodes, and edges represent "runs after" relationships.
type DependencyGraph struct {
	// order preserves the plan's list position of each subtask.
	order []string
	// position maps subtask ID to its list index.
	position map[string]int
	// edges maps subtask ID to the IDs it depends on.
	edges map[string][]string
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		position: make(map[string]int),
		edges:    make(map[string][]string),
	}
}

// Build constructs the graph from the plan's subtasks.
// Returns an error if a dependency references an unknown subtask or a cycle is found.
func (g *DependencyGraph) Build(subtasks []models.Subtask) error {
	for i, s := range subtasks {
		g.order = append(g.order, s.ID)
		g.position[s.ID] = i
		g.edges[s.ID] = nil
	}

	for _, s := range subtasks {
		for _, dep := range s.DependsOn {
			if _, ok := g.position[dep]; !ok {
				return fmt.Errorf("subtask %s depends on unknown subtask %s", s.ID, dep)
			}
			g.edges[s.ID] = append(g.edges[s.ID], dep)
		}
	}

	if g.HasCycle() {
		return ErrCycleDetected
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) HasCycle() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.order))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case 1:
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// ReadyOrder returns subtask IDs in execution order: a subtask becomes ready
// once all its dependencies have been emitted, and among ready subtasks the
// one earliest in the plan goes first. A plan already sorted by its
// dependencies comes back unchanged.
func (g *DependencyGraph) ReadyOrder() ([]string, error) {
	if g.HasCycle() {
		return nil, ErrCycleDetected
	}

	emitted := make(map[string]bool, len(g.order))
	result := make([]string, 0, len(g.order))

	for len(result) < len(g.order) {
		progressed := false
		for _, id := range g.order {
			if emitted[id] || !g.depsEmitted(id, emitted) {
				continue
			}
			emitted[id] = true
			result = append(result, id)
			progressed = true
			// Restart from the top so earlier subtasks unblocked by this
			// one keep their priority.
			break
		}
		if !progressed {
			return nil, ErrCycleDetected
		}
	}
	return result, nil
}

func (g *DependencyGraph) depsEmitted(id string, emitted map[string]bool) bool {
	for _, dep := range g.edges[id] {
		if !emitted[dep] {
			return false
		}
	}
	return true
}

// Order returns a copy of the plan with its subtasks rearranged into ready
// order. The input plan is not modified.
func Order(plan *models.Plan) (*models.Plan, error) {
	g := New()
	if err := g.Build(plan.Subtasks); err != nil {
		return nil, err
	}
	ids, err := g.ReadyOrder()
	if err != nil {
		return nil, err
	}

	out := plan.Clone()
	for i, id := range ids {
		out.Subtasks[i] = plan.Subtasks[g.position[id]].Clone()
	}
	return out, nil
}
