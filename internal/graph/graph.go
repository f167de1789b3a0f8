// Package graph validates workflow step dependencies and groups steps into
// levels that can run concurrently.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found between steps.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownDependency indicates a step depends on a key that is not defined.
var ErrUnknownDependency = errors.New("unknown dependency")

// DefinitionError describes why a set of steps cannot form a valid graph.
// It wraps one of ErrCycleDetected, ErrUnknownDependency or
// models.ErrDuplicateStepKey.
type DefinitionError struct {
	// Step is the offending step key, if any.
	Step string
	// Dependency is the unresolved dependency key for ErrUnknownDependency.
	Dependency string
	// Cycle lists the step keys on the detected cycle, in dependency order.
	Cycle []string
	Err   error
}

func (e *DefinitionError) Error() string {
	switch {
	case len(e.Cycle) > 0:
		return fmt.Sprintf("%v: %s -> %s", e.Err, strings.Join(e.Cycle, " -> "), e.Cycle[0])
	case e.Dependency != "":
		return fmt.Sprintf("step %s: %v %s", e.Step, e.Err, e.Dependency)
	case e.Step != "":
		return fmt.Sprintf("step %s: %v", e.Step, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// DependencyGraph is a validated, acyclic graph of workflow steps.
// Edges point from a step to the steps it depends on. A graph is immutable
// once built and safe for concurrent reads.
type DependencyGraph struct {
	// order is the definition order of step keys.
	order []string
	// nodes maps step key to the step itself.
	nodes map[string]*models.Step
	// edges maps step key to the keys it depends on.
	edges map[string][]string
	// levels groups keys by level, definition order within a level.
	levels  [][]string
	levelOf map[string]int
}

// Build constructs the dependency graph from steps. It returns a
// *DefinitionError if a key is duplicated, a dependency references an
// unknown step, or the dependencies form a cycle.
func Build(steps []models.Step) (*DependencyGraph, error) {
	g := &DependencyGraph{
		order:   make([]string, 0, len(steps)),
		nodes:   make(map[string]*models.Step, len(steps)),
		edges:   make(map[string][]string, len(steps)),
		levelOf: make(map[string]int, len(steps)),
	}

	// First pass: register all steps as nodes.
	for i := range steps {
		step := &steps[i]
		if step.Key == "" {
			return nil, &DefinitionError{Err: fmt.Errorf("step %d has no key", i)}
		}
		if _, dup := g.nodes[step.Key]; dup {
			return nil, &DefinitionError{Step: step.Key, Err: models.ErrDuplicateStepKey}
		}
		g.nodes[step.Key] = step
		g.order = append(g.order, step.Key)
	}

	// Second pass: build edges from DependsOn.
	for _, key := range g.order {
		for _, dep := range g.nodes[key].DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &DefinitionError{Step: key, Dependency: dep, Err: ErrUnknownDependency}
			}
			g.edges[key] = append(g.edges[key], dep)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &DefinitionError{Step: cycle[0], Cycle: cycle, Err: ErrCycleDetected}
	}

	g.assignLevels()
	return g, nil
}

// findCycle runs a depth-first search with white/grey/black colouring and
// returns the keys of the first cycle found, or nil.
func (g *DependencyGraph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	colors := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(key string) []string
	visit = func(key string) []string {
		colors[key] = grey
		stack = append(stack, key)

		for _, dep := range g.edges[key] {
			switch colors[dep] {
			case grey:
				// Back edge: the cycle is the stack from dep onwards.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						return append([]string(nil), stack[i:]...)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[key] = black
		return nil
	}

	for _, key := range g.order {
		if colors[key] == white {
			if cycle := visit(key); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// assignLevels places each step one level above its deepest dependency.
// Must only be called on an acyclic graph.
func (g *DependencyGraph) assignLevels() {
	var level func(key string) int
	level = func(key string) int {
		if l, ok := g.levelOf[key]; ok {
			return l
		}
		l := 0
		for _, dep := range g.edges[key] {
			if d := level(dep) + 1; d > l {
				l = d
			}
		}
		g.levelOf[key] = l
		return l
	}

	for _, key := range g.order {
		l := level(key)
		for len(g.levels) <= l {
			g.levels = append(g.levels, nil)
		}
	}
	for _, key := range g.order {
		l := g.levelOf[key]
		g.levels[l] = append(g.levels[l], key)
	}
}

// Levels returns step keys grouped by level. Level 0 holds steps without
// dependencies; every step's dependencies lie in strictly lower levels.
func (g *DependencyGraph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, lvl := range g.levels {
		out[i] = append([]string(nil), lvl...)
	}
	return out
}

// Level returns the keys in level i, or nil if i is out of range.
func (g *DependencyGraph) Level(i int) []string {
	if i < 0 || i >= len(g.levels) {
		return nil
	}
	return append([]string(nil), g.levels[i]...)
}

// NumLevels returns the number of levels.
func (g *DependencyGraph) NumLevels() int {
	return len(g.levels)
}

// LevelOf returns the level of a step.
func (g *DependencyGraph) LevelOf(key string) (int, bool) {
	l, ok := g.levelOf[key]
	return l, ok
}

// TopologicalSort returns step keys so that every step follows its
// dependencies. Steps are ordered by level, then definition order.
func (g *DependencyGraph) TopologicalSort() []string {
	out := make([]string, 0, len(g.order))
	for _, lvl := range g.levels {
		out = append(out, lvl...)
	}
	return out
}

// FirstUnresolvedLevel returns the lowest level containing a step that is
// not in resolved. It returns NumLevels() when every step is resolved.
func (g *DependencyGraph) FirstUnresolvedLevel(resolved map[string]bool) int {
	for i, lvl := range g.levels {
		for _, key := range lvl {
			if !resolved[key] {
				return i
			}
		}
	}
	return len(g.levels)
}

// Step returns the step for a key, or nil if not found.
func (g *DependencyGraph) Step(key string) *models.Step {
	return g.nodes[key]
}

// Keys returns step keys in definition order.
func (g *DependencyGraph) Keys() []string {
	return append([]string(nil), g.order...)
}

// Size returns the number of steps in the graph.
func (g *DependencyGraph) Size() int {
	return len(g.nodes)
}

// Dependencies returns the keys the given step depends on.
func (g *DependencyGraph) Dependencies(key string) []string {
	return append([]string(nil), g.edges[key]...)
}

// Dependents returns the keys of steps that depend on the given step, in
// definition order.
func (g *DependencyGraph) Dependents(key string) []string {
	var dependents []string
	for _, id := range g.order {
		for _, dep := range g.edges[id] {
			if dep == key {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}
