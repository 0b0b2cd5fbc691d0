package project

import (
	"fmt"
	"sort"
	"strings"
)

// CyclicDependencyError reports a depends_on cycle in a manifest.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic sandbox dependency: %s", strings.Join(e.Cycle, " -> "))
}

// StartOrder returns the sandboxes grouped into levels: every sandbox in a
// level depends only on sandboxes in earlier levels, so a level can start in
// parallel. Names within a level are sorted for deterministic output.
func (m *Manifest) StartOrder() ([][]string, error) {
	inDegree := make(map[string]int, len(m.Sandboxes))
	dependents := make(map[string][]string, len(m.Sandboxes))
	for name := range m.Sandboxes {
		inDegree[name] = 0
	}
	for name, cfg := range m.Sandboxes {
		for _, dep := range cfg.DependsOn {
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var levels [][]string
	remaining := len(m.Sandboxes)
	current := make([]string, 0, len(m.Sandboxes))
	for name, degree := range inDegree {
		if degree == 0 {
			current = append(current, name)
		}
	}
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		remaining -= len(current)

		var next []string
		for _, name := range current {
			for _, dependent := range dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if remaining > 0 {
		return nil, &CyclicDependencyError{Cycle: m.findCycle()}
	}
	return levels, nil
}

// findCycle runs a depth-first search over depends_on edges and returns the
// first cycle found as a readable a -> b -> a trail.
func (m *Manifest) findCycle() []string {
	names := make([]string, 0, len(m.Sandboxes))
	for name := range m.Sandboxes {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(names))
	var trail []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = inStack
		trail = append(trail, name)

		deps := append([]string(nil), m.Sandboxes[name].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch state[dep] {
			case inStack:
				for i, entry := range trail {
					if entry == dep {
						cycle = append(append([]string(nil), trail[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}

		state[name] = done
		trail = trail[:len(trail)-1]
		return false
	}

	for _, name := range names {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}
