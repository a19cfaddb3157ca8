// Package graph orders named nodes by their dependencies.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports a dependency cycle. Path starts and ends with the same
// node, e.g. [a b a].
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "cycle detected: " + strings.Join(e.Path, " → ")
}

// Nodes returns the distinct nodes taking part in the cycle, sorted.
func (e *CycleError) Nodes() []string {
	seen := make(map[string]bool, len(e.Path))
	var out []string
	for _, n := range e.Path {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// UnknownError reports a dependency on a node that was not declared.
type UnknownError struct {
	Node       string
	Dependency string
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("%q depends on unknown %q", e.Node, e.Dependency)
}

// Sort returns nodes in dependency order: every node appears after all of
// its dependencies. deps maps a node to the nodes it depends on. When several
// nodes are ready at once the lexicographically smallest goes first, so the
// result is stable for a given graph.
func Sort(nodes []string, deps map[string][]string) ([]string, error) {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n] = true
	}

	// pending counts unresolved dependencies; dependents is the reverse edge set.
	pending := make(map[string]int, len(known))
	dependents := make(map[string][]string, len(known))
	for n := range known {
		seen := make(map[string]bool)
		for _, d := range deps[n] {
			if !known[d] {
				return nil, &UnknownError{Node: n, Dependency: d}
			}
			if seen[d] {
				continue
			}
			seen[d] = true
			pending[n]++
			dependents[d] = append(dependents[d], n)
		}
	}

	var ready []string
	for n := range known {
		if pending[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(known))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		for _, m := range dependents[n] {
			pending[m]--
			if pending[m] == 0 {
				ready = insertSorted(ready, m)
			}
		}
	}

	if len(order) == len(known) {
		return order, nil
	}

	var stuck []string
	for n := range known {
		if pending[n] > 0 {
			stuck = append(stuck, n)
		}
	}
	sort.Strings(stuck)
	return nil, &CycleError{Path: findCycle(stuck, deps, pending)}
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// findCycle walks the unresolved subgraph depth-first and returns the first
// cycle it closes. Every unresolved node has at least one unresolved
// dependency, so a cycle always exists.
func findCycle(stuck []string, deps map[string][]string, pending map[string]int) []string {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(stuck))
	var stack []string

	var dfs func(n string) []string
	dfs = func(n string) []string {
		state[n] = visiting
		stack = append(stack, n)

		next := append([]string(nil), deps[n]...)
		sort.Strings(next)
		for _, d := range next {
			if pending[d] == 0 {
				continue
			}
			switch state[d] {
			case visiting:
				for i, s := range stack {
					if s == d {
						path := append([]string(nil), stack[i:]...)
						return append(path, d)
					}
				}
			case unvisited:
				if path := dfs(d); path != nil {
					return path
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[n] = visited
		return nil
	}

	for _, n := range stuck {
		if state[n] == unvisited {
			if path := dfs(n); path != nil {
				return path
			}
		}
	}
	return stuck
}
