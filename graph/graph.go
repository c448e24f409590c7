// Package graph validates a subtask dependency list and indexes it for
// scheduling: cycle detection at ingestion, unmet-dependency counting, and
// runnable-set queries as nodes settle.
//
// A Graph is a pure in-memory index with no concurrency control; the
// scheduler's single loop is the only mutator.
package graph

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrCycle             = errors.New("dependency cycle")
	ErrSelfDependency    = errors.New("subtask depends on itself")
	ErrUnknownDependency = errors.New("dependency references unknown subtask")
	ErrDuplicateID       = errors.New("duplicate subtask id")
)

// Node is one subtask as the graph sees it.
type Node struct {
	ID        int
	DependsOn []int
}

// Graph tracks which nodes have settled and which are ready to run.
type Graph struct {
	dependents map[int][]int
	unmet      map[int]int
	failedDeps map[int]int
	settled    map[int]bool
	claimed    map[int]bool
	remaining  int
}

// Ingest validates the node list and builds the index. It rejects duplicate
// ids, self-references, references to absent ids, and cyclic structures.
func Ingest(nodes []Node) (*Graph, error) {
	g := &Graph{
		dependents: make(map[int][]int, len(nodes)),
		unmet:      make(map[int]int, len(nodes)),
		failedDeps: make(map[int]int, len(nodes)),
		settled:    make(map[int]bool, len(nodes)),
		claimed:    make(map[int]bool, len(nodes)),
		remaining:  len(nodes),
	}

	for _, n := range nodes {
		if _, dup := g.unmet[n.ID]; dup {
			return nil, fmt.Errorf("subtask %d: %w", n.ID, ErrDuplicateID)
		}
		g.unmet[n.ID] = len(n.DependsOn)
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return nil, fmt.Errorf("subtask %d: %w", n.ID, ErrSelfDependency)
			}
			if _, ok := g.unmet[dep]; !ok {
				return nil, fmt.Errorf("subtask %d depends on %d: %w", n.ID, dep, ErrUnknownDependency)
			}
			g.dependents[dep] = append(g.dependents[dep], n.ID)
		}
	}

	if err := checkAcyclic(nodes); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm over a scratch copy of the in-degrees.
// If a topological ordering does not cover every node, the leftovers form at
// least one cycle; the error names the smallest offending id.
func checkAcyclic(nodes []Node) error {
	indegree := make(map[int]int, len(nodes))
	dependents := make(map[int][]int, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	var queue []int
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, d := range dependents[id] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if processed == len(nodes) {
		return nil
	}

	offender := -1
	for id, deg := range indegree {
		if deg > 0 && (offender == -1 || id < offender) {
			offender = id
		}
	}
	return fmt.Errorf("subtask %d: %w", offender, ErrCycle)
}

// Runnable returns every node whose dependencies are all satisfied and that
// has not been handed out before, ascending by id. Returned ids are claimed:
// subsequent calls will not repeat them.
func (g *Graph) Runnable() []int {
	var out []int
	for id, deg := range g.unmet {
		if deg == 0 && !g.claimed[id] && g.failedDeps[id] == 0 {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	for _, id := range out {
		g.claimed[id] = true
	}
	return out
}

// Settle records a node's terminal outcome and unlocks its dependents.
// A failed node still counts as settled for counting purposes, but any
// dependent with at least one failed dependency lands in blocked rather
// than runnable. Both slices come back claimed and ascending by id.
func (g *Graph) Settle(id int, success bool) (runnable, blocked []int) {
	if g.settled[id] {
		return nil, nil
	}
	g.settled[id] = true
	g.claimed[id] = true // failed-by-propagation nodes were never handed out
	g.remaining--

	for _, d := range g.dependents[id] {
		g.unmet[d]--
		if !success {
			g.failedDeps[d]++
		}
		if g.unmet[d] == 0 && !g.claimed[d] {
			if g.failedDeps[d] > 0 {
				blocked = append(blocked, d)
			} else {
				runnable = append(runnable, d)
			}
			g.claimed[d] = true
		}
	}
	sort.Ints(runnable)
	sort.Ints(blocked)
	return runnable, blocked
}

// Settled reports whether the node has reached a terminal outcome.
func (g *Graph) Settled(id int) bool { return g.settled[id] }

// Remaining returns how many nodes have not yet settled.
func (g *Graph) Remaining() int { return g.remaining }
