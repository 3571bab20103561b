package dag

import (
	"fmt"
	"sort"
)

// ValidationError reports a structural defect that makes the graph
// unusable as a DAG: a cycle, or the absence of any root node.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid DAG: %s", e.Reason)
}

// Graph is a directed acyclic graph over string node IDs, stored as an
// adjacency map from node ID to its successor IDs. Successor order is
// insertion order, which keeps traversal deterministic.
type Graph struct {
	succ map[string][]string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{succ: make(map[string][]string)}
}

// FromMap builds a graph from an adjacency map {node: [successors]}.
// All nodes are created first, then edges, so forward references within
// the map are fine. Edge insertion order follows sorted node IDs to keep
// the result deterministic.
func FromMap(adjacency map[string][]string) (*Graph, error) {
	g := New()
	nodes := make([]string, 0, len(adjacency))
	for node := range adjacency {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if err := g.AddNode(node); err != nil {
			return nil, err
		}
	}
	for _, node := range nodes {
		for _, next := range adjacency[node] {
			if err := g.AddEdge(node, next); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// AddNode adds a new node with no edges.
func (g *Graph) AddNode(id string) error {
	if _, ok := g.succ[id]; ok {
		return fmt.Errorf("node %q already exists", id)
	}
	g.succ[id] = nil
	return nil
}

// DeleteNode removes a node and every edge referencing it.
func (g *Graph) DeleteNode(id string) error {
	if _, ok := g.succ[id]; !ok {
		return fmt.Errorf("node %q does not exist", id)
	}
	delete(g.succ, id)
	for node, successors := range g.succ {
		g.succ[node] = remove(successors, id)
	}
	return nil
}

// AddEdge adds a directed edge from predecessor to successor. The
// mutation is transactional: if the new edge introduces a cycle, it is
// removed again and a *ValidationError is returned.
func (g *Graph) AddEdge(predecessor, successor string) error {
	if _, ok := g.succ[predecessor]; !ok {
		return fmt.Errorf("node %q does not exist", predecessor)
	}
	if _, ok := g.succ[successor]; !ok {
		return fmt.Errorf("node %q does not exist", successor)
	}
	if contains(g.succ[predecessor], successor) {
		return nil
	}
	g.succ[predecessor] = append(g.succ[predecessor], successor)
	if err := g.Validate(); err != nil {
		g.succ[predecessor] = remove(g.succ[predecessor], successor)
		return err
	}
	return nil
}

// DeleteEdge removes the edge from predecessor to successor.
func (g *Graph) DeleteEdge(predecessor, successor string) error {
	if !contains(g.succ[predecessor], successor) {
		return fmt.Errorf("edge %q -> %q does not exist", predecessor, successor)
	}
	g.succ[predecessor] = remove(g.succ[predecessor], successor)
	return nil
}

// HasNode reports whether the node exists in the graph.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.succ[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.succ)
}

// Nodes returns all node IDs in sorted order.
func (g *Graph) Nodes() []string {
	nodes := make([]string, 0, len(g.succ))
	for node := range g.succ {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}

// Successors returns the successors of a node in edge insertion order.
func (g *Graph) Successors(id string) ([]string, error) {
	successors, ok := g.succ[id]
	if !ok {
		return nil, fmt.Errorf("node %q does not exist", id)
	}
	out := make([]string, len(successors))
	copy(out, successors)
	return out, nil
}

// Predecessors returns every node that has an edge pointing to id.
func (g *Graph) Predecessors(id string) ([]string, error) {
	if _, ok := g.succ[id]; !ok {
		return nil, fmt.Errorf("node %q does not exist", id)
	}
	var preds []string
	for _, node := range g.Nodes() {
		if contains(g.succ[node], id) {
			preds = append(preds, node)
		}
	}
	return preds, nil
}

// Roots returns all nodes without a predecessor, in sorted order.
func (g *Graph) Roots() []string {
	hasPred := make(map[string]bool)
	for _, successors := range g.succ {
		for _, next := range successors {
			hasPred[next] = true
		}
	}
	var roots []string
	for _, node := range g.Nodes() {
		if !hasPred[node] {
			roots = append(roots, node)
		}
	}
	return roots
}

// Leaves returns all nodes without a successor, in sorted order.
func (g *Graph) Leaves() []string {
	var leaves []string
	for _, node := range g.Nodes() {
		if len(g.succ[node]) == 0 {
			leaves = append(leaves, node)
		}
	}
	return leaves
}

// Validate checks that the graph has at least one root and no cycle.
func (g *Graph) Validate() error {
	if _, err := g.TopSort(); err != nil {
		return err
	}
	return nil
}

// IsValid reports whether Validate succeeds.
func (g *Graph) IsValid() bool {
	return g.Validate() == nil
}

// TopSort returns a topological ordering of the nodes using Kahn's
// algorithm on a working copy: repeatedly take a node from the root
// set, drop its outgoing edges and enqueue any successor that loses its
// last predecessor. Edges left over when the queue empties mean the
// graph is cyclic.
func (g *Graph) TopSort() ([]string, error) {
	roots := g.Roots()
	if len(roots) == 0 {
		return nil, &ValidationError{Reason: "no root node found"}
	}

	inDegree := make(map[string]int, len(g.succ))
	for node := range g.succ {
		inDegree[node] = 0
	}
	edges := 0
	for _, successors := range g.succ {
		for _, next := range successors {
			inDegree[next]++
			edges++
		}
	}

	queue := append([]string(nil), roots...)
	sorted := make([]string, 0, len(g.succ))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, next := range g.succ[node] {
			edges--
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if edges > 0 {
		return nil, &ValidationError{Reason: "graph is not acyclic"}
	}
	return sorted, nil
}

// AsMap returns a copy of the adjacency map. Successor lists are always
// non-nil so the map round-trips cleanly through JSON.
func (g *Graph) AsMap() map[string][]string {
	out := make(map[string][]string, len(g.succ))
	for node, successors := range g.succ {
		list := make([]string, len(successors))
		copy(list, successors)
		out[node] = list
	}
	return out
}

// Copy returns a deep copy of the graph.
func (g *Graph) Copy() *Graph {
	return &Graph{succ: g.AsMap()}
}

func contains(list []string, id string) bool {
	for _, item := range list {
		if item == id {
			return true
		}
	}
	return false
}

func remove(list []string, id string) []string {
	out := list[:0]
	for _, item := range list {
		if item != id {
			out = append(out, item)
		}
	}
	return out
}
