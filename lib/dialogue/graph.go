// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialogue

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/courier/lib/model"
	"github.com/bureau-foundation/courier/lib/protocol"
)

// ErrInvalidGraph is returned when a graph does not describe a
// well-formed dialogue.
var ErrInvalidGraph = errors.New("dialogue: invalid graph")

// NoParent marks an entry edge: one that starts a conversation
// without leaving any state.
const NoParent = -1

// Node is a conversation state.
type Node struct {
	Name        string
	Description string
	// Initial marks the state a conversation starts in. At most one
	// node may be initial, and only when no edge is parentless.
	Initial bool
}

// Edge is a transition between states, taken by sending Model.
type Edge struct {
	Name        string
	Description string
	// Parent is the node index the edge leaves, or NoParent.
	Parent int
	// Child is the node index the edge enters.
	Child int
	// Model is an example value of the message type.
	Model any
	// Func, when set, runs before the registered edge handler and
	// cannot be replaced by OnEdge.
	Func protocol.Handler
}

// Graph is an arena of nodes and edges referenced by index.
type Graph struct {
	nodes []Node
	edges []Edge
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// AddNode appends a node and returns its index.
func (g *Graph) AddNode(name, description string, initial bool) int {
	g.nodes = append(g.nodes, Node{Name: name, Description: description, Initial: initial})
	return len(g.nodes) - 1
}

// AddEdge appends an edge and returns its index.
func (g *Graph) AddEdge(edge Edge) int {
	g.edges = append(g.edges, edge)
	return len(g.edges) - 1
}

// Node returns the node at index.
func (g *Graph) Node(index int) Node { return g.nodes[index] }

// Edge returns the edge at index.
func (g *Graph) Edge(index int) Edge { return g.edges[index] }

// compiled is the topology derived from a Graph.
type compiled struct {
	nodes   []Node
	edges   []Edge
	digests []string

	starter int
	final   []bool
	ender   []bool
	// rules maps an edge index to the edges that may follow it.
	rules [][]int

	byName   map[string]int
	byDigest map[string]int
}

func compile(g *Graph) (*compiled, error) {
	if g == nil || len(g.edges) == 0 {
		return nil, fmt.Errorf("%w: no edges", ErrInvalidGraph)
	}
	c := &compiled{
		nodes:    append([]Node(nil), g.nodes...),
		edges:    append([]Edge(nil), g.edges...),
		digests:  make([]string, len(g.edges)),
		final:    make([]bool, len(g.nodes)),
		ender:    make([]bool, len(g.edges)),
		rules:    make([][]int, len(g.edges)),
		byName:   make(map[string]int, len(g.edges)),
		byDigest: make(map[string]int, len(g.edges)),
	}

	outgoing := make([][]int, len(g.nodes))
	var entries []int
	for index, edge := range c.edges {
		if edge.Name == "" {
			return nil, fmt.Errorf("%w: edge %d has no name", ErrInvalidGraph, index)
		}
		if _, exists := c.byName[edge.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate edge name %q", ErrInvalidGraph, edge.Name)
		}
		if edge.Model == nil {
			return nil, fmt.Errorf("%w: edge %q has no message model", ErrInvalidGraph, edge.Name)
		}
		if edge.Child < 0 || edge.Child >= len(c.nodes) {
			return nil, fmt.Errorf("%w: edge %q child %d out of range", ErrInvalidGraph, edge.Name, edge.Child)
		}
		if edge.Parent != NoParent && (edge.Parent < 0 || edge.Parent >= len(c.nodes)) {
			return nil, fmt.Errorf("%w: edge %q parent %d out of range", ErrInvalidGraph, edge.Name, edge.Parent)
		}
		digest := model.Digest(edge.Model)
		if previous, exists := c.byDigest[digest]; exists {
			return nil, fmt.Errorf("%w: edges %q and %q carry the same message %s",
				ErrInvalidGraph, c.edges[previous].Name, edge.Name, model.Name(edge.Model))
		}
		c.byName[edge.Name] = index
		c.byDigest[digest] = index
		c.digests[index] = digest

		if edge.Parent == NoParent {
			entries = append(entries, index)
		} else {
			outgoing[edge.Parent] = append(outgoing[edge.Parent], index)
		}
	}

	var initial []int
	for index, node := range c.nodes {
		if node.Initial {
			initial = append(initial, index)
		}
		c.final[index] = len(outgoing[index]) == 0
	}

	switch {
	case len(entries) == 1 && len(initial) == 0:
		c.starter = entries[0]
	case len(entries) == 0 && len(initial) == 1:
		if len(outgoing[initial[0]]) != 1 {
			return nil, fmt.Errorf("%w: initial node %q has %d outgoing edges, want exactly 1",
				ErrInvalidGraph, c.nodes[initial[0]].Name, len(outgoing[initial[0]]))
		}
		c.starter = outgoing[initial[0]][0]
	default:
		return nil, fmt.Errorf("%w: need exactly one entry point, have %d parentless edges and %d initial nodes",
			ErrInvalidGraph, len(entries), len(initial))
	}

	for index, edge := range c.edges {
		c.rules[index] = outgoing[edge.Child]
		c.ender[index] = c.final[edge.Child]
	}
	return c, nil
}
