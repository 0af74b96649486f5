package kdag

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/birdayz/kstorm/kgroup"
	"github.com/birdayz/kstorm/kprocessor"
	"github.com/birdayz/kstorm/krecord"
)

// NodeID is a strongly-typed identifier for graph nodes.
// NodeIDs must be non-empty and cannot contain whitespace.
type NodeID string

// Validate checks if the NodeID is valid.
// Returns ErrInvalidNodeID if the ID is empty or contains whitespace.
func (id NodeID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: NodeID cannot be empty", ErrInvalidNodeID)
	}
	if strings.ContainsAny(string(id), " \t\n\r") {
		return fmt.Errorf("%w: NodeID %q cannot contain whitespace", ErrInvalidNodeID, id)
	}
	return nil
}

// NodeKind represents the kind of node in the graph.
type NodeKind int

const (
	NodeKindSource NodeKind = iota
	NodeKindStage
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindSource:
		return "Source"
	case NodeKindStage:
		return "Stage"
	default:
		return "Unknown"
	}
}

// Node describes one source or stage. It is instantiated Parallelism times at
// submit; every instance gets its own value from NewSource or NewStage.
type Node struct {
	ID          NodeID
	Kind        NodeKind
	Parallelism int

	NewSource kprocessor.SourceBuilder
	NewStage  kprocessor.Builder

	// Streams optionally declares the output fields of each stream the node
	// emits on. When set, edges out of the node are checked against it.
	Streams map[string][]string
}

const defaultStream = krecord.DefaultStream

// Edge subscribes To to the records From emits on Stream.
type Edge struct {
	From     NodeID
	Stream   string
	To       NodeID
	Grouping kgroup.Grouping
}

// StreamName returns the subscribed stream, defaulting to krecord.DefaultStream.
func (e Edge) StreamName() string {
	if e.Stream == "" {
		return defaultStream
	}
	return e.Stream
}

func (e Edge) String() string {
	return fmt.Sprintf("%s[%s] -%s-> %s", e.From, e.StreamName(), kgroup.Describe(e.Grouping), e.To)
}

// Graph is the declarative topology: nodes plus grouped edges.
//
// A Graph is built with Builder, or assembled directly and checked with
// Validate. Once submitted it must not be modified.
type Graph struct {
	Nodes map[NodeID]*Node
	Edges []Edge

	// Deterministic node ordering (insertion order)
	NodeOrder []NodeID
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes:     make(map[NodeID]*Node),
		NodeOrder: make([]NodeID, 0),
	}
}

// AddNode adds a node to the graph.
func (g *Graph) AddNode(node *Node) error {
	if err := node.ID.Validate(); err != nil {
		return err
	}
	if _, exists := g.Nodes[node.ID]; exists {
		return fmt.Errorf("%w: %s", ErrNodeAlreadyExists, node.ID)
	}
	g.Nodes[node.ID] = node
	g.NodeOrder = append(g.NodeOrder, node.ID)
	return nil
}

// AddEdge appends an edge. Endpoints are checked by Validate, so edges may be
// declared before their nodes.
func (g *Graph) AddEdge(e Edge) {
	g.Edges = append(g.Edges, e)
}

// IDs returns all node IDs in insertion order, followed by any nodes that were
// put into Nodes directly, sorted.
func (g *Graph) IDs() []NodeID {
	ids := make([]NodeID, 0, len(g.Nodes))
	seen := make(map[NodeID]bool, len(g.Nodes))
	for _, id := range g.NodeOrder {
		if _, ok := g.Nodes[id]; ok && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	var rest []NodeID
	for id := range g.Nodes {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	slices.Sort(rest)
	return append(ids, rest...)
}

// Sources returns the IDs of all source nodes.
func (g *Graph) Sources() []NodeID {
	return g.idsOfKind(NodeKindSource)
}

// Stages returns the IDs of all stage nodes.
func (g *Graph) Stages() []NodeID {
	return g.idsOfKind(NodeKindStage)
}

func (g *Graph) idsOfKind(kind NodeKind) []NodeID {
	var out []NodeID
	for _, id := range g.IDs() {
		if n := g.Nodes[id]; n != nil && n.Kind == kind {
			out = append(out, id)
		}
	}
	return out
}

// Inbound returns the edges targeting id.
func (g *Graph) Inbound(id NodeID) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// Outbound returns the edges leaving id.
func (g *Graph) Outbound(id NodeID) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Orphans returns stages without inbound edges. They are valid but never
// receive a record.
func (g *Graph) Orphans() []NodeID {
	var out []NodeID
	for _, id := range g.Stages() {
		if len(g.Inbound(id)) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Warnings describes legal but suspicious structure: cycles and orphaned stages.
func (g *Graph) Warnings() []string {
	var out []string
	if cycle := g.FindCycle(); cycle != nil {
		out = append(out, fmt.Sprintf("cycle: %s", joinIDs(cycle, " -> ")))
	}
	if orphans := g.Orphans(); len(orphans) > 0 {
		out = append(out, fmt.Sprintf("stages without inbound edges: %s", joinIDs(orphans, ", ")))
	}
	return out
}

// Clone returns a copy of the graph structure. Nodes are shallow copies;
// builders and groupings are shared.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Nodes:     make(map[NodeID]*Node, len(g.Nodes)),
		Edges:     slices.Clone(g.Edges),
		NodeOrder: slices.Clone(g.NodeOrder),
	}
	for id, n := range g.Nodes {
		cp := *n
		cp.Streams = maps.Clone(n.Streams)
		c.Nodes[id] = &cp
	}
	return c
}

func (g *Graph) children(id NodeID) []NodeID {
	var out []NodeID
	for _, e := range g.Edges {
		if e.From == id && !slices.Contains(out, e.To) {
			if _, ok := g.Nodes[e.To]; ok {
				out = append(out, e.To)
			}
		}
	}
	slices.Sort(out)
	return out
}

func joinIDs(ids []NodeID, sep string) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = string(id)
	}
	return strings.Join(strs, sep)
}
