package kdag

import (
	"fmt"
	"slices"
	"sort"

	"github.com/birdayz/kstorm/kgroup"
	"go.uber.org/multierr"
)

// Validation limits to prevent pathological cases
const (
	MaxNodesPerGraph = 10000
	MaxParallelism   = 4096
)

// Validate checks the whole graph and reports every violation at once. The
// returned error wraps ErrInvalidTopology and each specific sentinel, so
// errors.Is works for both.
//
// Cycles are legal: a stage may receive records derived from its own output.
func (g *Graph) Validate() error {
	if g == nil || len(g.Nodes) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTopology, ErrEmptyTopology)
	}
	if len(g.Nodes) > MaxNodesPerGraph {
		return fmt.Errorf("%w: node count %d exceeds maximum %d",
			ErrInvalidTopology, len(g.Nodes), MaxNodesPerGraph)
	}

	var err error
	err = multierr.Append(err, g.validateNodes())
	err = multierr.Append(err, g.validateEdges())

	if len(g.Sources()) == 0 {
		err = multierr.Append(err, ErrNoSources)
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTopology, err)
	}
	return nil
}

func (g *Graph) validateNodes() error {
	var err error
	for _, id := range g.IDs() {
		node := g.Nodes[id]
		if node == nil {
			err = multierr.Append(err, fmt.Errorf("%w: node %s is nil", ErrInvalidNode, id))
			continue
		}
		if node.ID != id {
			err = multierr.Append(err, fmt.Errorf("%w: node registered as %s has ID %s", ErrInvalidNode, id, node.ID))
		}
		if idErr := id.Validate(); idErr != nil {
			err = multierr.Append(err, idErr)
		}
		if node.Parallelism < 1 {
			err = multierr.Append(err, fmt.Errorf("%w: node %s has parallelism %d", ErrZeroParallelism, id, node.Parallelism))
		}
		if node.Parallelism > MaxParallelism {
			err = multierr.Append(err, fmt.Errorf("%w: node %s parallelism %d exceeds maximum %d", ErrInvalidNode, id, node.Parallelism, MaxParallelism))
		}
		switch node.Kind {
		case NodeKindSource:
			if node.NewSource == nil {
				err = multierr.Append(err, fmt.Errorf("%w: source %s has no source builder", ErrInvalidNode, id))
			}
		case NodeKindStage:
			if node.NewStage == nil {
				err = multierr.Append(err, fmt.Errorf("%w: stage %s has no stage builder", ErrInvalidNode, id))
			}
		default:
			err = multierr.Append(err, fmt.Errorf("%w: node %s has unknown kind %d", ErrInvalidNode, id, node.Kind))
		}
	}
	return err
}

type edgeKey struct {
	from, to NodeID
	stream   string
}

func (g *Graph) validateEdges() error {
	var err error
	seen := make(map[edgeKey]bool, len(g.Edges))

	for _, e := range g.Edges {
		from, fromOK := g.Nodes[e.From]
		to, toOK := g.Nodes[e.To]
		if !fromOK || from == nil {
			err = multierr.Append(err, fmt.Errorf("%w: edge %s: unknown source node %q", ErrNodeNotFound, e, e.From))
		}
		if !toOK || to == nil {
			err = multierr.Append(err, fmt.Errorf("%w: edge %s: unknown target node %q", ErrNodeNotFound, e, e.To))
		}
		if toOK && to != nil && to.Kind == NodeKindSource {
			err = multierr.Append(err, fmt.Errorf("%w: edge %s: sources cannot receive records", ErrInvalidEdge, e))
		}

		if e.Grouping == nil {
			err = multierr.Append(err, fmt.Errorf("%w: edge %s has no grouping", ErrInvalidEdge, e))
		} else if gErr := kgroup.Validate(e.Grouping); gErr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: edge %s: %w", ErrInvalidEdge, e, gErr))
		}

		key := edgeKey{from: e.From, to: e.To, stream: e.StreamName()}
		if seen[key] {
			err = multierr.Append(err, fmt.Errorf("%w: %s subscribes to stream %q of %s twice", ErrInvalidEdge, e.To, e.StreamName(), e.From))
		}
		seen[key] = true

		if fromOK && from != nil {
			err = multierr.Append(err, validateDeclaredFields(from, e))
		}
	}
	return err
}

// validateDeclaredFields checks an edge against the output fields its producer
// declared, if it declared any.
func validateDeclaredFields(from *Node, e Edge) error {
	if from.Streams == nil {
		return nil
	}
	declared, ok := from.Streams[e.StreamName()]
	if !ok {
		return fmt.Errorf("%w: %s does not declare stream %q", ErrUnknownStream, from.ID, e.StreamName())
	}
	fg, ok := e.Grouping.(kgroup.FieldsGrouping)
	if !ok {
		return nil
	}
	var err error
	for _, f := range fg.GroupingFields() {
		if !slices.Contains(declared, f) {
			err = multierr.Append(err, fmt.Errorf("%w: edge %s groups on %q, %s declares %v", ErrUnknownField, e, f, from.ID, declared))
		}
	}
	return err
}

// FindCycle returns one cycle as a path whose first and last element are the
// same node, or nil if the graph is acyclic.
func (g *Graph) FindCycle() []NodeID {
	visited := make(map[NodeID]bool, len(g.Nodes))
	recStack := make(map[NodeID]bool, len(g.Nodes))

	var dfs func(NodeID, []NodeID) []NodeID
	dfs = func(nodeID NodeID, path []NodeID) []NodeID {
		visited[nodeID] = true
		recStack[nodeID] = true
		path = append(path, nodeID)

		for _, childID := range g.children(nodeID) {
			if !visited[childID] {
				if cycle := dfs(childID, path); cycle != nil {
					return cycle
				}
			} else if recStack[childID] {
				start := slices.Index(path, childID)
				return append(slices.Clone(path[start:]), childID)
			}
		}

		recStack[nodeID] = false
		return nil
	}

	// Check all nodes (handles disconnected components)
	for _, nodeID := range g.IDs() {
		if !visited[nodeID] {
			if cycle := dfs(nodeID, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// insertSorted inserts an item into a sorted slice maintaining sort order.
func insertSorted(slice []NodeID, item NodeID) []NodeID {
	idx := sort.Search(len(slice), func(i int) bool {
		return slice[i] >= item
	})
	return slices.Insert(slice, idx, item)
}

// TopologicalOrder returns nodes in dependency order using Kahn's algorithm,
// ties broken by ID. Nodes on or behind a cycle cannot be ordered; they are
// returned separately in ID order.
func (g *Graph) TopologicalOrder() (ordered, cyclic []NodeID) {
	inDegree := make(map[NodeID]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = 0
	}
	for id := range g.Nodes {
		for _, child := range g.children(id) {
			inDegree[child]++
		}
	}

	var queue []NodeID
	for id, degree := range inDegree {
		if degree == 0 {
			queue = insertSorted(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered = append(ordered, id)

		for _, child := range g.children(id) {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = insertSorted(queue, child)
			}
		}
	}

	if len(ordered) == len(g.Nodes) {
		return ordered, nil
	}
	for id := range g.Nodes {
		if !slices.Contains(ordered, id) {
			cyclic = append(cyclic, id)
		}
	}
	slices.Sort(cyclic)
	return ordered, cyclic
}
