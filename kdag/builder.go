package kdag

import (
	"fmt"

	"github.com/birdayz/kstorm/kgroup"
	"github.com/birdayz/kstorm/kprocessor"
)

// Builder constructs a topology graph.
//
// Builder is NOT safe for concurrent use. The graph returned by Build is a
// copy; later builder calls do not affect it.
type Builder struct {
	graph *Graph
}

// NewBuilder creates a new topology builder.
func NewBuilder() *Builder {
	return &Builder{
		graph: NewGraph(),
	}
}

// Build validates and returns the graph.
func (b *Builder) Build() (*Graph, error) {
	if err := b.graph.Validate(); err != nil {
		return nil, err
	}
	return b.graph.Clone(), nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *Graph {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}

// NodeOption configures a node at registration.
type NodeOption func(*Node)

// DeclareStream declares the output fields of a named stream.
func DeclareStream(stream string, fields ...string) NodeOption {
	return func(n *Node) {
		if n.Streams == nil {
			n.Streams = make(map[string][]string)
		}
		if stream == "" {
			stream = defaultStream
		}
		n.Streams[stream] = append([]string(nil), fields...)
	}
}

// DeclareFields declares the output fields of the default stream.
func DeclareFields(fields ...string) NodeOption {
	return DeclareStream(defaultStream, fields...)
}

// SetSource registers a source with the given number of instances.
func (b *Builder) SetSource(id string, source kprocessor.SourceBuilder, parallelism int, opts ...NodeOption) error {
	node := &Node{
		ID:          NodeID(id),
		Kind:        NodeKindSource,
		Parallelism: parallelism,
		NewSource:   source,
	}
	for _, opt := range opts {
		opt(node)
	}
	if source == nil {
		return fmt.Errorf("%w: source %s has no source builder", ErrInvalidNode, id)
	}
	return b.graph.AddNode(node)
}

// MustSetSource is like SetSource but panics on error.
func (b *Builder) MustSetSource(id string, source kprocessor.SourceBuilder, parallelism int, opts ...NodeOption) {
	must(b.SetSource(id, source, parallelism, opts...))
}

// SetStage registers a stage with the given number of instances.
func (b *Builder) SetStage(id string, stage kprocessor.Builder, parallelism int, opts ...NodeOption) error {
	node := &Node{
		ID:          NodeID(id),
		Kind:        NodeKindStage,
		Parallelism: parallelism,
		NewStage:    stage,
	}
	for _, opt := range opts {
		opt(node)
	}
	if stage == nil {
		return fmt.Errorf("%w: stage %s has no stage builder", ErrInvalidNode, id)
	}
	return b.graph.AddNode(node)
}

// MustSetStage is like SetStage but panics on error.
func (b *Builder) MustSetStage(id string, stage kprocessor.Builder, parallelism int, opts ...NodeOption) {
	must(b.SetStage(id, stage, parallelism, opts...))
}

// EdgeOption configures an edge.
type EdgeOption func(*Edge)

// OnStream subscribes to a named stream instead of the default one.
func OnStream(stream string) EdgeOption {
	return func(e *Edge) {
		e.Stream = stream
	}
}

// Connect subscribes to to the output of from, routed by g.
func (b *Builder) Connect(from, to string, g kgroup.Grouping, opts ...EdgeOption) {
	e := Edge{
		From:     NodeID(from),
		To:       NodeID(to),
		Grouping: g,
	}
	for _, opt := range opts {
		opt(&e)
	}
	b.graph.AddEdge(e)
}

// ShuffleGrouping distributes records of from randomly over the instances of to.
func (b *Builder) ShuffleGrouping(from, to string, opts ...EdgeOption) {
	b.Connect(from, to, kgroup.Shuffle(), opts...)
}

// FieldsGrouping partitions records of from over the instances of to by the
// values of fields.
func (b *Builder) FieldsGrouping(from, to string, fields ...string) {
	b.Connect(from, to, kgroup.Fields(fields...))
}

// FieldsGroupingOn is FieldsGrouping for the named stream of from.
func (b *Builder) FieldsGroupingOn(from, to, stream string, fields ...string) {
	b.Connect(from, to, kgroup.Fields(fields...), OnStream(stream))
}

// GlobalGrouping sends all records of from to a single instance of to.
func (b *Builder) GlobalGrouping(from, to string, opts ...EdgeOption) {
	b.Connect(from, to, kgroup.Global(), opts...)
}

// AllGrouping sends every record of from to every instance of to.
func (b *Builder) AllGrouping(from, to string, opts ...EdgeOption) {
	b.Connect(from, to, kgroup.Broadcast(), opts...)
}

// Graph returns the graph under construction for read-only access.
func (b *Builder) Graph() *Graph {
	return b.graph
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
