// Package kdag builds and validates stream processing topologies.
//
// # Overview
//
// A topology is a graph of sources and stages. Every node runs as Parallelism
// independent instances. Edges subscribe a stage to one output stream of a
// producer and carry a kgroup.Grouping that picks the receiving instances for
// each record.
//
// # Basic Usage
//
//	b := kdag.NewBuilder()
//
//	b.MustSetSource("sentences", wordcount.Sentences, 1,
//	    kdag.DeclareFields("sentence"))
//	b.MustSetStage("split", wordcount.NewSplit, 4,
//	    kdag.DeclareFields("word"))
//	b.MustSetStage("count", wordcount.NewCount, 4)
//
//	b.ShuffleGrouping("sentences", "split")
//	b.FieldsGrouping("split", "count", "word")
//
//	g, err := b.Build()
//
// Edges may be declared before their endpoints; endpoints are resolved by
// Validate.
//
// # Validation
//
// Graph.Validate reports every violation in one error. The result wraps
// ErrInvalidTopology together with the specific sentinels, so callers can test
// either with errors.Is:
//
//	if errors.Is(err, kdag.ErrNodeNotFound) {
//	    // dangling edge
//	}
//
// Cycles are legal. FindCycle and Warnings report them, and TopologicalOrder
// returns the nodes it could not order separately.
//
// # Thread Safety
//
// Builder is NOT safe for concurrent use. A built Graph must not be modified
// once it has been submitted.
package kdag
