package kprocessor

import (
	"context"
	"errors"

	"github.com/birdayz/kstorm/krecord"
)

// ErrSourceExhausted is returned by Source.Next when the source will never
// produce again. The source instance then idles until the run is killed.
var ErrSourceExhausted = errors.New("kprocessor: source exhausted")

// Stage transforms one input record into zero or more output records.
//
// A Stage instance is driven by exactly one goroutine, so implementations may
// keep unsynchronized per-instance state (counters, buffers). Records passed to
// Process must not be retained across calls if they are mutated; they cannot
// be mutated through the Record API anyway.
type Stage interface {
	Process(ctx context.Context, rec krecord.Record, out krecord.Emitter) error
}

// Source produces records without input. Next is called in a loop; a call that
// emits nothing counts as an empty poll and makes the instance back off.
type Source interface {
	Next(ctx context.Context, out krecord.Emitter) error
}

// TaskInfo identifies one running instance of a node.
type TaskInfo struct {
	Topology    string
	Component   string
	Task        int
	Parallelism int
}

// Preparer is implemented by stages and sources that need setup before the
// first record. Prepare runs on the instance's own goroutine.
type Preparer interface {
	Prepare(ctx context.Context, info TaskInfo) error
}

// Cleaner is implemented by stages and sources that hold resources. Cleanup
// runs once after the instance stops, including after a failed Prepare.
type Cleaner interface {
	Cleanup() error
}

// Builder creates a fresh Stage for one instance of a node.
type Builder func() Stage

// SourceBuilder creates a fresh Source for one instance of a node.
type SourceBuilder func() Source

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, rec krecord.Record, out krecord.Emitter) error

func (f StageFunc) Process(ctx context.Context, rec krecord.Record, out krecord.Emitter) error {
	return f(ctx, rec, out)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, out krecord.Emitter) error

func (f SourceFunc) Next(ctx context.Context, out krecord.Emitter) error {
	return f(ctx, out)
}

// Shared returns a Builder that hands the same stage to every instance. Only
// use it for stages that are safe for concurrent use.
func Shared(s Stage) Builder {
	return func() Stage { return s }
}

// SharedSource is the Source counterpart of Shared.
func SharedSource(s Source) SourceBuilder {
	return func() Source { return s }
}
