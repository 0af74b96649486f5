package kprocessor

import (
	"context"
	"iter"

	"github.com/birdayz/kstorm/krecord"
)

// Map creates a stage that emits exactly one transformed record per input.
//
// Example:
//
//	b.SetStage("upper", kprocessor.Map(func(r krecord.Record) krecord.Record {
//	    return r.With("word", strings.ToUpper(r.GetString("word")))
//	}), 2)
func Map(fn func(krecord.Record) krecord.Record) Builder {
	return Shared(StageFunc(func(_ context.Context, rec krecord.Record, out krecord.Emitter) error {
		out.Emit(fn(rec))
		return nil
	}))
}

// Filter creates a stage that only forwards records matching the predicate.
func Filter(predicate func(krecord.Record) bool) Builder {
	return Shared(StageFunc(func(_ context.Context, rec krecord.Record, out krecord.Emitter) error {
		if predicate(rec) {
			out.Emit(rec)
		}
		return nil
	}))
}

// FlatMap creates a stage from a function returning a lazy, finite sequence of
// output records. Each yielded record is forwarded before the next is pulled.
//
// Example:
//
//	kprocessor.FlatMap(func(r krecord.Record) iter.Seq[krecord.Record] {
//	    return func(yield func(krecord.Record) bool) {
//	        for _, w := range strings.Fields(r.GetString("sentence")) {
//	            if !yield(krecord.Of(krecord.Fields{"word": w})) {
//	                return
//	            }
//	        }
//	    }
//	})
func FlatMap(fn func(krecord.Record) iter.Seq[krecord.Record]) Builder {
	return Shared(StageFunc(func(ctx context.Context, rec krecord.Record, out krecord.Emitter) error {
		for r := range fn(rec) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			out.Emit(r)
		}
		return nil
	}))
}

// ForEach creates a terminal stage that calls fn for every record and emits nothing.
func ForEach(fn func(krecord.Record)) Builder {
	return Shared(StageFunc(func(_ context.Context, rec krecord.Record, _ krecord.Emitter) error {
		fn(rec)
		return nil
	}))
}

// FromSlice creates a source that emits the given records one per Next call and
// is exhausted afterwards. Every instance of the node replays the whole slice.
func FromSlice(records ...krecord.Record) SourceBuilder {
	return func() Source {
		return &sliceSource{records: records}
	}
}

type sliceSource struct {
	records []krecord.Record
	pos     int
}

func (s *sliceSource) Next(_ context.Context, out krecord.Emitter) error {
	if s.pos >= len(s.records) {
		return ErrSourceExhausted
	}
	out.Emit(s.records[s.pos])
	s.pos++
	return nil
}
