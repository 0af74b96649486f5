package kdag

import (
	"github.com/birdayz/kstorm/kprocessor"
	"github.com/birdayz/kstorm/krecord"
)

var (
	testSource = kprocessor.FromSlice(krecord.Of(krecord.Fields{"sentence": "a b"}))
	testStage  = kprocessor.Map(func(r krecord.Record) krecord.Record { return r })
)

// linear builds source -> split -> count.
func linear(t interface{ Helper() }) *Builder {
	t.Helper()
	b := NewBuilder()
	b.MustSetSource("source", testSource, 1, DeclareFields("sentence"))
	b.MustSetStage("split", testStage, 2, DeclareFields("word"))
	b.MustSetStage("count", testStage, 3)
	b.ShuffleGrouping("source", "split")
	b.FieldsGrouping("split", "count", "word")
	return b
}
