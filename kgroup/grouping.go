// Package kgroup implements the strategies that decide which downstream
// instances receive an emitted record.
//
// A Grouping is consulted once per emitted record per outgoing edge. It is
// shared by every instance of the producing node, so implementations must be
// safe for concurrent use; the built-in groupings are stateless.
package kgroup

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"github.com/birdayz/kstorm/krecord"
)

// ErrNoFields is returned by a fields grouping declared without any field.
var ErrNoFields = errors.New("kgroup: fields grouping requires at least one field")

// Grouping selects the downstream instances for a record.
//
// instances lists the task indexes of the target node and is never empty. The
// result must be a subset of instances. Implementations may return a sub-slice
// of instances; callers must not modify it.
type Grouping interface {
	Select(rec krecord.Record, instances []int) []int
}

// Validator is implemented by groupings that can be misconfigured.
type Validator interface {
	Validate() error
}

// FieldsGrouping exposes the fields a grouping hashes on, so a topology can
// check them against the producer's declared output fields.
type FieldsGrouping interface {
	GroupingFields() []string
}

// Shuffle picks one instance uniformly at random.
func Shuffle() Grouping { return shuffle{} }

type shuffle struct{}

func (shuffle) Select(_ krecord.Record, instances []int) []int {
	if len(instances) <= 1 {
		return instances
	}
	i := rand.IntN(len(instances))
	return instances[i : i+1]
}

func (shuffle) String() string { return "shuffle" }

// Fields routes every record with equal values on the named fields to the same
// instance for the lifetime of a run.
func Fields(names ...string) Grouping {
	return fields{names: append([]string(nil), names...)}
}

type fields struct {
	names []string
}

func (f fields) Select(rec krecord.Record, instances []int) []int {
	if len(instances) <= 1 {
		return instances
	}
	i := int(Hash(rec, f.names...) % uint64(len(instances)))
	return instances[i : i+1]
}

func (f fields) Validate() error {
	if len(f.names) == 0 {
		return ErrNoFields
	}
	for _, name := range f.names {
		if name == "" {
			return fmt.Errorf("%w: empty field name", ErrNoFields)
		}
	}
	return nil
}

func (f fields) GroupingFields() []string { return f.names }

func (f fields) String() string { return "fields(" + strings.Join(f.names, ",") + ")" }

// Hash computes the FNV-1a hash of the named field values. Values are
// formatted with their type so that 1 and "1" hash differently, and separated
// so that ("ab","c") and ("a","bc") do not collide.
func Hash(rec krecord.Record, names ...string) uint64 {
	h := fnv.New64a()
	for _, name := range names {
		v, _ := rec.Get(name)
		fmt.Fprintf(h, "%T:%v", v, v)
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// Global sends every record to the first instance.
func Global() Grouping { return global{} }

type global struct{}

func (global) Select(_ krecord.Record, instances []int) []int {
	if len(instances) == 0 {
		return nil
	}
	return instances[:1]
}

func (global) String() string { return "global" }

// Broadcast sends a copy of every record to every instance.
func Broadcast() Grouping { return broadcast{} }

type broadcast struct{}

func (broadcast) Select(_ krecord.Record, instances []int) []int { return instances }

func (broadcast) String() string { return "broadcast" }

// Func adapts a function to Grouping, for custom routing.
type Func func(rec krecord.Record, instances []int) []int

func (f Func) Select(rec krecord.Record, instances []int) []int { return f(rec, instances) }

func (Func) String() string { return "custom" }

// Describe returns a short name for logs and wire payloads.
func Describe(g Grouping) string {
	if g == nil {
		return "<nil>"
	}
	if s, ok := g.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", g)
}

// Validate checks g if it implements Validator.
func Validate(g Grouping) error {
	if v, ok := g.(Validator); ok {
		return v.Validate()
	}
	return nil
}
