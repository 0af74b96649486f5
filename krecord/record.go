// Package krecord holds the unit of data that flows between topology nodes.
package krecord

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// DefaultStream is the stream a record is emitted on when no stream is named.
const DefaultStream = "default"

// Fields maps field names to values.
type Fields map[string]any

// Record is an immutable tuple tagged with the stream it was emitted on.
//
// The field map is copied on construction and never handed out again, so a
// Record may be shared between several downstream instances without copying.
type Record struct {
	stream string
	fields Fields
}

// New creates a record on the given stream. An empty stream name selects
// DefaultStream.
func New(stream string, fields Fields) Record {
	if stream == "" {
		stream = DefaultStream
	}
	return Record{
		stream: stream,
		fields: maps.Clone(fields),
	}
}

// Of creates a record on DefaultStream.
func Of(fields Fields) Record {
	return New(DefaultStream, fields)
}

// Stream returns the output stream name.
func (r Record) Stream() string {
	if r.stream == "" {
		return DefaultStream
	}
	return r.stream
}

// Get returns the value of a field.
func (r Record) Get(name string) (any, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// GetString returns a field as string. Returns "" if the field is missing or not a string.
func (r Record) GetString(name string) string {
	s, _ := r.fields[name].(string)
	return s
}

// GetInt returns a field as int. Missing or non-integer fields yield 0.
func (r Record) GetInt(name string) int {
	switch v := r.fields[name].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint32:
		return int(v)
	}
	return 0
}

// Values returns the values of the named fields, in order. Missing fields are nil.
func (r Record) Values(names ...string) []any {
	out := make([]any, len(names))
	for i, name := range names {
		out[i] = r.fields[name]
	}
	return out
}

// Fields returns a copy of all fields.
func (r Record) Fields() Fields {
	return maps.Clone(r.fields)
}

// Len returns the number of fields.
func (r Record) Len() int {
	return len(r.fields)
}

// With returns a new record with one field added or replaced.
func (r Record) With(name string, value any) Record {
	fields := make(Fields, len(r.fields)+1)
	maps.Copy(fields, r.fields)
	fields[name] = value
	return Record{stream: r.stream, fields: fields}
}

func (r Record) String() string {
	keys := slices.Sorted(maps.Keys(r.fields))
	var sb strings.Builder
	sb.WriteString(r.Stream())
	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%v", k, r.fields[k])
	}
	sb.WriteString("}")
	return sb.String()
}
