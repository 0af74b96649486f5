package krecord

// Emitter accepts records produced by a source or stage. Emitted records are
// routed to downstream instances as soon as Emit returns.
type Emitter interface {
	Emit(r Record)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(r Record)

func (f EmitterFunc) Emit(r Record) { f(r) }

// Collector is an Emitter that buffers everything it receives. Useful for
// tests and for stages that want to inspect their own output.
type Collector struct {
	Records []Record
}

func (c *Collector) Emit(r Record) {
	c.Records = append(c.Records, r)
}

// Reset drops buffered records.
func (c *Collector) Reset() {
	c.Records = c.Records[:0]
}
