package execution

import (
	"errors"
	"fmt"
)

// ErrPanic marks a ProcessingError caused by a recovered panic.
var ErrPanic = errors.New("execution: panic in user code")

// ErrQueueClosed is returned when enqueueing to an instance that has stopped.
var ErrQueueClosed = errors.New("execution: queue closed")

// Phase indicates where in the instance lifecycle an error occurred.
type Phase string

const (
	PhasePrepare Phase = "prepare"
	PhaseProcess Phase = "process"
	PhaseNext    Phase = "next"
	PhaseCleanup Phase = "cleanup"
)

// ProcessingError wraps an error with source attribution for debugging.
// It identifies which instance failed and in which phase.
type ProcessingError struct {
	// Cause is the underlying error
	Cause error

	// Phase identifies the lifecycle step that failed
	Phase Phase

	// Component is the node ID of the failing source or stage
	Component string

	// Task is the instance index within the component
	Task int

	// Stream is the stream of the input record, empty for sources
	Stream string
}

func (e *ProcessingError) Error() string {
	if e.Stream != "" {
		return fmt.Sprintf("%s error in %s[%d] (stream=%s): %v", e.Phase, e.Component, e.Task, e.Stream, e.Cause)
	}
	return fmt.Sprintf("%s error in %s[%d]: %v", e.Phase, e.Component, e.Task, e.Cause)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// ShutdownMode selects what happens to queued records when a run is killed.
type ShutdownMode int

const (
	// Drain processes everything still queued before an instance stops.
	Drain ShutdownMode = iota
	// Immediate discards queued records.
	Immediate
)

func (m ShutdownMode) String() string {
	switch m {
	case Drain:
		return "drain"
	case Immediate:
		return "immediate"
	default:
		return fmt.Sprintf("ShutdownMode(%d)", int(m))
	}
}

// ParseShutdownMode parses "drain" or "immediate".
func ParseShutdownMode(s string) (ShutdownMode, error) {
	switch s {
	case "", "drain":
		return Drain, nil
	case "immediate":
		return Immediate, nil
	}
	return Drain, fmt.Errorf("unknown shutdown mode %q", s)
}

// Overflow selects what a full queue does with a new record.
type Overflow int

const (
	// OverflowBlock makes the producer wait for space.
	OverflowBlock Overflow = iota
	// OverflowDropOldest evicts the head of the queue.
	OverflowDropOldest
)

func (o Overflow) String() string {
	switch o {
	case OverflowBlock:
		return "block"
	case OverflowDropOldest:
		return "dropOldest"
	default:
		return fmt.Sprintf("Overflow(%d)", int(o))
	}
}

// ParseOverflow parses "block" or "dropOldest".
func ParseOverflow(s string) (Overflow, error) {
	switch s {
	case "", "block":
		return OverflowBlock, nil
	case "dropOldest":
		return OverflowDropOldest, nil
	}
	return OverflowBlock, fmt.Errorf("unknown overflow policy %q", s)
}

// Drop reasons reported by records_dropped_total.
const (
	ReasonOverflow  = "overflow"
	ReasonNoRoute   = "no_route"
	ReasonDiscarded = "discarded"
)
