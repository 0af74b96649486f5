package kstorm

import (
	"errors"
	"fmt"
)

var (
	// ErrTopologyExists is returned by Submit when a run with the same name is active.
	ErrTopologyExists = errors.New("kstorm: topology already running")
	// ErrUnknownRun is returned for handles that are not (or no longer) active.
	ErrUnknownRun = errors.New("kstorm: unknown run")
	// ErrClusterClosed is returned by Submit after Close.
	ErrClusterClosed = errors.New("kstorm: cluster closed")
	// ErrInvalidConfig wraps every configuration problem.
	ErrInvalidConfig = errors.New("kstorm: invalid config")
)

// LifecycleError is returned by Submit and Kill. It names the operation and
// topology; Err carries the cause, e.g. a kdag.ErrInvalidTopology or a
// context deadline.
type LifecycleError struct {
	Op       string
	Topology string
	Err      error
}

func (e *LifecycleError) Error() string {
	if e.Topology == "" {
		return fmt.Sprintf("kstorm: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("kstorm: %s %s: %v", e.Op, e.Topology, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}
