package kdag

import "errors"

var (
	ErrInvalidTopology   = errors.New("kdag: invalid topology")
	ErrEmptyTopology     = errors.New("kdag: topology has no nodes")
	ErrNoSources         = errors.New("kdag: topology has no sources")
	ErrNodeAlreadyExists = errors.New("kdag: node already exists")
	ErrNodeNotFound      = errors.New("kdag: node not found")
	ErrInvalidNodeID     = errors.New("kdag: invalid node ID")
	ErrInvalidNode       = errors.New("kdag: invalid node")
	ErrZeroParallelism   = errors.New("kdag: parallelism must be at least 1")
	ErrInvalidEdge       = errors.New("kdag: invalid edge")
	ErrUnknownStream     = errors.New("kdag: undeclared stream")
	ErrUnknownField      = errors.New("kdag: undeclared field")
)
