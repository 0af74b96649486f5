package kprocessor

import (
	"context"

	"github.com/birdayz/kstorm/krecord"
)

// FuncOption configures optional behavior for NewFunc stages.
type FuncOption func(*funcStage)

// WithPrepare adds initialization logic to a NewFunc stage.
func WithPrepare(fn func(ctx context.Context, info TaskInfo) error) FuncOption {
	return func(p *funcStage) {
		p.prepareFn = fn
	}
}

// WithCleanup adds cleanup logic to a NewFunc stage.
func WithCleanup(fn func() error) FuncOption {
	return func(p *funcStage) {
		p.cleanupFn = fn
	}
}

// NewFunc creates a Builder from a process function, with optional lifecycle hooks.
//
// Example:
//
//	kprocessor.NewFunc(func(ctx context.Context, rec krecord.Record, out krecord.Emitter) error {
//	    out.Emit(rec.With("seen", true))
//	    return nil
//	},
//	    kprocessor.WithPrepare(func(ctx context.Context, info kprocessor.TaskInfo) error { ... }),
//	)
func NewFunc(processFn StageFunc, opts ...FuncOption) Builder {
	return func() Stage {
		p := &funcStage{
			processFn: processFn,
		}
		for _, opt := range opts {
			opt(p)
		}
		return p
	}
}

type funcStage struct {
	processFn StageFunc
	prepareFn func(ctx context.Context, info TaskInfo) error
	cleanupFn func() error
}

func (p *funcStage) Prepare(ctx context.Context, info TaskInfo) error {
	if p.prepareFn != nil {
		return p.prepareFn(ctx, info)
	}
	return nil
}

func (p *funcStage) Process(ctx context.Context, rec krecord.Record, out krecord.Emitter) error {
	return p.processFn(ctx, rec, out)
}

func (p *funcStage) Cleanup() error {
	if p.cleanupFn != nil {
		return p.cleanupFn()
	}
	return nil
}
