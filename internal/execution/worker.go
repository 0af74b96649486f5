package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/birdayz/kstorm/kprocessor"
	"github.com/birdayz/kstorm/krecord"
	"github.com/birdayz/kstorm/kwait"
)

type RunnerState string

const (
	StateCreated    RunnerState = "CREATED"
	StateRunning    RunnerState = "RUNNING"
	StateDraining   RunnerState = "DRAINING"
	StateDiscarding RunnerState = "DISCARDING"
	StateClosed     RunnerState = "CLOSED"
)

// Runner drives one instance of a source or stage on its own goroutine.
type Runner struct {
	log  *slog.Logger
	info kprocessor.TaskInfo

	// Exactly one of stage and source is set. Stages own a queue.
	stage  kprocessor.Stage
	source kprocessor.Source
	queue  *Queue
	router *Router

	wait  kwait.Strategy
	instr *instrument
	debug bool

	out *emitter

	state     RunnerState
	exhausted bool
	err       error

	stopRequested chan struct{}
	stopOnce      sync.Once
	mode          atomic.Int32

	alive atomic.Bool
	done  chan struct{}
}

type runnerConfig struct {
	log    *slog.Logger
	info   kprocessor.TaskInfo
	stage  kprocessor.Stage
	source kprocessor.Source
	queue  *Queue
	router *Router
	wait   kwait.Strategy
	instr  *instrument
	debug  bool
}

func newRunner(cfg runnerConfig) *Runner {
	return &Runner{
		log: cfg.log.With(
			"topology", cfg.info.Topology,
			"component", cfg.info.Component,
			"task", cfg.info.Task,
		),
		info:          cfg.info,
		stage:         cfg.stage,
		source:        cfg.source,
		queue:         cfg.queue,
		router:        cfg.router,
		wait:          cfg.wait,
		instr:         cfg.instr,
		debug:         cfg.debug,
		state:         StateCreated,
		stopRequested: make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (r *Runner) changeState(newState RunnerState) {
	r.log.Debug("Change state", "from", r.state, "to", newState)
	r.state = newState
}

// Run executes the instance until it is stopped or ctx is cancelled. Cancelling
// ctx discards queued records. The returned error is non-nil only if Prepare or
// Cleanup failed; processing faults are logged and counted.
//
// State transitions may only be done from within the loop.
func (r *Runner) Run(ctx context.Context) error {
	r.alive.Store(true)
	defer func() {
		r.alive.Store(false)
		close(r.done)
	}()

	r.out = &emitter{r: r, ctx: ctx}

	for {
		switch r.state {
		case StateCreated:
			r.handleCreated(ctx)
		case StateRunning:
			r.handleRunning(ctx)
		case StateDraining:
			r.handleDraining(ctx)
		case StateDiscarding:
			r.handleDiscarding()
		case StateClosed:
			r.handleClosed()
			return r.err
		}
	}
}

// Stop asks the runner to leave RUNNING. It does not wait; use Done.
// Only the first call has an effect.
func (r *Runner) Stop(mode ShutdownMode) {
	r.stopOnce.Do(func() {
		r.mode.Store(int32(mode))
		close(r.stopRequested)
	})
}

// Done is closed when Run has returned.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Alive reports whether Run is executing.
func (r *Runner) Alive() bool {
	return r.alive.Load()
}

// Err returns the error Run returned. Only valid after Done is closed.
func (r *Runner) Err() error {
	return r.err
}

// Info identifies the instance.
func (r *Runner) Info() kprocessor.TaskInfo {
	return r.info
}

func (r *Runner) component() any {
	if r.source != nil {
		return r.source
	}
	return r.stage
}

// safely runs user code, converting returned errors and panics into a
// ProcessingError.
func (r *Runner) safely(phase Phase, stream string, fn func() error) (perr *ProcessingError) {
	defer func() {
		if p := recover(); p != nil {
			perr = r.processingError(phase, stream, fmt.Errorf("%w: %v", ErrPanic, p))
		}
	}()
	if err := fn(); err != nil {
		return r.processingError(phase, stream, err)
	}
	return nil
}

func (r *Runner) processingError(phase Phase, stream string, cause error) *ProcessingError {
	return &ProcessingError{
		Cause:     cause,
		Phase:     phase,
		Component: r.info.Component,
		Task:      r.info.Task,
		Stream:    stream,
	}
}

// emitter routes records as they are emitted. It is owned by the runner
// goroutine; n counts emissions since the last poll.
type emitter struct {
	r   *Runner
	ctx context.Context
	n   int
}

func (e *emitter) Emit(rec krecord.Record) {
	e.n++
	r := e.r
	r.instr.emitted.Inc()
	if r.debug {
		r.log.Info("Emitting", "record", rec)
	}
	if r.router == nil {
		return
	}
	_, unrouted, err := r.router.Route(e.ctx, rec)
	r.instr.drop(ReasonNoRoute, unrouted)
	if err != nil {
		r.log.Debug("Routing interrupted", "error", err)
	}
}
