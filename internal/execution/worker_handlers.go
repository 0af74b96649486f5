package execution

import (
	"context"
	"errors"

	"github.com/birdayz/kstorm/kprocessor"
	"github.com/birdayz/kstorm/krecord"
	"github.com/birdayz/kstorm/kwait"
	"go.uber.org/multierr"
)

func (r *Runner) handleCreated(ctx context.Context) {
	if p, ok := r.component().(kprocessor.Preparer); ok {
		if perr := r.safely(PhasePrepare, "", func() error { return p.Prepare(ctx, r.info) }); perr != nil {
			r.log.Error("Prepare failed", "error", perr)
			r.err = perr
			r.changeState(StateClosed)
			return
		}
	}
	r.changeState(StateRunning)
}

func (r *Runner) handleRunning(ctx context.Context) {
	select {
	case <-r.stopRequested:
		if ShutdownMode(r.mode.Load()) == Drain {
			r.changeState(StateDraining)
		} else {
			r.changeState(StateDiscarding)
		}
		return
	case <-ctx.Done():
		r.changeState(StateDiscarding)
		return
	default:
	}

	if r.poll(ctx) {
		r.wait.Reset()
	} else {
		r.instr.emptyPolls.Inc()
		r.wait.Idle(ctx)
	}
	r.instr.level(r.wait.Level())
}

// poll performs one unit of work and reports whether there was any.
func (r *Runner) poll(ctx context.Context) bool {
	if r.source != nil {
		return r.pollSource(ctx)
	}

	rec, ok := r.queue.TryTake()
	if !ok {
		r.instr.queueDepth.Set(0)
		return false
	}
	r.process(ctx, rec)
	r.instr.queueDepth.Set(float64(r.queue.Len()))
	return true
}

func (r *Runner) pollSource(ctx context.Context) bool {
	if r.exhausted {
		return false
	}
	r.out.n = 0
	perr := r.safely(PhaseNext, "", func() error { return r.source.Next(ctx, r.out) })
	if perr != nil {
		if errors.Is(perr, kprocessor.ErrSourceExhausted) {
			r.log.Info("Source exhausted")
			r.exhausted = true
		} else {
			r.fault(perr)
		}
	}
	return r.out.n > 0
}

func (r *Runner) process(ctx context.Context, rec krecord.Record) {
	r.instr.processed.Inc()
	if r.debug {
		r.log.Info("Received", "record", rec)
	}
	if perr := r.safely(PhaseProcess, rec.Stream(), func() error { return r.stage.Process(ctx, rec, r.out) }); perr != nil {
		r.fault(perr)
	}
}

func (r *Runner) fault(perr *ProcessingError) {
	r.instr.failed.Inc()
	r.log.Error("Processing failed", "error", perr)
}

func (r *Runner) handleDraining(ctx context.Context) {
	if r.queue != nil {
		for {
			if ctx.Err() != nil {
				r.changeState(StateDiscarding)
				return
			}
			rec, ok := r.queue.TryTake()
			if !ok {
				break
			}
			r.process(ctx, rec)
		}
	}
	r.changeState(StateClosed)
}

func (r *Runner) handleDiscarding() {
	if r.queue != nil {
		r.queue.closeConsumer()
	}
	r.discardQueued()
	r.changeState(StateClosed)
}

func (r *Runner) discardQueued() {
	if r.queue == nil {
		return
	}
	n := 0
	for {
		if _, ok := r.queue.TryTake(); !ok {
			break
		}
		n++
	}
	r.instr.drop(ReasonDiscarded, n)
}

func (r *Runner) handleClosed() {
	if r.queue != nil {
		r.queue.closeConsumer()
		r.discardQueued()
		r.instr.queueDepth.Set(0)
	}

	if c, ok := r.component().(kprocessor.Cleaner); ok {
		if perr := r.safely(PhaseCleanup, "", c.Cleanup); perr != nil {
			r.log.Error("Cleanup failed", "error", perr)
			r.err = multierr.Append(r.err, perr)
		}
	}

	r.instr.level(kwait.LevelNormal)
	r.log.Debug("Runner closed")
}
