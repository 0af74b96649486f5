package kwait

import (
	"context"
	"runtime"
	"time"
)

// Progressive escalates from busy retry to yielding to sleeping as consecutive
// empty polls accumulate:
//
//	n <  Level1Count                NORMAL  retry immediately
//	n >= Level1Count                LEVEL1  yield the processor
//	n >= Level2Count                LEVEL2  yield, then sleep Level2Sleep
//	n >= Level3Count                LEVEL3  sleep Level3Sleep on every poll
//
// where n is the number of consecutive empty polls including the current one.
type Progressive struct {
	cfg Config

	emptyPolls int
	level      Level

	yield func()
	sleep func(ctx context.Context, d time.Duration)
}

// NewProgressive creates a progressive strategy. Zero config fields take defaults.
func NewProgressive(cfg Config) *Progressive {
	return &Progressive{
		cfg:   cfg.WithDefaults(),
		yield: runtime.Gosched,
		sleep: sleepContext,
	}
}

func (p *Progressive) Idle(ctx context.Context) {
	p.emptyPolls++
	p.level = p.levelFor(p.emptyPolls)

	switch p.level {
	case LevelNormal:
	case Level1:
		p.yield()
	case Level2:
		p.yield()
		p.sleep(ctx, p.cfg.Level2Sleep)
	case Level3:
		p.sleep(ctx, p.cfg.Level3Sleep)
	}
}

func (p *Progressive) levelFor(n int) Level {
	switch {
	case n >= p.cfg.Level3Count:
		return Level3
	case n >= p.cfg.Level2Count:
		return Level2
	case n >= p.cfg.Level1Count:
		return Level1
	default:
		return LevelNormal
	}
}

func (p *Progressive) Reset() {
	p.emptyPolls = 0
	p.level = LevelNormal
}

func (p *Progressive) Level() Level { return p.level }

func (p *Progressive) EmptyPolls() int { return p.emptyPolls }

// None never waits.
type None struct {
	emptyPolls int
}

func (n *None) Idle(context.Context) { n.emptyPolls++ }

func (n *None) Reset() { n.emptyPolls = 0 }

func (n *None) Level() Level { return LevelNormal }

func (n *None) EmptyPolls() int { return n.emptyPolls }

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
