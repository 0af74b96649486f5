package kstorm

import (
	"bytes"
	"context"
	"errors"
	stdlog "log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kstorm/kdag"
	"github.com/birdayz/kstorm/kprocessor"
	"github.com/birdayz/kstorm/krecord"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/trace/noop"
)

// lifecycle counts live stage instances.
type lifecycle struct {
	prepared atomic.Int32
	cleaned  atomic.Int32
}

func (l *lifecycle) builder(process kprocessor.StageFunc) kprocessor.Builder {
	return kprocessor.NewFunc(process,
		kprocessor.WithPrepare(func(context.Context, kprocessor.TaskInfo) error {
			l.prepared.Add(1)
			return nil
		}),
		kprocessor.WithCleanup(func() error {
			l.cleaned.Add(1)
			return nil
		}),
	)
}

func counterSource() kprocessor.SourceBuilder {
	return func() kprocessor.Source {
		n := 0
		return kprocessor.SourceFunc(func(_ context.Context, out krecord.Emitter) error {
			n++
			out.Emit(krecord.Of(krecord.Fields{"n": n}))
			return nil
		})
	}
}

func passthrough(_ context.Context, rec krecord.Record, out krecord.Emitter) error {
	out.Emit(rec)
	return nil
}

func testGraph(t *testing.T, l *lifecycle, collected *atomic.Int64) *kdag.Graph {
	t.Helper()
	b := kdag.NewBuilder()
	b.MustSetSource("numbers", counterSource(), 2)
	b.MustSetStage("relay", l.builder(passthrough), 3)
	b.MustSetStage("sink", l.builder(func(context.Context, krecord.Record, krecord.Emitter) error {
		collected.Add(1)
		return nil
	}), 1)
	b.ShuffleGrouping("numbers", "relay")
	b.GlobalGrouping("relay", "sink")
	return b.MustBuild()
}

func TestSubmitAndKill(t *testing.T) {
	var l lifecycle
	var collected atomic.Int64
	c := MustNewLocalCluster()

	h, err := c.Submit(context.Background(), "numbers", Config{}, testGraph(t, &l, &collected))
	assert.NoError(t, err)
	assert.Equal(t, 26, len(h.ID))
	assert.Equal(t, "numbers", h.Name)
	assert.Equal(t, []RunHandle{h}, c.Active())

	deadline := time.Now().Add(5 * time.Second)
	for collected.Load() < 100 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, c.Alive(h))

	assert.NoError(t, c.Kill(context.Background(), h))

	assert.Equal(t, int32(4), l.prepared.Load())
	assert.Equal(t, int32(4), l.cleaned.Load(), "every instance exited")
	assert.False(t, c.Alive(h))
	assert.Equal(t, 0, len(c.Active()))

	// Drain delivered everything the sources emitted.
	emitted := sumCounter(t, c.Metrics(), "kstorm_executor_records_emitted_total", map[string]string{"component": "numbers"})
	assert.Equal(t, emitted, float64(collected.Load()))

	err = c.Kill(context.Background(), h)
	assert.IsError(t, err, ErrUnknownRun)
}

// sumCounter adds up the counter series of name whose labels include want.
func sumCounter(t *testing.T, g prometheus.Gatherer, name string, want map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	assert.NoError(t, err)

	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if hasLabels(m, want) {
				sum += m.GetCounter().GetValue()
			}
		}
	}
	return sum
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

func TestSubmitRejectsInvalidGraphBeforeStart(t *testing.T) {
	var built atomic.Int32
	b := kdag.NewBuilder()
	b.MustSetSource("s", func() kprocessor.Source {
		built.Add(1)
		return kprocessor.SourceFunc(func(context.Context, krecord.Emitter) error { return nil })
	}, 1)
	b.MustSetStage("a", func() kprocessor.Stage {
		built.Add(1)
		return kprocessor.StageFunc(passthrough)
	}, 1)
	b.ShuffleGrouping("s", "a")
	b.ShuffleGrouping("a", "missing")

	c := MustNewLocalCluster()
	_, err := c.Submit(context.Background(), "dangling", Config{}, b.Graph())

	var lerr *LifecycleError
	assert.True(t, errors.As(err, &lerr))
	assert.Equal(t, "submit", lerr.Op)
	assert.IsError(t, err, kdag.ErrInvalidTopology)
	assert.IsError(t, err, kdag.ErrNodeNotFound)
	assert.Equal(t, int32(0), built.Load(), "no instance built")
	assert.Equal(t, 0, len(c.Active()))
}

func TestSubmitErrors(t *testing.T) {
	var l lifecycle
	var collected atomic.Int64
	c := MustNewLocalCluster()
	g := testGraph(t, &l, &collected)

	t.Run("empty name", func(t *testing.T) {
		_, err := c.Submit(context.Background(), "", Config{}, g)
		assert.IsError(t, err, ErrInvalidConfig)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := c.Submit(context.Background(), "x", Config{QueueSize: -5}, g)
		assert.IsError(t, err, ErrInvalidConfig)
	})

	t.Run("nil graph", func(t *testing.T) {
		_, err := c.Submit(context.Background(), "x", Config{}, nil)
		assert.IsError(t, err, kdag.ErrEmptyTopology)
	})

	t.Run("duplicate name", func(t *testing.T) {
		h, err := c.Submit(context.Background(), "dup", Config{}, g)
		assert.NoError(t, err)
		_, err = c.Submit(context.Background(), "dup", Config{}, g)
		assert.IsError(t, err, ErrTopologyExists)

		assert.NoError(t, c.KillByName(context.Background(), "dup"))
		assert.IsError(t, c.KillByName(context.Background(), "dup"), ErrUnknownRun)

		// The name is free again after kill.
		h2, err := c.Submit(context.Background(), "dup", Config{}, g)
		assert.NoError(t, err)
		assert.NotEqual(t, h.ID, h2.ID)
		assert.NoError(t, c.Kill(context.Background(), h2))
	})

	t.Run("closed cluster", func(t *testing.T) {
		assert.NoError(t, c.Close(context.Background()))
		_, err := c.Submit(context.Background(), "late", Config{}, g)
		assert.IsError(t, err, ErrClusterClosed)
	})
}

func TestKillImmediateDiscards(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := MustNewLocalCluster(WithMetricsRegisterer(reg))

	b := kdag.NewBuilder()
	b.MustSetSource("numbers", counterSource(), 1)
	b.MustSetStage("gate", kprocessor.NewFunc(func(ctx context.Context, _ krecord.Record, _ krecord.Emitter) error {
		<-ctx.Done()
		return nil
	}), 1)
	b.ShuffleGrouping("numbers", "gate")

	cfg := Config{QueueSize: 8, Shutdown: ShutdownImmediate}
	h, err := c.Submit(context.Background(), "gated", cfg, b.MustBuild())
	assert.NoError(t, err)

	// One record is stuck in Process, eight fill the queue and the source
	// blocks on the next.
	emitted := func() float64 {
		return sumCounter(t, reg, "kstorm_executor_records_emitted_total", map[string]string{"component": "numbers"})
	}
	deadline := time.Now().Add(5 * time.Second)
	for emitted() < 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	assert.NoError(t, c.Kill(context.Background(), h))

	discarded := sumCounter(t, reg, "kstorm_executor_records_dropped_total", map[string]string{"component": "gate", "reason": "discarded"})
	assert.True(t, discarded >= 8, "discarded %v", discarded)
	assert.False(t, c.Alive(h))
}

func TestKillTimeout(t *testing.T) {
	c := MustNewLocalCluster(WithShutdownTimeout(20 * time.Millisecond))

	var entered atomic.Bool
	b := kdag.NewBuilder()
	b.MustSetSource("numbers", counterSource(), 1)
	b.MustSetStage("slow", kprocessor.NewFunc(func(ctx context.Context, _ krecord.Record, _ krecord.Emitter) error {
		entered.Store(true)
		<-ctx.Done()
		return nil
	}), 1)
	b.ShuffleGrouping("numbers", "slow")

	h, err := c.Submit(context.Background(), "slow", Config{}, b.MustBuild())
	assert.NoError(t, err)
	for !entered.Load() {
		time.Sleep(time.Millisecond)
	}

	err = c.Kill(context.Background(), h)
	var lerr *LifecycleError
	assert.True(t, errors.As(err, &lerr))
	assert.Equal(t, "kill", lerr.Op)
	assert.IsError(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, len(c.Active()))
}

func TestKillReportsPrepareFailure(t *testing.T) {
	c := MustNewLocalCluster()
	b := kdag.NewBuilder()
	b.MustSetSource("numbers", counterSource(), 1)
	b.MustSetStage("broken", kprocessor.NewFunc(passthrough,
		kprocessor.WithPrepare(func(context.Context, kprocessor.TaskInfo) error { return errors.New("no db") }),
	), 1)
	b.ShuffleGrouping("numbers", "broken")

	h, err := c.Submit(context.Background(), "broken", Config{}, b.MustBuild())
	assert.NoError(t, err, "prepare runs after submit returns")

	err = c.Kill(context.Background(), h)
	var perr *ProcessingError
	assert.True(t, errors.As(err, &perr))
	assert.Equal(t, "broken", perr.Component)
}

func TestWait(t *testing.T) {
	var l lifecycle
	var collected atomic.Int64
	c := MustNewLocalCluster()
	h, err := c.Submit(context.Background(), "wait", Config{}, testGraph(t, &l, &collected))
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.IsError(t, c.Wait(ctx, h), context.DeadlineExceeded)

	errc := make(chan error, 1)
	go func() { errc <- c.Wait(context.Background(), h) }()
	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, c.Kill(context.Background(), h))
	assert.NoError(t, <-errc)

	assert.IsError(t, c.Wait(context.Background(), h), ErrUnknownRun)
}

func TestOptions(t *testing.T) {
	c := MustNewLocalCluster(
		WithLogr(logr.Discard()),
		WithTracerProvider(noop.NewTracerProvider()),
		WithShutdownTimeout(0),
	)
	assert.Equal(t, DefaultShutdownTimeout, c.shutdownTimeout)
	assert.NotZero(t, c.Metrics())
	assert.NoError(t, c.Close(context.Background()))
}

func TestSharedRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewLocalCluster(WithMetricsRegisterer(reg))
	second := MustNewLocalCluster(WithMetricsRegisterer(reg))
	defer first.Close(context.Background())

	var l lifecycle
	var collected atomic.Int64
	h, err := second.Submit(context.Background(), "shared", Config{}, testGraph(t, &l, &collected))
	assert.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for collected.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.NoError(t, second.Kill(context.Background(), h))

	emitted := sumCounter(t, reg, "kstorm_executor_records_emitted_total", map[string]string{"topology": "shared", "component": "numbers"})
	assert.True(t, emitted > 0)
	assert.Equal(t, emitted, float64(collected.Load()))
}

func TestWithLogr(t *testing.T) {
	var buf bytes.Buffer
	c := MustNewLocalCluster(WithLogr(stdr.New(stdlog.New(&buf, "", 0))))

	var l lifecycle
	var collected atomic.Int64
	h, err := c.Submit(context.Background(), "numbers", Config{}, testGraph(t, &l, &collected))
	assert.NoError(t, err)
	assert.NoError(t, c.Kill(context.Background(), h))

	assert.Contains(t, buf.String(), "Topology submitted")
	assert.Contains(t, buf.String(), "Topology killed")
}

func TestLifecycleError(t *testing.T) {
	err := &LifecycleError{Op: "kill", Topology: "wc", Err: ErrUnknownRun}
	assert.Equal(t, "kstorm: kill wc: kstorm: unknown run", err.Error())
	assert.IsError(t, err, ErrUnknownRun)

	err = &LifecycleError{Op: "submit", Err: ErrClusterClosed}
	assert.Equal(t, "kstorm: submit: kstorm: cluster closed", err.Error())
}
