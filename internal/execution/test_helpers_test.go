package execution

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/birdayz/kstorm/kprocessor"
	"github.com/birdayz/kstorm/krecord"
	"github.com/birdayz/kstorm/kwait"
	"github.com/prometheus/client_golang/prometheus"
)

func nullLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// sink collects records from all instances of a terminal stage.
type sink struct {
	mu      sync.Mutex
	records []krecord.Record
}

func (s *sink) builder() kprocessor.Builder {
	return kprocessor.ForEach(func(r krecord.Record) {
		s.mu.Lock()
		s.records = append(s.records, r)
		s.mu.Unlock()
	})
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *sink) snapshot() []krecord.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]krecord.Record(nil), s.records...)
}

// eventually polls cond until it holds or the timeout expires.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func words(ws ...string) []krecord.Record {
	out := make([]krecord.Record, len(ws))
	for i, w := range ws {
		out[i] = krecord.Of(krecord.Fields{"word": w})
	}
	return out
}

// testStageRunner builds a single stage runner with its own queue.
func testStageRunner(m *Metrics, stage kprocessor.Stage, router *Router, queueSize int) *Runner {
	return newRunner(runnerConfig{
		log:    nullLogger(),
		info:   kprocessor.TaskInfo{Topology: "test", Component: "stage", Task: 0, Parallelism: 1},
		stage:  stage,
		queue:  NewQueue(queueSize, OverflowBlock),
		router: router,
		wait:   kwait.New(kwait.Config{}),
		instr:  m.instrument("test", "stage", 0),
	})
}

func runAsync(ctx context.Context, r *Runner) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	return errc
}
