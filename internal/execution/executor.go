package execution

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/birdayz/kstorm/kdag"
	"github.com/birdayz/kstorm/kprocessor"
	"github.com/birdayz/kstorm/kwait"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Config holds the per-run settings of an Executor.
type Config struct {
	QueueSize int
	Overflow  Overflow
	Wait      kwait.Config
	Debug     bool
}

// Executor owns every runner of one submitted topology.
type Executor struct {
	log      *slog.Logger
	topology string
	graph    *kdag.Graph

	runners map[kdag.NodeID][]*Runner
	queues  map[kdag.NodeID][]*Queue

	eg     errgroup.Group
	cancel context.CancelFunc

	startOnce sync.Once
	done      chan struct{}
	err       error
}

// New instantiates queues, routers and one runner per node instance. The graph
// must have been validated. Nothing runs until Start.
func New(log *slog.Logger, topology string, g *kdag.Graph, cfg Config, metrics *Metrics) (*Executor, error) {
	e := &Executor{
		log:      log,
		topology: topology,
		graph:    g,
		runners:  make(map[kdag.NodeID][]*Runner, len(g.Nodes)),
		queues:   make(map[kdag.NodeID][]*Queue),
		done:     make(chan struct{}),
	}

	instruments := make(map[kdag.NodeID][]*instrument, len(g.Nodes))
	for _, id := range g.IDs() {
		node := g.Nodes[id]
		instr := make([]*instrument, node.Parallelism)
		for i := range instr {
			instr[i] = metrics.instrument(topology, string(id), i)
		}
		instruments[id] = instr

		if node.Kind != kdag.NodeKindStage {
			continue
		}
		queues := make([]*Queue, node.Parallelism)
		for i := range queues {
			q := NewQueue(cfg.QueueSize, cfg.Overflow)
			q.onDrop = instr[i].drop
			queues[i] = q
		}
		e.queues[id] = queues
	}

	routers := make(map[kdag.NodeID]*Router, len(g.Nodes))
	for _, edge := range g.Edges {
		r, ok := routers[edge.From]
		if !ok {
			r = newRouter()
			routers[edge.From] = r
		}
		r.add(edge.StreamName(), string(edge.To), edge.Grouping, e.queues[edge.To])
	}

	for _, id := range g.IDs() {
		node := g.Nodes[id]
		runners := make([]*Runner, node.Parallelism)
		for i := range runners {
			rc := runnerConfig{
				log: log,
				info: kprocessor.TaskInfo{
					Topology:    topology,
					Component:   string(id),
					Task:        i,
					Parallelism: node.Parallelism,
				},
				router: routers[id],
				wait:   kwait.New(cfg.Wait),
				instr:  instruments[id][i],
				debug:  cfg.Debug,
			}
			switch node.Kind {
			case kdag.NodeKindSource:
				rc.source = node.NewSource()
				if rc.source == nil {
					return nil, fmt.Errorf("source %s: builder returned nil", id)
				}
			case kdag.NodeKindStage:
				rc.stage = node.NewStage()
				if rc.stage == nil {
					return nil, fmt.Errorf("stage %s: builder returned nil", id)
				}
				rc.queue = e.queues[id][i]
			}
			runners[i] = newRunner(rc)
		}
		e.runners[id] = runners
	}

	return e, nil
}

// Start launches every runner. The run is detached from ctx; it ends with Stop.
func (e *Executor) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.cancel = cancel

		for _, r := range e.all() {
			e.eg.Go(func() error {
				return r.Run(runCtx)
			})
		}

		go func() {
			_ = e.eg.Wait()
			cancel()
			var err error
			for _, r := range e.all() {
				err = multierr.Append(err, r.Err())
			}
			e.err = err
			close(e.done)
		}()

		e.log.Info("Topology started", "topology", e.topology, "runners", len(e.all()))
	})
}

// Stop shuts the run down and waits for every runner.
//
// In Drain mode sources are stopped first, then stages in topological order;
// each group finishes before the next is stopped, so records drained out of a
// stage still reach a running downstream. Stages on or behind a cycle are
// stopped together at the end. Immediate mode cancels everything at once.
//
// If ctx expires first, the run is cancelled and ctx.Err() is returned.
func (e *Executor) Stop(ctx context.Context, mode ShutdownMode) error {
	if mode == Immediate {
		e.stopImmediately()
		return e.wait(ctx)
	}

	for _, group := range e.stopGroups() {
		var runners []*Runner
		for _, id := range group {
			runners = append(runners, e.runners[id]...)
		}
		e.log.Debug("Draining", "topology", e.topology, "nodes", group)
		for _, r := range runners {
			r.Stop(Drain)
		}
		for _, r := range runners {
			select {
			case <-r.Done():
			case <-ctx.Done():
				e.stopImmediately()
				return ctx.Err()
			}
		}
	}
	return e.wait(ctx)
}

func (e *Executor) stopImmediately() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, r := range e.all() {
		r.Stop(Immediate)
	}
}

func (e *Executor) wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		e.stopImmediately()
		return ctx.Err()
	}
}

// stopGroups returns the drain order: all sources, each acyclic stage, then
// the cyclic remainder.
func (e *Executor) stopGroups() [][]kdag.NodeID {
	groups := [][]kdag.NodeID{e.graph.Sources()}
	ordered, cyclic := e.graph.TopologicalOrder()
	for _, id := range ordered {
		if e.graph.Nodes[id].Kind == kdag.NodeKindStage {
			groups = append(groups, []kdag.NodeID{id})
		}
	}
	if len(cyclic) > 0 {
		groups = append(groups, cyclic)
	}
	return groups
}

// Done is closed when every runner has returned.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Err combines the Prepare and Cleanup failures of all runners. Only valid
// after Done is closed.
func (e *Executor) Err() error {
	return e.err
}

// Alive returns the number of runners still executing.
func (e *Executor) Alive() int {
	n := 0
	for _, r := range e.all() {
		if r.Alive() {
			n++
		}
	}
	return n
}

// Runners returns the runners of one node.
func (e *Executor) Runners(id kdag.NodeID) []*Runner {
	return slices.Clone(e.runners[id])
}

// Queued returns the number of records waiting in the queues of a node.
func (e *Executor) Queued(id kdag.NodeID) int {
	n := 0
	for _, q := range e.queues[id] {
		n += q.Len()
	}
	return n
}

func (e *Executor) all() []*Runner {
	var out []*Runner
	for _, id := range e.graph.IDs() {
		out = append(out, e.runners[id]...)
	}
	return out
}
