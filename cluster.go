// Package kstorm runs stream processing topologies.
//
// A topology is built with kdag and submitted to a Cluster. LocalCluster runs
// every source and stage instance as a goroutine in the current process;
// kremote.RemoteCluster hands the topology to an external orchestrator.
package kstorm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/birdayz/kstorm/internal/execution"
	"github.com/birdayz/kstorm/internal/ids"
	"github.com/birdayz/kstorm/kdag"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Cluster accepts topologies for execution.
type Cluster interface {
	// Submit validates cfg and g and starts the topology under name. Nothing
	// runs if it returns an error.
	Submit(ctx context.Context, name string, cfg Config, g *kdag.Graph) (RunHandle, error)
	// Kill stops a submitted topology according to its shutdown mode.
	Kill(ctx context.Context, h RunHandle) error
}

// RunHandle identifies one submitted run.
type RunHandle struct {
	ID      string
	Name    string
	Started time.Time
}

func (h RunHandle) String() string {
	return h.Name + "/" + h.ID
}

type run struct {
	handle  RunHandle
	cfg     Config
	exec    *execution.Executor
	killing bool
}

// LocalCluster executes topologies in-process.
type LocalCluster struct {
	log             *slog.Logger
	registerer      prometheus.Registerer
	gatherer        prometheus.Gatherer
	metrics         *execution.Metrics
	tracer          trace.Tracer
	shutdownTimeout time.Duration

	mu     sync.Mutex
	runs   map[string]*run
	byName map[string]string
	closed bool
}

var _ Cluster = (*LocalCluster)(nil)

// NewLocalCluster creates a LocalCluster.
func NewLocalCluster(opts ...Option) (*LocalCluster, error) {
	c := &LocalCluster{
		log:             NullLogger(),
		tracer:          otel.Tracer(tracerName),
		shutdownTimeout: DefaultShutdownTimeout,
		runs:            make(map[string]*run),
		byName:          make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.registerer == nil {
		reg := prometheus.NewRegistry()
		c.registerer = reg
		c.gatherer = reg
	} else if g, ok := c.registerer.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	if c.shutdownTimeout <= 0 {
		c.shutdownTimeout = DefaultShutdownTimeout
	}

	c.metrics = execution.NewMetrics(c.registerer)
	if err := c.metrics.Register(); err != nil {
		return nil, fmt.Errorf("kstorm: register metrics: %w", err)
	}
	return c, nil
}

// MustNewLocalCluster is like NewLocalCluster but panics on error.
func MustNewLocalCluster(opts ...Option) *LocalCluster {
	c, err := NewLocalCluster(opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Submit validates and starts a topology. An empty name falls back to
// cfg.Name. Zero config fields take their defaults.
func (c *LocalCluster) Submit(ctx context.Context, name string, cfg Config, g *kdag.Graph) (RunHandle, error) {
	if name == "" {
		name = cfg.Name
	}
	ctx, span := c.tracer.Start(ctx, "kstorm.Submit", trace.WithAttributes(attribute.String("topology", name)))
	defer span.End()

	fail := func(err error) (RunHandle, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RunHandle{}, &LifecycleError{Op: "submit", Topology: name, Err: err}
	}

	if strings.TrimSpace(name) == "" {
		return fail(fmt.Errorf("%w: topology name is empty", ErrInvalidConfig))
	}
	cfg.Name = name
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	if err := g.Validate(); err != nil {
		return fail(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fail(ErrClusterClosed)
	}
	if _, exists := c.byName[name]; exists {
		return fail(ErrTopologyExists)
	}

	log := c.log.With("topology", name)
	for _, w := range g.Warnings() {
		log.Warn("Topology warning", "warning", w)
	}

	exec, err := execution.New(log, name, g, cfg.executionConfig(), c.metrics)
	if err != nil {
		return fail(err)
	}

	h := RunHandle{
		ID:      ids.NewRunID(),
		Name:    name,
		Started: time.Now(),
	}
	exec.Start(ctx)

	c.runs[h.ID] = &run{handle: h, cfg: cfg, exec: exec}
	c.byName[name] = h.ID

	span.SetAttributes(attribute.String("run.id", h.ID))
	log.Info("Topology submitted", "run", h.ID, "config", cfg.String())
	return h, nil
}

// Kill stops a run and waits for every instance to exit, bounded by ctx and
// the shutdown timeout. On expiry the run is cancelled and the returned
// LifecycleError wraps the deadline error. Prepare or Cleanup failures of the
// run are returned too.
func (c *LocalCluster) Kill(ctx context.Context, h RunHandle) error {
	ctx, span := c.tracer.Start(ctx, "kstorm.Kill", trace.WithAttributes(
		attribute.String("topology", h.Name),
		attribute.String("run.id", h.ID),
	))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &LifecycleError{Op: "kill", Topology: h.Name, Err: err}
	}

	c.mu.Lock()
	r, ok := c.runs[h.ID]
	if !ok {
		c.mu.Unlock()
		return fail(ErrUnknownRun)
	}
	if r.killing {
		c.mu.Unlock()
		return fail(fmt.Errorf("%w: kill already in progress", ErrUnknownRun))
	}
	r.killing = true
	c.mu.Unlock()

	log := c.log.With("topology", r.handle.Name, "run", r.handle.ID)
	log.Info("Killing topology", "mode", r.cfg.Shutdown)

	stopCtx, cancel := context.WithTimeout(ctx, c.shutdownTimeout)
	defer cancel()
	stopErr := r.exec.Stop(stopCtx, r.cfg.Shutdown)

	c.mu.Lock()
	delete(c.runs, h.ID)
	delete(c.byName, r.handle.Name)
	c.mu.Unlock()

	if stopErr != nil {
		log.Error("Shutdown timeout exceeded", "timeout", c.shutdownTimeout, "error", stopErr)
		return fail(stopErr)
	}
	log.Info("Topology killed", "uptime", time.Since(r.handle.Started))
	if err := r.exec.Err(); err != nil {
		return fail(err)
	}
	return nil
}

// KillByName kills the active run with the given name.
func (c *LocalCluster) KillByName(ctx context.Context, name string) error {
	c.mu.Lock()
	id, ok := c.byName[name]
	var h RunHandle
	if ok {
		h = c.runs[id].handle
	}
	c.mu.Unlock()

	if !ok {
		return &LifecycleError{Op: "kill", Topology: name, Err: ErrUnknownRun}
	}
	return c.Kill(ctx, h)
}

// Wait blocks until every instance of the run has exited, which only happens
// through Kill or Close, or until ctx is done.
func (c *LocalCluster) Wait(ctx context.Context, h RunHandle) error {
	c.mu.Lock()
	r, ok := c.runs[h.ID]
	c.mu.Unlock()
	if !ok {
		return &LifecycleError{Op: "wait", Topology: h.Name, Err: ErrUnknownRun}
	}

	select {
	case <-r.exec.Done():
		return r.exec.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the handles of all submitted runs, oldest first.
func (c *LocalCluster) Active() []RunHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]RunHandle, 0, len(c.runs))
	for _, id := range slices.Sorted(maps.Keys(c.runs)) {
		out = append(out, c.runs[id].handle)
	}
	return out
}

// Alive reports whether any instance of the run is still executing.
func (c *LocalCluster) Alive(h RunHandle) bool {
	c.mu.Lock()
	r, ok := c.runs[h.ID]
	c.mu.Unlock()
	return ok && r.exec.Alive() > 0
}

// Metrics returns the gatherer holding the executor metrics.
func (c *LocalCluster) Metrics() prometheus.Gatherer {
	return c.gatherer
}

// Close kills every active run in parallel and rejects further submits.
func (c *LocalCluster) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	active := c.Active()
	errs := make([]error, len(active))

	var grp errgroup.Group
	for i, h := range active {
		grp.Go(func() error {
			err := c.Kill(ctx, h)
			if errors.Is(err, ErrUnknownRun) {
				err = nil
			}
			errs[i] = err
			return nil
		})
	}
	_ = grp.Wait()
	return multierr.Combine(errs...)
}
