// Package kremote submits topologies to an external orchestrator through a
// Kafka control topic.
//
// RemoteCluster validates locally and returns as soon as the command is
// acknowledged by the broker. It does not execute anything itself.
package kremote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/birdayz/kstorm"
	"github.com/birdayz/kstorm/internal/ids"
	"github.com/birdayz/kstorm/kdag"
	"github.com/go-logr/logr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultControlTopic is used when no topic is configured.
const DefaultControlTopic = "kstorm-control"

const tracerName = "github.com/birdayz/kstorm/kremote"

// Producer is the part of *kgo.Client used to publish commands.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Option configures a RemoteCluster.
type Option func(*RemoteCluster)

// WithLog sets the logger.
var WithLog = func(log *slog.Logger) Option {
	return func(c *RemoteCluster) {
		c.log = log
	}
}

// WithLogr routes logs to a logr.Logger.
var WithLogr = func(log logr.Logger) Option {
	return func(c *RemoteCluster) {
		c.log = slog.New(logr.ToSlogHandler(log))
	}
}

// WithTopic sets the control topic.
var WithTopic = func(topic string) Option {
	return func(c *RemoteCluster) {
		c.topic = topic
	}
}

// WithTracerProvider sets the tracer provider used for Submit and Kill spans.
var WithTracerProvider = func(tp trace.TracerProvider) Option {
	return func(c *RemoteCluster) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// RemoteCluster implements kstorm.Cluster by producing commands to a control
// topic.
type RemoteCluster struct {
	log      *slog.Logger
	producer Producer
	topic    string
	tracer   trace.Tracer
	client   *kgo.Client

	mu     sync.Mutex
	active map[string]run
}

type run struct {
	handle kstorm.RunHandle
	mode   kstorm.ShutdownMode

	// pending is set until the submit command is acknowledged, killing while
	// a kill command is in flight.
	pending bool
	killing bool
}

var _ kstorm.Cluster = (*RemoteCluster)(nil)

// New creates a RemoteCluster publishing through p.
func New(p Producer, opts ...Option) *RemoteCluster {
	c := &RemoteCluster{
		log:      kstorm.NullLogger(),
		producer: p,
		topic:    DefaultControlTopic,
		tracer:   otel.Tracer(tracerName),
		active:   make(map[string]run),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects a franz-go client to brokers and wraps it. Close releases it.
func Dial(brokers []string, opts ...Option) (*RemoteCluster, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("kremote: connect: %w", err)
	}
	c := New(cl, opts...)
	c.client = cl
	return c, nil
}

// Client returns the franz-go client created by Dial, or nil.
func (c *RemoteCluster) Client() *kgo.Client {
	return c.client
}

// Topic returns the control topic.
func (c *RemoteCluster) Topic() string {
	return c.topic
}

// Submit validates cfg and g and publishes a SubmitCommand.
func (c *RemoteCluster) Submit(ctx context.Context, name string, cfg kstorm.Config, g *kdag.Graph) (kstorm.RunHandle, error) {
	if name == "" {
		name = cfg.Name
	}
	ctx, span := c.tracer.Start(ctx, "kstorm.Submit", trace.WithAttributes(
		attribute.String("topology", name),
		attribute.String("cluster", "remote"),
	))
	defer span.End()

	fail := func(err error) (kstorm.RunHandle, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return kstorm.RunHandle{}, &kstorm.LifecycleError{Op: "submit", Topology: name, Err: err}
	}

	if strings.TrimSpace(name) == "" {
		return fail(fmt.Errorf("%w: topology name is empty", kstorm.ErrInvalidConfig))
	}
	cfg.Name = name
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	if err := g.Validate(); err != nil {
		return fail(err)
	}

	h := kstorm.RunHandle{
		ID:      ids.NewRunID(),
		Name:    name,
		Started: time.Now(),
	}

	// The name is reserved while the command is in flight.
	c.mu.Lock()
	if _, exists := c.active[name]; exists {
		c.mu.Unlock()
		return fail(kstorm.ErrTopologyExists)
	}
	c.active[name] = run{handle: h, mode: cfg.Shutdown, pending: true}
	c.mu.Unlock()

	log := c.log.With("topology", name)
	for _, w := range g.Warnings() {
		log.Warn("Topology warning", "warning", w)
	}

	if err := c.publishSubmit(ctx, h, cfg, g); err != nil {
		c.mu.Lock()
		delete(c.active, name)
		c.mu.Unlock()
		log.Error("Failed to publish submit command", "topic", c.topic, "error", err)
		return fail(err)
	}

	c.mu.Lock()
	c.active[name] = run{handle: h, mode: cfg.Shutdown}
	c.mu.Unlock()

	span.SetAttributes(attribute.String("run.id", h.ID))
	log.Info("Topology handed to orchestrator", "run", h.ID, "topic", c.topic)
	return h, nil
}

func (c *RemoteCluster) publishSubmit(ctx context.Context, h kstorm.RunHandle, cfg kstorm.Config, g *kdag.Graph) error {
	nodes, edges := Describe(g)
	rec, err := encode(c.topic, h.Name, KindSubmit, SubmitCommand{
		RunID:       h.ID,
		Name:        h.Name,
		SubmittedAt: h.Started.UTC(),
		Config:      cfg.Map(),
		Nodes:       nodes,
		Edges:       edges,
	})
	if err != nil {
		return err
	}
	return c.producer.ProduceSync(ctx, rec).FirstErr()
}

// Kill publishes a KillCommand for h. The run is forgotten only once the
// command is acknowledged, so a failed Kill can be retried.
func (c *RemoteCluster) Kill(ctx context.Context, h kstorm.RunHandle) error {
	ctx, span := c.tracer.Start(ctx, "kstorm.Kill", trace.WithAttributes(
		attribute.String("topology", h.Name),
		attribute.String("run.id", h.ID),
		attribute.String("cluster", "remote"),
	))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &kstorm.LifecycleError{Op: "kill", Topology: h.Name, Err: err}
	}

	c.mu.Lock()
	r, ok := c.active[h.Name]
	if !ok || r.handle.ID != h.ID || r.pending {
		c.mu.Unlock()
		return fail(kstorm.ErrUnknownRun)
	}
	if r.killing {
		c.mu.Unlock()
		return fail(fmt.Errorf("%w: kill already in progress", kstorm.ErrUnknownRun))
	}
	r.killing = true
	c.active[h.Name] = r
	c.mu.Unlock()

	err := c.publishKill(ctx, r)

	c.mu.Lock()
	if err != nil {
		r.killing = false
		c.active[h.Name] = r
	} else {
		delete(c.active, h.Name)
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Error("Failed to publish kill command", "topology", h.Name, "run", h.ID, "error", err)
		return fail(err)
	}
	c.log.Info("Kill handed to orchestrator", "topology", h.Name, "run", h.ID, "mode", r.mode)
	return nil
}

func (c *RemoteCluster) publishKill(ctx context.Context, r run) error {
	rec, err := encode(c.topic, r.handle.Name, KindKill, KillCommand{
		RunID:       r.handle.ID,
		Name:        r.handle.Name,
		Mode:        r.mode.String(),
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.producer.ProduceSync(ctx, rec).FirstErr()
}

// KillByName kills the active run with the given name.
func (c *RemoteCluster) KillByName(ctx context.Context, name string) error {
	c.mu.Lock()
	r, ok := c.active[name]
	c.mu.Unlock()
	if !ok {
		return &kstorm.LifecycleError{Op: "kill", Topology: name, Err: kstorm.ErrUnknownRun}
	}
	return c.Kill(ctx, r.handle)
}

// Close releases the client created by Dial. Runs are left to the
// orchestrator.
func (c *RemoteCluster) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
