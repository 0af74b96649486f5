package kstorm

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/birdayz/kstorm/internal/execution"
	"github.com/birdayz/kstorm/kwait"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// ShutdownMode selects what happens to queued records when a run is killed.
type ShutdownMode = execution.ShutdownMode

const (
	ShutdownDrain     = execution.Drain
	ShutdownImmediate = execution.Immediate
)

// Overflow selects what a full stage queue does with a new record.
type Overflow = execution.Overflow

const (
	OverflowBlock      = execution.OverflowBlock
	OverflowDropOldest = execution.OverflowDropOldest
)

// ProcessingError attributes a failure in user code to a component instance.
type ProcessingError = execution.ProcessingError

// Keys accepted by ConfigFromMap.
const (
	KeyTopologyName      = "topology.name"
	KeyDebug             = "debug"
	KeyWaitStrategy      = "backpressure.waitStrategy"
	KeyLevel1Threshold   = "backpressure.level1.emptyPollThreshold"
	KeyLevel2Threshold   = "backpressure.level2.emptyPollThreshold"
	KeyLevel3Threshold   = "backpressure.level3.emptyPollThreshold"
	KeyLevel2SleepMicros = "backpressure.level2.sleepMicros"
	KeyLevel3SleepMillis = "backpressure.level3.sleepMillis"
	KeyReceiveBufferSize = "topology.executor.receive.buffer.size"
	KeyOverflow          = "topology.executor.overflow"
	KeyShutdownMode      = "topology.shutdown.mode"
)

// DefaultShutdownTimeout is the default bound on Kill
const DefaultShutdownTimeout = 30 * time.Second

const (
	maxReceiveBufferSize = 1 << 20
	tracerName           = "github.com/birdayz/kstorm"
)

// Config holds the per-topology settings passed to Submit.
type Config struct {
	// Name is used when Submit is called with an empty name.
	Name string
	// Debug logs every record received and emitted.
	Debug bool

	Backpressure kwait.Config

	// QueueSize is the capacity of every stage instance's input queue.
	QueueSize int
	Overflow  Overflow
	Shutdown  ShutdownMode
}

// DefaultConfig returns the settings used for keys that are not set.
func DefaultConfig() Config {
	return Config{
		Backpressure: kwait.Config{}.WithDefaults(),
		QueueSize:    execution.DefaultQueueSize,
		Overflow:     OverflowBlock,
		Shutdown:     ShutdownDrain,
	}
}

// WithDefaults returns c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	c.Backpressure = c.Backpressure.WithDefaults()
	if c.QueueSize == 0 {
		c.QueueSize = execution.DefaultQueueSize
	}
	return c
}

// Validate reports every invalid setting. The error wraps ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.QueueSize < 0 || c.QueueSize > maxReceiveBufferSize {
		errs = append(errs, fmt.Errorf("queue size %d out of range (max %d)", c.QueueSize, maxReceiveBufferSize))
	}
	if c.Overflow != OverflowBlock && c.Overflow != OverflowDropOldest {
		errs = append(errs, fmt.Errorf("unknown overflow policy %s", c.Overflow))
	}
	if c.Shutdown != ShutdownDrain && c.Shutdown != ShutdownImmediate {
		errs = append(errs, fmt.Errorf("unknown shutdown mode %s", c.Shutdown))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c Config) String() string {
	b := c.Backpressure
	return fmt.Sprintf("name=%s debug=%t waitStrategy=%s level1=%d level2=%d level3=%d level2Sleep=%s level3Sleep=%s queueSize=%d overflow=%s shutdown=%s",
		c.Name, c.Debug, b.Kind, b.Level1Count, b.Level2Count, b.Level3Count, b.Level2Sleep, b.Level3Sleep, c.QueueSize, c.Overflow, c.Shutdown)
}

// Map returns c keyed like ConfigFromMap expects. ConfigFromMap(c.Map())
// yields c for any valid, defaulted c with whole-unit sleeps.
func (c Config) Map() map[string]any {
	b := c.Backpressure
	return map[string]any{
		KeyTopologyName:      c.Name,
		KeyDebug:             c.Debug,
		KeyWaitStrategy:      string(b.Kind),
		KeyLevel1Threshold:   b.Level1Count,
		KeyLevel2Threshold:   b.Level2Count,
		KeyLevel3Threshold:   b.Level3Count,
		KeyLevel2SleepMicros: int(b.Level2Sleep / time.Microsecond),
		KeyLevel3SleepMillis: int(b.Level3Sleep / time.Millisecond),
		KeyReceiveBufferSize: c.QueueSize,
		KeyOverflow:          c.Overflow.String(),
		KeyShutdownMode:      c.Shutdown.String(),
	}
}

func (c Config) executionConfig() execution.Config {
	return execution.Config{
		QueueSize: c.QueueSize,
		Overflow:  c.Overflow,
		Wait:      c.Backpressure,
		Debug:     c.Debug,
	}
}

// ConfigFromMap builds a Config from string keys, as carried by topology
// configuration maps. Unknown keys are ignored. Numbers may be any integer
// type or an integral float64, as produced by JSON and YAML decoders.
func ConfigFromMap(m map[string]any) (Config, error) {
	cfg := DefaultConfig()
	cfg.Backpressure = kwait.Config{}

	var errs []error
	for key, v := range m {
		var err error
		switch key {
		case KeyTopologyName:
			cfg.Name, err = asString(v)
		case KeyDebug:
			cfg.Debug, err = asBool(v)
		case KeyWaitStrategy:
			var s string
			if s, err = asString(v); err == nil {
				cfg.Backpressure.Kind, err = kwait.ParseKind(s)
			}
		case KeyLevel1Threshold:
			cfg.Backpressure.Level1Count, err = asInt(v)
		case KeyLevel2Threshold:
			cfg.Backpressure.Level2Count, err = asInt(v)
		case KeyLevel3Threshold:
			cfg.Backpressure.Level3Count, err = asInt(v)
		case KeyLevel2SleepMicros:
			var n int
			n, err = asInt(v)
			cfg.Backpressure.Level2Sleep = time.Duration(n) * time.Microsecond
		case KeyLevel3SleepMillis:
			var n int
			n, err = asInt(v)
			cfg.Backpressure.Level3Sleep = time.Duration(n) * time.Millisecond
		case KeyReceiveBufferSize:
			cfg.QueueSize, err = asInt(v)
		case KeyOverflow:
			var s string
			if s, err = asString(v); err == nil {
				cfg.Overflow, err = execution.ParseOverflow(s)
			}
		case KeyShutdownMode:
			var s string
			if s, err = asString(v); err == nil {
				cfg.Shutdown, err = execution.ParseShutdownMode(s)
			}
		default:
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", v)
	}
	return b, nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

// Option is a function that configures a LocalCluster
type Option func(*LocalCluster)

// WithLog sets the logger for the cluster
var WithLog = func(log *slog.Logger) Option {
	return func(c *LocalCluster) {
		c.log = log
	}
}

// WithLogr routes cluster logs to a logr.Logger
var WithLogr = func(log logr.Logger) Option {
	return func(c *LocalCluster) {
		c.log = slog.New(logr.ToSlogHandler(log))
	}
}

// WithMetricsRegisterer registers executor metrics with reg instead of a
// cluster-private registry.
var WithMetricsRegisterer = func(reg prometheus.Registerer) Option {
	return func(c *LocalCluster) {
		c.registerer = reg
	}
}

// WithShutdownTimeout bounds how long Kill waits for a drain
var WithShutdownTimeout = func(d time.Duration) Option {
	return func(c *LocalCluster) {
		c.shutdownTimeout = d
	}
}

// WithTracerProvider sets the provider for submit and kill spans
var WithTracerProvider = func(tp trace.TracerProvider) Option {
	return func(c *LocalCluster) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// NullWriter is a writer that discards all data
type NullWriter struct{}

func (NullWriter) Write([]byte) (int, error) { return 0, nil }

// NullLogger creates a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
