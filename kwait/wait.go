// Package kwait implements the idle back-off a runner applies when it polls an
// empty queue or a source that produced nothing.
//
// A Strategy is owned by exactly one runner and is not safe for concurrent
// use. Its state is derived from nothing but the local empty-poll counter, so
// runners never coordinate over it.
package kwait

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Level is the escalation step of a progressive strategy.
type Level int

const (
	LevelNormal Level = iota
	Level1
	Level2
	Level3
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case Level1:
		return "LEVEL1"
	case Level2:
		return "LEVEL2"
	case Level3:
		return "LEVEL3"
	default:
		return "UNKNOWN"
	}
}

// Kind selects a strategy implementation.
type Kind string

const (
	KindProgressive Kind = "progressive"
	KindNone        Kind = "none"
)

// ParseKind parses a strategy name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindProgressive, "":
		return KindProgressive, nil
	case KindNone:
		return KindNone, nil
	}
	return "", fmt.Errorf("kwait: unknown wait strategy %q", s)
}

// Defaults mirror the progressive backpressure settings of the word count topology.
const (
	DefaultLevel1Count = 1
	DefaultLevel2Count = 100
	DefaultLevel2Sleep = 10 * time.Microsecond
	DefaultLevel3Sleep = time.Millisecond
)

// Config configures a strategy. Zero values fall back to defaults.
type Config struct {
	Kind Kind

	// Level1Count is the number of consecutive empty polls after which the
	// runner starts yielding.
	Level1Count int
	// Level2Count is the number of consecutive empty polls after which the
	// runner yields and sleeps Level2Sleep.
	Level2Count int
	// Level3Count is the number of consecutive empty polls after which every
	// further empty poll sleeps Level3Sleep. Defaults to 2*Level2Count.
	Level3Count int

	Level2Sleep time.Duration
	Level3Sleep time.Duration
}

// WithDefaults returns c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Kind == "" {
		c.Kind = KindProgressive
	}
	if c.Level1Count == 0 {
		c.Level1Count = DefaultLevel1Count
	}
	if c.Level2Count == 0 {
		c.Level2Count = DefaultLevel2Count
	}
	if c.Level3Count == 0 {
		c.Level3Count = 2 * c.Level2Count
	}
	if c.Level2Sleep == 0 {
		c.Level2Sleep = DefaultLevel2Sleep
	}
	if c.Level3Sleep == 0 {
		c.Level3Sleep = DefaultLevel3Sleep
	}
	return c
}

// Validate checks that thresholds are positive and ordered.
func (c Config) Validate() error {
	var errs []error
	if _, err := ParseKind(string(c.Kind)); err != nil {
		errs = append(errs, err)
	}
	if c.Level1Count < 0 || c.Level2Count < 0 || c.Level3Count < 0 {
		errs = append(errs, errors.New("kwait: empty poll thresholds cannot be negative"))
	}
	if c.Level2Count > 0 && c.Level1Count > c.Level2Count {
		errs = append(errs, fmt.Errorf("kwait: level1 threshold %d exceeds level2 threshold %d", c.Level1Count, c.Level2Count))
	}
	if c.Level3Count > 0 && c.Level2Count > c.Level3Count {
		errs = append(errs, fmt.Errorf("kwait: level2 threshold %d exceeds level3 threshold %d", c.Level2Count, c.Level3Count))
	}
	if c.Level2Sleep < 0 || c.Level3Sleep < 0 {
		errs = append(errs, errors.New("kwait: sleep durations cannot be negative"))
	}
	return errors.Join(errs...)
}

// Strategy decides how long a runner backs off after an empty poll.
type Strategy interface {
	// Idle records one empty poll and blocks according to the current level.
	// It returns early when ctx is cancelled.
	Idle(ctx context.Context)
	// Reset is called after productive work.
	Reset()
	Level() Level
	EmptyPolls() int
}

// New builds a fresh strategy from cfg. Each runner must get its own.
func New(cfg Config) Strategy {
	cfg = cfg.WithDefaults()
	if cfg.Kind == KindNone {
		return &None{}
	}
	return NewProgressive(cfg)
}
