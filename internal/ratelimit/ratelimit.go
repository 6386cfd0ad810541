package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrSourceDegraded signals that a source accumulated too many consecutive
// failures and the caller should suspend its streams instead of retrying.
var ErrSourceDegraded = errors.New("source fatally degraded")

// Outcome classifies the result of one request for adaptive backoff purposes.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeThrottled
	OutcomeError
)

// SourceConfig is the per-source rate budget.
type SourceConfig struct {
	RequestsPerMinute float64
	Burst             int
	BackoffFloor      time.Duration
	BackoffCeiling    time.Duration
	FailureLimit      int
}

func (c SourceConfig) withDefaults() SourceConfig {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = 100 * time.Millisecond
	}
	if c.BackoffCeiling < c.BackoffFloor {
		c.BackoffCeiling = 5 * time.Minute
	}
	if c.FailureLimit <= 0 {
		c.FailureLimit = 10
	}
	return c
}

// sourceLimiter combines a token bucket with an adaptive delay. The delay
// grows multiplicatively on throttling/errors and decays on success.
type sourceLimiter struct {
	bucket *rate.Limiter

	mu       sync.Mutex
	cfg      SourceConfig
	delay    time.Duration
	failures int
	degraded bool
}

// Limiter coordinates request budgets across all sources. Each source's
// budget is isolated: exhausting one never blocks another.
type Limiter struct {
	mu      sync.RWMutex
	sources map[string]*sourceLimiter
}

// New builds a Limiter with no registered sources.
func New() *Limiter {
	return &Limiter{sources: make(map[string]*sourceLimiter)}
}

// Register installs the rate budget for a source. Must be called before
// Acquire for that source.
func (l *Limiter) Register(source string, cfg SourceConfig) {
	cfg = cfg.withDefaults()
	sl := &sourceLimiter{
		bucket: rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), cfg.Burst),
		cfg:    cfg,
		delay:  cfg.BackoffFloor,
	}

	l.mu.Lock()
	l.sources[source] = sl
	l.mu.Unlock()
}

func (l *Limiter) limiterFor(source string) (*sourceLimiter, error) {
	l.mu.RLock()
	sl, ok := l.sources[source]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no rate budget registered for source %q", source)
	}
	return sl, nil
}

// Acquire blocks cooperatively until a request permit is available for the
// source, honoring both the adaptive delay and the token bucket. Returns
// ErrSourceDegraded when the source tripped its failure limit.
func (l *Limiter) Acquire(ctx context.Context, source string) error {
	sl, err := l.limiterFor(source)
	if err != nil {
		return err
	}

	sl.mu.Lock()
	degraded := sl.degraded
	delay := sl.delay
	floor := sl.cfg.BackoffFloor
	sl.mu.Unlock()

	if degraded {
		return fmt.Errorf("source %s: %w", source, ErrSourceDegraded)
	}

	// The adaptive delay only gates requests once it has grown above the
	// floor; at the floor the token bucket alone paces the source.
	if delay > floor {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := sl.bucket.Wait(ctx); err != nil {
		return err
	}
	return nil
}

// Report feeds a request outcome back into the adaptive delay. Throttling
// doubles the delay without counting toward the failure limit; errors double
// it and count; sustained success decays the delay toward the floor.
func (l *Limiter) Report(source string, outcome Outcome) {
	sl, err := l.limiterFor(source)
	if err != nil {
		return
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		sl.failures = 0
		sl.delay /= 2
		if sl.delay < sl.cfg.BackoffFloor {
			sl.delay = sl.cfg.BackoffFloor
		}
	case OutcomeThrottled:
		sl.delay = clampDelay(sl.delay*2, sl.cfg)
	case OutcomeError:
		sl.failures++
		sl.delay = clampDelay(sl.delay*2, sl.cfg)
		if sl.failures >= sl.cfg.FailureLimit {
			sl.degraded = true
		}
	}
}

// Degraded reports whether the source is suspended.
func (l *Limiter) Degraded(source string) bool {
	sl, err := l.limiterFor(source)
	if err != nil {
		return false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.degraded
}

// Delay returns the current adaptive delay for the source.
func (l *Limiter) Delay(source string) time.Duration {
	sl, err := l.limiterFor(source)
	if err != nil {
		return 0
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.delay
}

// Reset clears degradation and failure state for a source, typically after a
// cool-down period.
func (l *Limiter) Reset(source string) {
	sl, err := l.limiterFor(source)
	if err != nil {
		return
	}
	sl.mu.Lock()
	sl.degraded = false
	sl.failures = 0
	sl.delay = sl.cfg.BackoffFloor
	sl.mu.Unlock()
}

func clampDelay(d time.Duration, cfg SourceConfig) time.Duration {
	if d > cfg.BackoffCeiling {
		return cfg.BackoffCeiling
	}
	if d < cfg.BackoffFloor {
		return cfg.BackoffFloor
	}
	return d
}
