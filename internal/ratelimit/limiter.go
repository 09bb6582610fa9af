// Package ratelimit implements the adaptive, priority-aware rate limiter
// that paces all traffic to the Caldera cloud. The published limits are
// wrong in practice: the service throttles well below them and it is
// unclear whether it meters a continuous bucket or discrete windows. The
// limiter therefore runs a conservative capacity model (Strategy) plus an
// exponential backoff that reacts to observed 429s.
//
// The limiter is purely advisory and is not safe for concurrent use: it is
// owned by the client's execution loop, the only goroutine that consumes
// permits or sets backoff.
package ratelimit

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/caldera-labs/go-caldera/internal/request"
	"github.com/caldera-labs/go-caldera/observability"
)

// Defaults. Four requests a minute with a burst of eight sits at least 20%
// under the lowest ceiling ever observed while probing the service.
const (
	DefaultCapacity          = 8
	DefaultRefillInterval    = 15 * time.Second
	DefaultSafetyMargin      = 0.2
	DefaultBackoffBase       = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffMax        = 10 * time.Minute
	DefaultCriticalBypasses  = 2
	DefaultBypassWindow      = time.Minute
)

// Reason explains a Decision for logging and metrics.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonBackoff        Reason = "backoff"
	ReasonExhausted      Reason = "exhausted"
	ReasonCriticalBypass Reason = "critical_bypass"
)

// Decision is the limiter's advice for one prospective request. The caller
// enforces it; Decide itself never blocks and never fails.
type Decision struct {
	Allowed bool
	Wait    time.Duration
	Reason  Reason
}

// Config configures a Limiter. The zero value of any field selects its
// default.
type Config struct {
	// Capacity is the permit capacity of the token bucket (or the per-window
	// quota when Strategy is set to a FixedWindow).
	Capacity int

	// RefillInterval is the time to regain one permit.
	RefillInterval time.Duration

	// SafetyMargin widens RefillInterval so the effective rate stays that
	// fraction below the configured one. 0.2 means 20% slower.
	SafetyMargin float64

	// BackoffBase is the first backoff after an observed 429.
	BackoffBase time.Duration

	// BackoffMultiplier grows the backoff per consecutive 429.
	BackoffMultiplier float64

	// BackoffMax caps the backoff.
	BackoffMax time.Duration

	// CriticalBypasses is how many critical requests may cut through an
	// active backoff per bypass window.
	CriticalBypasses int

	// BypassWindow is the wall-clock-aligned window in which the bypass
	// budget resets.
	BypassWindow time.Duration

	// Strategy overrides the capacity model. Defaults to a TokenBucket
	// built from Capacity and the margin-adjusted RefillInterval.
	Strategy Strategy

	// Clock overrides the limiter's clock. Used by tests.
	Clock func() time.Time

	Logger  observability.Logger
	Metrics observability.MetricsRecorder
}

// Limiter answers "may this request go out now, and if not, how long to
// wait" and learns from observed responses.
type Limiter struct {
	strategy Strategy
	now      func() time.Time

	consecutiveRateLimits int
	backoffUntil          time.Time

	backoffBase       time.Duration
	backoffMultiplier float64
	backoffMax        time.Duration

	bypassLimit       int
	bypassWindow      time.Duration
	bypassesUsed      int
	bypassWindowStart time.Time

	logger  observability.Logger
	metrics observability.MetricsRecorder
}

// State is a snapshot of the limiter's internals, exposed for logging and
// tests.
type State struct {
	Remaining             float64
	ConsecutiveRateLimits int
	BackoffUntil          time.Time
	CriticalBypassesUsed  int
}

// New creates a Limiter from cfg, validating it once.
func New(cfg Config) (*Limiter, error) {
	if cfg.Capacity < 0 {
		return nil, errors.Newf("capacity must be non-negative, got %d", cfg.Capacity)
	}
	if cfg.SafetyMargin < 0 || cfg.SafetyMargin >= 1 {
		return nil, errors.Newf("safety margin must be in [0,1), got %f", cfg.SafetyMargin)
	}

	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.RefillInterval == 0 {
		cfg.RefillInterval = DefaultRefillInterval
		if cfg.SafetyMargin == 0 {
			cfg.SafetyMargin = DefaultSafetyMargin
		}
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.CriticalBypasses == 0 {
		cfg.CriticalBypasses = DefaultCriticalBypasses
	}
	if cfg.BypassWindow == 0 {
		cfg.BypassWindow = DefaultBypassWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetricsRecorder()
	}

	now := cfg.Clock()

	strategy := cfg.Strategy
	if strategy == nil {
		// Stretch the refill interval so the effective rate sits the
		// safety margin below the configured one.
		interval := time.Duration(float64(cfg.RefillInterval) / (1 - cfg.SafetyMargin))
		strategy = NewTokenBucket(cfg.Capacity, interval, now)
	}

	return &Limiter{
		strategy:          strategy,
		now:               cfg.Clock,
		backoffBase:       cfg.BackoffBase,
		backoffMultiplier: cfg.BackoffMultiplier,
		backoffMax:        cfg.BackoffMax,
		bypassLimit:       cfg.CriticalBypasses,
		bypassWindow:      cfg.BypassWindow,
		bypassWindowStart: now.Truncate(cfg.BypassWindow),
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
	}, nil
}

// Decide advises whether a request of the given priority may go out now.
func (l *Limiter) Decide(priority request.Priority) Decision {
	now := l.now()
	l.rollBypassWindow(now)

	if now.Before(l.backoffUntil) {
		if priority == request.Critical && l.bypassesUsed < l.bypassLimit {
			l.bypassesUsed++
			// Consume a permit when one is available so accounting stays
			// truthful, but the bypass goes through either way.
			l.strategy.Take(now)
			l.logger.Warn("critical request bypassing backoff",
				observability.Field{Key: "bypasses_used", Value: l.bypassesUsed},
				observability.Field{Key: "bypass_limit", Value: l.bypassLimit},
			)
			return Decision{Allowed: true, Reason: ReasonCriticalBypass}
		}

		wait := l.backoffUntil.Sub(now)
		l.metrics.RecordRateLimit("backoff", wait)
		return Decision{Allowed: false, Wait: wait, Reason: ReasonBackoff}
	}

	ok, wait := l.strategy.Take(now)
	if !ok {
		l.metrics.RecordRateLimit("capacity", wait)
		return Decision{Allowed: false, Wait: wait, Reason: ReasonExhausted}
	}

	return Decision{Allowed: true, Reason: ReasonOK}
}

// Record feeds an observed outcome back into the limiter. A rate-limited
// response grows the backoff exponentially and marks the current capacity
// as spent; a success shrinks the consecutive-failure count.
func (l *Limiter) Record(priority request.Priority, succeeded, rateLimited bool) {
	now := l.now()

	if rateLimited {
		l.consecutiveRateLimits++
		backoff := l.backoffFor(l.consecutiveRateLimits)
		l.backoffUntil = now.Add(backoff)
		l.strategy.Exhaust(now)

		l.logger.Warn("rate limited by upstream",
			observability.Field{Key: "priority", Value: priority.String()},
			observability.Field{Key: "consecutive", Value: l.consecutiveRateLimits},
			observability.Field{Key: "backoff", Value: backoff},
		)
		return
	}

	if succeeded && l.consecutiveRateLimits > 0 {
		l.consecutiveRateLimits--
	}
}

// backoffFor computes base * multiplier^(failures-1), capped at the max.
func (l *Limiter) backoffFor(failures int) time.Duration {
	backoff := float64(l.backoffBase)
	for i := 1; i < failures; i++ {
		backoff *= l.backoffMultiplier
		if backoff >= float64(l.backoffMax) {
			return l.backoffMax
		}
	}
	if backoff > float64(l.backoffMax) {
		return l.backoffMax
	}
	return time.Duration(backoff)
}

// rollBypassWindow resets the bypass budget when wall time crosses into a
// new aligned window.
func (l *Limiter) rollBypassWindow(now time.Time) {
	start := now.Truncate(l.bypassWindow)
	if !start.Equal(l.bypassWindowStart) {
		l.bypassWindowStart = start
		l.bypassesUsed = 0
	}
}

// State returns a snapshot of the limiter's internals.
func (l *Limiter) State() State {
	return State{
		Remaining:             l.strategy.Remaining(l.now()),
		ConsecutiveRateLimits: l.consecutiveRateLimits,
		BackoffUntil:          l.backoffUntil,
		CriticalBypassesUsed:  l.bypassesUsed,
	}
}
