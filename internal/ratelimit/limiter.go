// Package ratelimit implements the sliding-window limiter on top of a window.Store.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"access-guard/internal/common/clock"
	"access-guard/internal/common/errors"
	"access-guard/internal/common/logging"
	"access-guard/internal/metrics"
	"access-guard/internal/notify"
	"access-guard/internal/verdict"
	"access-guard/internal/window"
)

const (
	// staleFactor windows without activity make a record eligible for sweep
	staleFactor = 2
	// severeFactor times the limit within one window counts as a severe violation
	severeFactor = 2

	reasonNoKey    = "no limit applies"
	reasonExceeded = "rate limit exceeded, retry later"
	reasonDegraded = "rate limit store unavailable"
)

// Result of a limiter check
type Result struct {
	Outcome           verdict.Outcome `json:"outcome"`
	Allowed           bool            `json:"allowed"`
	Limit             int             `json:"limit"`
	Remaining         int             `json:"remaining"`
	ResetAt           time.Time       `json:"reset"`
	RetryAfterSeconds int             `json:"retryAfterSeconds"`
	Reason            string          `json:"reason,omitempty"`
}

// Limiter decides allow/deny per key. It is safe for concurrent use.
type Limiter struct {
	store   window.Store
	policy  Policy
	clock   clock.Clock
	emitter notify.Emitter
	metrics metrics.Recorder
	logger  logging.Logger
}

// Option configures a Limiter
type Option func(*Limiter)

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithEmitter sets where severe violations are reported
func WithEmitter(e notify.Emitter) Option {
	return func(l *Limiter) { l.emitter = e }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(l *Limiter) { l.metrics = r }
}

func WithLogger(logger logging.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a limiter with a default policy used by Allow
func New(store window.Store, policy Policy, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.ConfigError("ratelimit: store is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{store: store, policy: policy}
	for _, opt := range opts {
		opt(l)
	}
	l.clock = clock.OrSystem(l.clock)
	l.metrics = metrics.OrNop(l.metrics)
	l.logger = logging.OrDefault(l.logger).WithFields(logging.Field{Key: "component", Value: "ratelimit"})
	return l, nil
}

// Policy returns the default policy
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Allow checks key against the default policy
func (l *Limiter) Allow(ctx context.Context, key string) Result {
	return l.Check(ctx, key, l.policy)
}

// Check records one event for key and reports whether it fits in the window.
// Store failures produce a Degraded result that still allows the call.
func (l *Limiter) Check(ctx context.Context, key string, policy Policy) Result {
	start := time.Now()
	now := l.clock.Now()

	if key == "" {
		return Result{
			Outcome:   verdict.Allowed,
			Allowed:   true,
			Limit:     policy.MaxRequests,
			Remaining: policy.MaxRequests,
			ResetAt:   now,
			Reason:    reasonNoKey,
		}
	}

	snap, err := l.store.Observe(ctx, key, now, policy.Window, policy.MaxRequests)
	if err != nil {
		l.logger.Error("Rate limit check degraded", errors.StoreError("observe", err),
			logging.Field{Key: "key", Value: key},
			logging.Field{Key: "purpose", Value: policy.Purpose},
		)
		l.metrics.Decision("ratelimit", verdict.Degraded.String())
		return Result{
			Outcome:   verdict.Degraded,
			Allowed:   true,
			Limit:     policy.MaxRequests,
			Remaining: policy.MaxRequests,
			ResetAt:   now,
			Reason:    reasonDegraded,
		}
	}

	result := buildResult(snap, policy, now)
	if !snap.Allowed {
		result.Outcome = verdict.Denied
		result.Reason = reasonExceeded
		l.checkSevere(ctx, key, snap, policy, now)
	}

	l.metrics.Decision("ratelimit", result.Outcome.String())
	l.metrics.CheckDuration("ratelimit", time.Since(start))
	return result
}

// Peek reports the state of key without recording an event
func (l *Limiter) Peek(ctx context.Context, key string, policy Policy) (Result, error) {
	now := l.clock.Now()
	snap, _, err := l.store.Peek(ctx, key, now, policy.Window)
	if err != nil {
		return Result{}, errors.StoreError("peek", err)
	}
	result := buildResult(snap, policy, now)
	result.Allowed = result.Remaining > 0
	if !result.Allowed {
		result.Outcome = verdict.Denied
		result.Reason = reasonExceeded
	}
	return result, nil
}

// Events returns the accepted timestamps currently in key's window
func (l *Limiter) Events(ctx context.Context, key string, policy Policy) ([]time.Time, error) {
	snap, _, err := l.store.Peek(ctx, key, l.clock.Now(), policy.Window)
	if err != nil {
		return nil, errors.StoreError("peek", err)
	}
	return snap.Events, nil
}

// Reset forgets key entirely
func (l *Limiter) Reset(ctx context.Context, key string) (bool, error) {
	ok, err := l.store.Delete(ctx, key)
	if err != nil {
		return false, errors.StoreError("delete", err)
	}
	if ok {
		l.logger.Info("Rate limit window reset", logging.Field{Key: "key", Value: key})
	}
	return ok, nil
}

// Sweep removes records idle for two windows
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	removed, err := l.store.Sweep(ctx, l.clock.Now(), staleFactor)
	if err != nil {
		return removed, errors.StoreError("sweep", err)
	}
	l.metrics.Evicted("ratelimit", removed)
	if n, err := l.store.Len(ctx); err == nil {
		l.metrics.ActiveKeys("ratelimit", n)
	}
	return removed, nil
}

func (l *Limiter) checkSevere(ctx context.Context, key string, snap window.Snapshot, policy Policy, now time.Time) {
	total := snap.Count() + snap.Denied
	if total <= severeFactor*policy.MaxRequests {
		return
	}

	first, err := l.store.MarkViolation(ctx, key, now, policy.Window)
	if err != nil {
		l.logger.Warn("Could not record severe violation", logging.Field{Key: "key", Value: key}, logging.Err(err))
		return
	}
	if !first {
		return
	}

	l.logger.Warn("Severe rate limit violation",
		logging.Field{Key: "key", Value: key},
		logging.Field{Key: "requests", Value: total},
		logging.Field{Key: "limit", Value: policy.MaxRequests},
	)
	notify.Emit(l.emitter, fmt.Sprintf("Key %s made %d requests within %s (limit %d)", key, total, policy.Window, policy.MaxRequests),
		notify.Options{
			Title:    "Severe rate limit violation",
			Severity: notify.SeverityCritical,
			Fields: map[string]interface{}{
				"key":      key,
				"purpose":  policy.Purpose,
				"requests": total,
				"limit":    policy.MaxRequests,
				"window":   policy.Window.String(),
			},
		})
}

func buildResult(snap window.Snapshot, policy Policy, now time.Time) Result {
	remaining := policy.MaxRequests - snap.Count()
	if remaining < 0 {
		remaining = 0
	}

	result := Result{
		Outcome:   verdict.Allowed,
		Allowed:   snap.Allowed,
		Limit:     policy.MaxRequests,
		Remaining: remaining,
		ResetAt:   now,
	}

	if oldest, ok := snap.Oldest(); ok {
		result.ResetAt = oldest.Add(policy.Window)
		result.RetryAfterSeconds = retryAfter(result.ResetAt.Sub(now))
	}
	return result
}

func retryAfter(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
