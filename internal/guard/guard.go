// Package guard runs the lockout, rate limit and quota checks in order and
// folds their results into one Decision.
package guard

import (
	"context"
	"math"
	"net/http"
	"time"

	"access-guard/internal/common/clock"
	"access-guard/internal/common/errors"
	"access-guard/internal/common/logging"
	"access-guard/internal/lockout"
	"access-guard/internal/metrics"
	"access-guard/internal/policy"
	"access-guard/internal/quota"
	"access-guard/internal/ratelimit"
	"access-guard/internal/verdict"
)

// Stage names the check that produced a decision
type Stage string

const (
	StageNone      Stage = ""
	StageLockout   Stage = "lockout"
	StageRateLimit Stage = "ratelimit"
	StageQuota     Stage = "quota"
)

// Request identifies the caller. Empty fields switch the matching check off.
type Request struct {
	Address  string `json:"address" validate:"omitempty,ip_address"`
	UserID   string `json:"userId,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	Purpose  string `json:"purpose,omitempty"`
}

// Decision is the combined verdict
type Decision struct {
	Outcome           verdict.Outcome `json:"outcome"`
	Allowed           bool            `json:"allowed"`
	Stage             Stage           `json:"stage,omitempty"`
	StatusCode        int             `json:"statusCode"`
	Reason            string          `json:"reason,omitempty"`
	Limit             int             `json:"limit"`
	Remaining         int             `json:"remaining"`
	ResetAt           time.Time       `json:"reset"`
	RetryAfterSeconds int             `json:"retryAfterSeconds"`
	// Degraded lists stages that could not reach their store or source
	Degraded []Stage `json:"degraded,omitempty"`
}

// LockoutChecker is satisfied by *lockout.Engine
type LockoutChecker interface {
	Status(ctx context.Context, address string) lockout.Status
	RecordFailedAttempt(ctx context.Context, address, actor string) lockout.AttemptResult
	RecordSuccessfulAttempt(ctx context.Context, address, actor string)
}

// RateLimiter is satisfied by *ratelimit.Limiter
type RateLimiter interface {
	Check(ctx context.Context, key string, policy ratelimit.Policy) ratelimit.Result
}

// QuotaChecker is satisfied by *quota.Cache
type QuotaChecker interface {
	Check(ctx context.Context, tenantID string) quota.Result
}

type Guard struct {
	lockout  LockoutChecker
	limiter  RateLimiter
	quota    QuotaChecker
	policies *policy.Set
	clock    clock.Clock
	metrics  metrics.Recorder
	logger   logging.Logger
}

type Option func(*Guard)

// WithQuota enables the quota stage
func WithQuota(q QuotaChecker) Option {
	return func(g *Guard) { g.quota = q }
}

func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(g *Guard) { g.metrics = r }
}

func WithLogger(logger logging.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

func New(lock LockoutChecker, limiter RateLimiter, policies *policy.Set, opts ...Option) (*Guard, error) {
	if lock == nil || limiter == nil || policies == nil {
		return nil, errors.ConfigError("guard: lockout, limiter and policies are required")
	}
	g := &Guard{lockout: lock, limiter: limiter, policies: policies}
	for _, opt := range opts {
		opt(g)
	}
	g.clock = clock.OrSystem(g.clock)
	g.metrics = metrics.OrNop(g.metrics)
	g.logger = logging.OrDefault(g.logger).WithFields(logging.Field{Key: "component", Value: "guard"})
	return g, nil
}

// Policies returns the policy set used to pick limiter policies
func (g *Guard) Policies() *policy.Set {
	return g.policies
}

// Evaluate checks lockout, then the limiter, then quota. The first denial wins.
func (g *Guard) Evaluate(ctx context.Context, req Request) Decision {
	start := time.Now()
	d := g.evaluate(ctx, req)
	g.metrics.Decision("guard", d.Outcome.String())
	g.metrics.CheckDuration("guard", time.Since(start))

	if !d.Allowed {
		g.logger.WithContext(ctx).Info("Request denied",
			logging.Field{Key: "stage", Value: string(d.Stage)},
			logging.Field{Key: "ip", Value: req.Address},
			logging.Field{Key: "purpose", Value: req.Purpose},
			logging.Field{Key: "retry_after", Value: d.RetryAfterSeconds},
		)
	}
	return d
}

func (g *Guard) evaluate(ctx context.Context, req Request) Decision {
	pol := g.policies.Policy(req.Purpose)
	var degraded []Stage

	status := g.lockout.Status(ctx, req.Address)
	switch {
	case status.Blocked:
		now := g.clock.Now()
		d := Decision{
			Outcome:    verdict.Denied,
			Stage:      StageLockout,
			StatusCode: http.StatusForbidden,
			Reason:     lockout.PublicMessage,
		}
		if status.Entry != nil {
			d.ResetAt = status.Entry.ExpiresAt
			d.RetryAfterSeconds = ceilSeconds(status.Entry.ExpiresAt.Sub(now))
		}
		return d
	case status.Outcome == verdict.Degraded:
		degraded = append(degraded, StageLockout)
	}

	rl := g.limiter.Check(ctx, pol.Key(req.Address, req.UserID), pol)
	d := Decision{
		Outcome:           verdict.Allowed,
		Allowed:           true,
		StatusCode:        http.StatusOK,
		Limit:             rl.Limit,
		Remaining:         rl.Remaining,
		ResetAt:           rl.ResetAt,
		RetryAfterSeconds: rl.RetryAfterSeconds,
	}
	switch rl.Outcome {
	case verdict.Denied:
		d.Outcome = verdict.Denied
		d.Allowed = false
		d.Stage = StageRateLimit
		d.StatusCode = http.StatusTooManyRequests
		d.Reason = rl.Reason
		d.Degraded = degraded
		return d
	case verdict.Degraded:
		degraded = append(degraded, StageRateLimit)
	}
	// allowed responses carry no retry hint
	d.RetryAfterSeconds = 0

	if g.quota != nil && req.TenantID != "" {
		q := g.quota.Check(ctx, req.TenantID)
		switch q.Outcome {
		case verdict.Denied:
			d.Outcome = verdict.Denied
			d.Allowed = false
			d.Stage = StageQuota
			d.StatusCode = http.StatusTooManyRequests
			d.Reason = q.Reason
			d.Degraded = degraded
			return d
		case verdict.Degraded:
			degraded = append(degraded, StageQuota)
		}
	}

	if len(degraded) > 0 {
		d.Outcome = verdict.Degraded
		d.Degraded = degraded
	}
	return d
}

// ReportAuthOutcome feeds an authentication result into the lockout engine
func (g *Guard) ReportAuthOutcome(ctx context.Context, address, actor string, success bool) lockout.AttemptResult {
	if success {
		g.lockout.RecordSuccessfulAttempt(ctx, address, actor)
		return lockout.AttemptResult{Outcome: verdict.Allowed}
	}
	return g.lockout.RecordFailedAttempt(ctx, address, actor)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
