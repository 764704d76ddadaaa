// Package lockout counts failed authentication attempts per (address, actor)
// and blocks the address once a threshold is crossed.
package lockout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"access-guard/internal/common/clock"
	"access-guard/internal/common/errors"
	"access-guard/internal/common/logging"
	"access-guard/internal/metrics"
	"access-guard/internal/notify"
	"access-guard/internal/verdict"
	"access-guard/internal/window"
)

// PublicMessage is shown to blocked callers. It never names the account.
const PublicMessage = "temporarily blocked"

const reasonThreshold = "too many failed authentication attempts"

// Config for the lockout engine
type Config struct {
	Threshold int           `json:"threshold"`
	Window    time.Duration `json:"window"`
	Duration  time.Duration `json:"duration"`
	KeyPrefix string        `json:"key_prefix"`
}

func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Window:    5 * time.Minute,
		Duration:  15 * time.Minute,
		KeyPrefix: "lockout",
	}
}

func (c Config) Validate() error {
	if c.Threshold <= 0 {
		return errors.ConfigError(fmt.Sprintf("lockout threshold must be positive, got %d", c.Threshold))
	}
	if c.Window <= 0 {
		return errors.ConfigError(fmt.Sprintf("lockout window must be positive, got %v", c.Window))
	}
	if c.Duration <= 0 {
		return errors.ConfigError(fmt.Sprintf("lockout duration must be positive, got %v", c.Duration))
	}
	if c.KeyPrefix == "" {
		return errors.ConfigError("lockout key prefix is required")
	}
	return nil
}

// Status of an address
type Status struct {
	Outcome verdict.Outcome `json:"outcome"`
	Blocked bool            `json:"blocked"`
	Entry   *BlockEntry     `json:"entry,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// AttemptResult describes what a failed attempt did
type AttemptResult struct {
	Outcome  verdict.Outcome `json:"outcome"`
	Attempts int             `json:"attempts"`
	// Remaining failed attempts before the address is blocked
	Remaining int  `json:"remaining"`
	Blocked   bool `json:"blocked"`
	// NewlyBlocked is true only for the attempt that created the block
	NewlyBlocked bool        `json:"newly_blocked"`
	Entry        *BlockEntry `json:"entry,omitempty"`
}

// Engine is safe for concurrent use
type Engine struct {
	attempts window.Store
	blocks   BlockStore
	config   Config
	clock    clock.Clock
	emitter  notify.Emitter
	metrics  metrics.Recorder
	logger   logging.Logger
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithEmitter(em notify.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an engine. attempts holds the per (address, actor) logs.
func New(attempts window.Store, blocks BlockStore, config Config, opts ...Option) (*Engine, error) {
	if attempts == nil || blocks == nil {
		return nil, errors.ConfigError("lockout: attempt and block stores are required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{attempts: attempts, blocks: blocks, config: config}
	for _, opt := range opts {
		opt(e)
	}
	e.clock = clock.OrSystem(e.clock)
	e.metrics = metrics.OrNop(e.metrics)
	e.logger = logging.OrDefault(e.logger).WithFields(logging.Field{Key: "component", Value: "lockout"})
	return e, nil
}

func (e *Engine) Config() Config {
	return e.config
}

// AttemptKey is the composite key of an attempt log
func (e *Engine) AttemptKey(address, actor string) string {
	return e.config.KeyPrefix + ":" + address + "|" + actor
}

// IsBlocked reports whether address has an active block. A store failure
// reads as not blocked.
func (e *Engine) IsBlocked(ctx context.Context, address string) bool {
	return e.Status(ctx, address).Blocked
}

func (e *Engine) Status(ctx context.Context, address string) Status {
	address = strings.TrimSpace(address)
	if address == "" {
		return Status{Outcome: verdict.Allowed}
	}

	entry, found, err := e.blocks.Get(ctx, address, e.clock.Now())
	if err != nil {
		e.logger.Error("Block lookup failed, allowing request", errors.StoreError("get", err),
			logging.Field{Key: "ip", Value: address})
		e.metrics.Decision("lockout", verdict.Degraded.String())
		return Status{Outcome: verdict.Degraded, Reason: "block store unavailable"}
	}
	if !found {
		e.metrics.Decision("lockout", verdict.Allowed.String())
		return Status{Outcome: verdict.Allowed}
	}

	e.metrics.Decision("lockout", verdict.Denied.String())
	return Status{Outcome: verdict.Denied, Blocked: true, Entry: &entry, Reason: PublicMessage}
}

// RecordFailedAttempt appends a failure for (address, actor) and blocks the
// address once the pruned count reaches the threshold. An existing block is
// left as is.
func (e *Engine) RecordFailedAttempt(ctx context.Context, address, actor string) AttemptResult {
	address = strings.TrimSpace(address)
	if address == "" {
		return AttemptResult{Outcome: verdict.Allowed, Remaining: e.config.Threshold}
	}
	now := e.clock.Now()

	snap, err := e.attempts.Observe(ctx, e.AttemptKey(address, actor), now, e.config.Window, window.Unlimited)
	if err != nil {
		e.logger.Error("Failed to record attempt", errors.StoreError("observe", err),
			logging.Field{Key: "ip", Value: address})
		return AttemptResult{Outcome: verdict.Degraded, Remaining: e.config.Threshold}
	}

	count := snap.Count()
	result := AttemptResult{
		Outcome:   verdict.Allowed,
		Attempts:  count,
		Remaining: max(0, e.config.Threshold-count),
	}
	if count < e.config.Threshold {
		e.logger.Debug("Failed attempt recorded",
			logging.Field{Key: "ip", Value: address},
			logging.Field{Key: "attempts", Value: count},
		)
		return result
	}

	entry := BlockEntry{
		IP:        address,
		Reason:    reasonThreshold,
		BlockedAt: now,
		ExpiresAt: now.Add(e.config.Duration),
	}
	stored, created, err := e.blocks.PutIfAbsent(ctx, entry, now)
	if err != nil {
		e.logger.Error("Failed to store block", errors.StoreError("put", err), logging.Field{Key: "ip", Value: address})
		result.Outcome = verdict.Degraded
		return result
	}

	result.Outcome = verdict.Denied
	result.Blocked = true
	result.NewlyBlocked = created
	result.Entry = &stored

	if created {
		e.metrics.BlockIssued("threshold")
		e.logger.Warn("Address blocked",
			logging.Field{Key: "ip", Value: address},
			logging.Field{Key: "attempts", Value: count},
			logging.Field{Key: "expires_at", Value: stored.ExpiresAt},
		)
		notify.Emit(e.emitter,
			fmt.Sprintf("Address %s blocked after %d failed attempts within %s", address, count, e.config.Window),
			notify.Options{
				Title:    "Address blocked",
				Severity: notify.SeverityHigh,
				Fields: map[string]interface{}{
					"ip":         address,
					"actor":      actor,
					"attempts":   count,
					"expires_at": stored.ExpiresAt.Format(time.RFC3339),
				},
			})
	}
	return result
}

// RecordSuccessfulAttempt clears the attempt log for (address, actor). It
// never lifts an active block.
func (e *Engine) RecordSuccessfulAttempt(ctx context.Context, address, actor string) {
	address = strings.TrimSpace(address)
	if address == "" {
		return
	}
	if _, err := e.attempts.Delete(ctx, e.AttemptKey(address, actor)); err != nil {
		e.logger.Warn("Failed to clear attempts", logging.Field{Key: "ip", Value: address}, logging.Err(err))
	}
}

// Unblock removes the block for address
func (e *Engine) Unblock(ctx context.Context, address string) (bool, error) {
	ok, err := e.blocks.Delete(ctx, address)
	if err != nil {
		return false, errors.StoreError("delete", err)
	}
	if ok {
		e.logger.Info("Address unblocked", logging.Field{Key: "ip", Value: address})
	}
	return ok, nil
}

// Block places an administrative block, replacing any existing one.
// duration <= 0 uses the configured lockout duration.
func (e *Engine) Block(ctx context.Context, address, reason string, duration time.Duration) (BlockEntry, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return BlockEntry{}, errors.ValidationError("address is required")
	}
	if duration <= 0 {
		duration = e.config.Duration
	}
	if reason == "" {
		reason = "blocked by administrator"
	}

	now := e.clock.Now()
	entry := BlockEntry{IP: address, Reason: reason, BlockedAt: now, ExpiresAt: now.Add(duration)}
	if err := e.blocks.Put(ctx, entry, now); err != nil {
		return BlockEntry{}, errors.StoreError("put", err)
	}

	e.metrics.BlockIssued("manual")
	e.logger.Info("Address blocked manually",
		logging.Field{Key: "ip", Value: address},
		logging.Field{Key: "duration", Value: duration.String()},
	)
	notify.Emit(e.emitter, fmt.Sprintf("Address %s blocked for %s: %s", address, duration, reason),
		notify.Options{
			Title:    "Address blocked manually",
			Severity: notify.SeverityMedium,
			Fields:   map[string]interface{}{"ip": address, "reason": reason},
		})
	return entry, nil
}

// ListBlocks returns the active blocks, oldest first
func (e *Engine) ListBlocks(ctx context.Context) ([]BlockEntry, error) {
	entries, err := e.blocks.List(ctx, e.clock.Now())
	if err != nil {
		return nil, errors.StoreError("list", err)
	}
	return entries, nil
}

// Sweep drops expired blocks and attempt logs with nothing left in the window
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	now := e.clock.Now()

	blocks, err := e.blocks.DeleteExpired(ctx, now)
	if err != nil {
		return blocks, errors.StoreError("sweep blocks", err)
	}
	attempts, err := e.attempts.Sweep(ctx, now, 1)
	if err != nil {
		return blocks + attempts, errors.StoreError("sweep attempts", err)
	}

	e.metrics.Evicted("lockout", blocks+attempts)
	if n, err := e.attempts.Len(ctx); err == nil {
		e.metrics.ActiveKeys("lockout", n)
	}
	if blocks+attempts > 0 {
		e.logger.Debug("Lockout sweep finished",
			logging.Field{Key: "blocks", Value: blocks},
			logging.Field{Key: "attempts", Value: attempts},
		)
	}
	return blocks + attempts, nil
}
