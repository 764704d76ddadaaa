// Package quota memoizes tenant quota lookups and fails open when the
// quota source misbehaves.
package quota

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"access-guard/internal/circuitbreaker"
	"access-guard/internal/common/cache"
	"access-guard/internal/common/clock"
	"access-guard/internal/common/errors"
	"access-guard/internal/common/logging"
	"access-guard/internal/metrics"
	"access-guard/internal/verdict"
)

const (
	reasonNoTenant = "no tenant"
	reasonExceeded = "quota exceeded"
	reasonDegraded = "quota source unavailable"
)

// Entry is one cached lookup
type Entry struct {
	TenantID string    `json:"tenant_id"`
	Allowed  bool      `json:"allowed"`
	CachedAt time.Time `json:"cached_at"`
}

// Valid reports whether the entry may still be served at now
func (e Entry) Valid(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CachedAt) < ttl
}

// Config for the quota cache
type Config struct {
	TTL     time.Duration
	Timeout time.Duration
	// Resource is the resource name passed to the source
	Resource string
}

func DefaultConfig() Config {
	return Config{
		TTL:      60 * time.Second,
		Timeout:  2 * time.Second,
		Resource: "api_requests",
	}
}

func (c Config) Validate() error {
	if c.TTL <= 0 {
		return errors.ConfigError(fmt.Sprintf("quota TTL must be positive, got %v", c.TTL))
	}
	if c.Timeout <= 0 {
		return errors.ConfigError(fmt.Sprintf("quota timeout must be positive, got %v", c.Timeout))
	}
	if c.Resource == "" {
		return errors.ConfigError("quota resource is required")
	}
	return nil
}

// Result of a quota check
type Result struct {
	Outcome verdict.Outcome `json:"outcome"`
	Allowed bool            `json:"allowed"`
	Cached  bool            `json:"cached"`
	Reason  string          `json:"reason,omitempty"`
}

// Cache fronts a Source. Only successful lookups are cached.
type Cache struct {
	source  Source
	entries cache.Cache[Entry]
	config  Config
	breaker *circuitbreaker.Breaker
	group   singleflight.Group
	clock   clock.Clock
	metrics metrics.Recorder
	logger  logging.Logger
}

type Option func(*Cache)

func WithClock(c clock.Clock) Option {
	return func(q *Cache) { q.clock = c }
}

// WithEntries replaces the default local entry cache (for example with a Redis one)
func WithEntries(entries cache.Cache[Entry]) Option {
	return func(q *Cache) { q.entries = entries }
}

func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(q *Cache) { q.breaker = b }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(q *Cache) { q.metrics = r }
}

func WithLogger(logger logging.Logger) Option {
	return func(q *Cache) { q.logger = logger }
}

// New creates a quota cache
func New(source Source, config Config, opts ...Option) (*Cache, error) {
	if source == nil {
		return nil, errors.ConfigError("quota: source is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	q := &Cache{source: source, config: config}
	for _, opt := range opts {
		opt(q)
	}
	q.clock = clock.OrSystem(q.clock)
	q.metrics = metrics.OrNop(q.metrics)
	q.logger = logging.OrDefault(q.logger).WithFields(logging.Field{Key: "component", Value: "quota"})

	if q.entries == nil {
		q.entries = cache.NewLocal[Entry](config.TTL, 0)
	}
	if q.breaker == nil {
		recorder := q.metrics
		b, err := circuitbreaker.New("quota-source", circuitbreaker.DefaultConfig(), q.logger,
			circuitbreaker.OnStateChange(func(name string, _, to circuitbreaker.State) {
				recorder.CircuitState(name, to.String())
			}))
		if err != nil {
			return nil, err
		}
		q.breaker = b
	}
	return q, nil
}

// CheckQuota reports whether tenantID may proceed. It never returns false
// because of an infrastructure fault.
func (q *Cache) CheckQuota(ctx context.Context, tenantID string) bool {
	return q.Check(ctx, tenantID).Allowed
}

// Check is CheckQuota with the outcome and cache status
func (q *Cache) Check(ctx context.Context, tenantID string) Result {
	if tenantID == "" {
		return Result{Outcome: verdict.Allowed, Allowed: true, Reason: reasonNoTenant}
	}

	start := time.Now()
	defer func() { q.metrics.CheckDuration("quota", time.Since(start)) }()

	if entry, ok := q.lookup(ctx, tenantID); ok {
		q.metrics.QuotaLookup("hit")
		return resultFor(entry, true)
	}

	v, err, _ := q.group.Do(tenantID, func() (interface{}, error) {
		// a concurrent flight may have just filled the entry
		if entry, ok := q.lookup(ctx, tenantID); ok {
			return entry, nil
		}
		return q.refresh(ctx, tenantID)
	})
	if err != nil {
		q.metrics.QuotaLookup("error")
		q.metrics.Decision("quota", verdict.Degraded.String())
		q.logger.Error("Quota lookup failed, allowing request", err, logging.Field{Key: "tenant", Value: tenantID})
		return Result{Outcome: verdict.Degraded, Allowed: true, Reason: reasonDegraded}
	}

	q.metrics.QuotaLookup("miss")
	result := resultFor(v.(Entry), false)
	q.metrics.Decision("quota", result.Outcome.String())
	return result
}

// Invalidate drops the cached entry for tenantID
func (q *Cache) Invalidate(ctx context.Context, tenantID string) error {
	if err := q.entries.Delete(ctx, tenantID); err != nil {
		return errors.StoreError("invalidate", err)
	}
	q.logger.Info("Quota cache invalidated", logging.Field{Key: "tenant", Value: tenantID})
	return nil
}

// Sweep removes entries older than the TTL whether or not they were read
func (q *Cache) Sweep(ctx context.Context) (int, error) {
	now := q.clock.Now()
	var stale []string
	err := q.entries.Range(ctx, func(key string, e Entry) bool {
		if !e.Valid(now, q.config.TTL) {
			stale = append(stale, key)
		}
		return true
	})
	if err != nil {
		return 0, errors.StoreError("sweep", err)
	}

	for _, key := range stale {
		if err := q.entries.Delete(ctx, key); err != nil {
			return 0, errors.StoreError("sweep", err)
		}
	}
	if local, ok := q.entries.(*cache.Local[Entry]); ok {
		local.DeleteExpired()
	}

	q.metrics.Evicted("quota", len(stale))
	if n, err := q.entries.Len(ctx); err == nil {
		q.metrics.ActiveKeys("quota", n)
	}
	return len(stale), nil
}

// BreakerState exposes the source breaker for health reporting
func (q *Cache) BreakerState() circuitbreaker.Stats {
	return q.breaker.Stats()
}

func (q *Cache) lookup(ctx context.Context, tenantID string) (Entry, bool) {
	entry, found, err := q.entries.Get(ctx, tenantID)
	if err != nil {
		q.logger.Warn("Quota cache read failed", logging.Field{Key: "tenant", Value: tenantID}, logging.Err(err))
		return Entry{}, false
	}
	if !found || !entry.Valid(q.clock.Now(), q.config.TTL) {
		return Entry{}, false
	}
	return entry, true
}

type lookupResult struct {
	allowed bool
	err     error
}

func (q *Cache) refresh(ctx context.Context, tenantID string) (Entry, error) {
	var allowed bool
	err := q.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, q.config.Timeout)
		defer cancel()

		// the source may ignore ctx; the select bounds the wait either way
		done := make(chan lookupResult, 1)
		go func() {
			ok, err := q.source.CheckLimit(ctx, tenantID, q.config.Resource)
			done <- lookupResult{allowed: ok, err: err}
		}()

		select {
		case res := <-done:
			allowed = res.allowed
			return res.err
		case <-ctx.Done():
			return errors.TimeoutError("quota lookup")
		}
	})
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{TenantID: tenantID, Allowed: allowed, CachedAt: q.clock.Now()}
	if err := q.entries.Set(ctx, tenantID, entry, q.config.TTL); err != nil {
		// serve the fresh answer even if it could not be stored
		q.logger.Warn("Quota cache write failed", logging.Field{Key: "tenant", Value: tenantID}, logging.Err(err))
	}
	return entry, nil
}

func resultFor(e Entry, cached bool) Result {
	if e.Allowed {
		return Result{Outcome: verdict.Allowed, Allowed: true, Cached: cached}
	}
	return Result{Outcome: verdict.Denied, Allowed: false, Cached: cached, Reason: reasonExceeded}
}
