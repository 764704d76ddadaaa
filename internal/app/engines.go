package app

import (
	"context"
	"time"

	"access-guard/internal/common/cache"
	"access-guard/internal/common/errors"
	httpclient "access-guard/internal/common/http"
	"access-guard/internal/common/logging"
	"access-guard/internal/config"
	"access-guard/internal/csrf"
	"access-guard/internal/guard"
	"access-guard/internal/lockout"
	"access-guard/internal/policy"
	"access-guard/internal/quota"
	"access-guard/internal/ratelimit"
	"access-guard/internal/window"
)

// initializeEngines builds the stores and the lockout, rate limit, quota and
// CSRF engines, then the guard that composes them
func (app *App) initializeEngines() error {
	cfg := app.Config

	var (
		windows  window.Store
		attempts window.Store
		blocks   lockout.BlockStore
	)
	if cfg.SharedState() {
		raw := app.Redis.Raw()
		windows = window.NewRedisStore(raw, app.keyPrefix("windows"))
		attempts = window.NewRedisStore(raw, app.keyPrefix("attempts"))
		blocks = lockout.NewRedisBlockStore(raw, app.keyPrefix("blocks"))
	} else {
		windows = window.NewMemoryStore()
		attempts = window.NewMemoryStore()
		blocks = lockout.NewMemoryBlockStore()
	}

	def := ratelimit.Policy{
		Purpose:     ratelimit.DefaultPurpose,
		KeyPrefix:   cfg.RateLimitKeyPrefix,
		Window:      cfg.RateLimitWindow,
		MaxRequests: cfg.RateLimitMaxRequests,
	}
	limiter, err := ratelimit.New(windows, def,
		ratelimit.WithClock(app.Clock),
		ratelimit.WithEmitter(app.Hook),
		ratelimit.WithMetrics(app.Metrics),
		ratelimit.WithLogger(logging.Component("ratelimit")),
	)
	if err != nil {
		return err
	}
	app.Limiter = limiter

	if cfg.PolicyFile != "" {
		app.Policies, err = policy.Load(cfg.PolicyFile, def)
	} else {
		app.Policies, err = policy.NewSet(def)
	}
	if err != nil {
		return err
	}

	engine, err := lockout.New(attempts, blocks, lockout.Config{
		Threshold: cfg.LockoutThreshold,
		Window:    cfg.LockoutWindow,
		Duration:  cfg.LockoutDuration,
		KeyPrefix: cfg.LockoutKeyPrefix,
	},
		lockout.WithClock(app.Clock),
		lockout.WithEmitter(app.Hook),
		lockout.WithMetrics(app.Metrics),
		lockout.WithLogger(logging.Component("lockout")),
	)
	if err != nil {
		return err
	}
	app.Lockout = engine

	guardOpts := []guard.Option{
		guard.WithClock(app.Clock),
		guard.WithMetrics(app.Metrics),
		guard.WithLogger(logging.Component("guard")),
	}
	if cfg.QuotaEnabled {
		if err := app.initializeQuota(); err != nil {
			return err
		}
		guardOpts = append(guardOpts, guard.WithQuota(app.Quota))
	}

	if cfg.CSRFEnabled {
		tokens, err := cache.New[csrf.Token](app.cacheConfig(cfg.SharedState(), cfg.CSRFTTL, "csrf"))
		if err != nil {
			return err
		}
		app.CSRF = csrf.NewStore(tokens, cfg.CSRFTTL, app.Clock)
	}

	app.Guard, err = guard.New(engine, limiter, app.Policies, guardOpts...)
	if err != nil {
		return err
	}

	app.Logger.Info("Engines: Ready",
		logging.Field{Key: "policies", Value: len(app.Policies.Policies())},
		logging.Field{Key: "window", Value: cfg.RateLimitWindow.String()},
		logging.Field{Key: "max_requests", Value: cfg.RateLimitMaxRequests},
		logging.Field{Key: "lockout_threshold", Value: cfg.LockoutThreshold},
		logging.Field{Key: "quota", Value: cfg.QuotaEnabled},
		logging.Field{Key: "csrf", Value: cfg.CSRFEnabled},
	)
	return nil
}

func (app *App) initializeQuota() error {
	cfg := app.Config

	var source quota.Source
	switch cfg.QuotaSource {
	case config.QuotaSourceHTTP:
		source = quota.NewHTTPSource(cfg.QuotaSourceURL, httpclient.NewHTTPClient(httpclient.WithTimeout(cfg.QuotaTimeout)), nil)
	case config.QuotaSourceSQL:
		s, err := quota.OpenSQLSource(cfg.QuotaDBDriver, cfg.QuotaDBDSN)
		if err != nil {
			return err
		}
		app.addCloser(s)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.EnsureSchema(ctx); err != nil {
			return errors.ConnectionError("quota database", err)
		}
		source = s
	default:
		return errors.ConfigError("unsupported quota source " + cfg.QuotaSource)
	}

	shared := cfg.QuotaCacheBackend == config.BackendRedis
	entries, err := cache.New[quota.Entry](app.cacheConfig(shared, cfg.QuotaTTL, "quota"))
	if err != nil {
		return err
	}

	q, err := quota.New(source, quota.Config{
		TTL:      cfg.QuotaTTL,
		Timeout:  cfg.QuotaTimeout,
		Resource: cfg.QuotaResource,
	},
		quota.WithClock(app.Clock),
		quota.WithEntries(entries),
		quota.WithMetrics(app.Metrics),
		quota.WithLogger(logging.Component("quota")),
	)
	if err != nil {
		return err
	}
	app.Quota = q
	return nil
}

func (app *App) cacheConfig(shared bool, ttl time.Duration, kind string) cache.Config {
	if shared && app.Redis != nil {
		return cache.Config{
			Type:        cache.TypeRedis,
			TTL:         ttl,
			KeyPrefix:   app.keyPrefix(kind),
			RedisClient: app.Redis.Raw(),
		}
	}
	return cache.Config{Type: cache.TypeLocal, TTL: ttl, CleanupInterval: ttl}
}
