// Package app wires configuration, stores, engines and the HTTP surface
// into a runnable service.
package app

import (
	"context"
	"io"

	"access-guard/internal/auth"
	"access-guard/internal/common/clock"
	"access-guard/internal/common/logging"
	"access-guard/internal/config"
	"access-guard/internal/csrf"
	"access-guard/internal/guard"
	"access-guard/internal/lockout"
	"access-guard/internal/metrics"
	"access-guard/internal/notify"
	"access-guard/internal/policy"
	"access-guard/internal/proxy"
	"access-guard/internal/quota"
	"access-guard/internal/ratelimit"
	"access-guard/internal/redis"
	"access-guard/internal/sweeper"
)

// Version is stamped at build time
var Version = "dev"

// App holds all the application dependencies
type App struct {
	Config   *config.Config
	Logger   logging.Logger
	Clock    clock.Clock
	Redis    *redis.Client
	Metrics  *metrics.Prometheus
	Notifier *notify.Router
	Hook     *notify.Hook
	Policies *policy.Set
	Limiter  *ratelimit.Limiter
	Lockout  *lockout.Engine
	Quota    *quota.Cache
	CSRF     *csrf.Store
	Guard    *guard.Guard
	Auth     *auth.Service
	Proxy    *proxy.Proxy
	Sweeper  *sweeper.Sweeper

	closers []io.Closer
}

// New creates a new application instance with all dependencies
func New(cfg *config.Config) (*App, error) {
	app := &App{
		Config:  cfg,
		Logger:  logging.Component("app"),
		Clock:   clock.System{},
		Metrics: metrics.NewPrometheus("access_guard"),
	}

	// Initialize components in order of dependency
	steps := []func() error{
		app.initializeRedis,
		app.initializeNotifications,
		app.initializeEngines,
		app.initializeAuth,
		app.initializeProxy,
		app.initializeSweeper,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			app.Cleanup()
			return nil, err
		}
	}
	return app, nil
}

// Shutdown stops the sweeper, waiting for running jobs, and drains queued notifications
func (app *App) Shutdown(ctx context.Context) error {
	if app.Sweeper != nil {
		if err := app.Sweeper.Stop(ctx); err != nil {
			app.Logger.Warn("Sweeper did not stop cleanly", logging.Err(err))
		}
	}
	if app.Hook != nil {
		if err := app.Hook.Close(ctx); err != nil {
			app.Logger.Warn("Notification queue not drained", logging.Err(err))
			return err
		}
	}
	return nil
}

// Cleanup releases connections in reverse order of creation
func (app *App) Cleanup() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil {
			app.Logger.Warn("Error releasing resource", logging.Err(err))
		}
	}
	app.closers = nil
}

func (app *App) addCloser(c io.Closer) {
	app.closers = append(app.closers, c)
}
