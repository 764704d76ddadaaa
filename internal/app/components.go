package app

import (
	"context"

	"access-guard/internal/auth"
	"access-guard/internal/common/logging"
	"access-guard/internal/config"
	"access-guard/internal/locks"
	"access-guard/internal/proxy"
	"access-guard/internal/sweeper"
)

func (app *App) initializeAuth() error {
	svc, err := auth.New(app.Config.AdminJWTSecret, app.Config.AdminTokenTTL)
	if err != nil {
		return err
	}
	app.Auth = svc
	return nil
}

// initializeProxy is a no-op when the guard only serves the decision API
func (app *App) initializeProxy() error {
	if app.Config.UpstreamURL == "" {
		app.Logger.Info("Proxy: Disabled (decision API only)")
		return nil
	}

	p, err := proxy.New(app.Config.UpstreamURL, proxy.WithLogger(logging.Component("proxy")))
	if err != nil {
		return err
	}
	app.Proxy = p
	app.Logger.Info("Proxy: Enabled", logging.Field{Key: "upstream", Value: p.Target().String()})
	return nil
}

// initializeSweeper schedules the cleanup of every store. Tasks touching
// Redis state are marked shared so one instance runs them per interval.
func (app *App) initializeSweeper() error {
	cfg := app.Config

	opts := []sweeper.Option{sweeper.WithLogger(logging.Component("sweeper"))}
	if app.Redis != nil {
		mgr, err := locks.NewManager(app.Redis.Raw(), app.keyPrefix("locks"))
		if err != nil {
			return err
		}
		app.addCloser(mgr)
		opts = append(opts, sweeper.WithLocker(mgr))
	}
	s := sweeper.New(opts...)

	shared := cfg.SharedState()
	tasks := []sweeper.Task{
		{Name: "ratelimit", Spec: sweeper.Every(cfg.SweepInterval), Shared: shared, Run: app.Limiter.Sweep},
		{Name: "lockout", Spec: sweeper.Every(cfg.LockoutSweepInterval), Shared: shared, Run: app.Lockout.Sweep},
	}
	if app.Quota != nil {
		tasks = append(tasks, sweeper.Task{
			Name:   "quota",
			Spec:   sweeper.Every(cfg.SweepInterval),
			Shared: cfg.QuotaCacheBackend == config.BackendRedis,
			Run:    app.Quota.Sweep,
		})
	}
	if app.CSRF != nil {
		tasks = append(tasks, sweeper.Task{
			Name:   "csrf",
			Spec:   sweeper.Every(cfg.LockoutSweepInterval),
			Shared: shared,
			Run:    app.CSRF.Sweep,
		})
	}

	for _, task := range tasks {
		if err := s.Add(task); err != nil {
			return err
		}
	}
	app.Sweeper = s
	return nil
}

// SweepAll runs every registered cleanup task once
func (app *App) SweepAll(ctx context.Context) map[string]int {
	removed := make(map[string]int)
	for _, name := range app.Sweeper.Tasks() {
		n, err := app.Sweeper.RunNow(ctx, name)
		if err != nil {
			app.Logger.Warn("Sweep failed", logging.Field{Key: "task", Value: name}, logging.Err(err))
			continue
		}
		removed[name] = n
	}
	return removed
}
