package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"access-guard/internal/common/logging"
	"access-guard/internal/config"
	"access-guard/internal/server"
)

const shutdownTimeout = 30 * time.Second

// Run starts the service and blocks until ctx is cancelled, a termination
// signal arrives or the listener fails
func Run(ctx context.Context, cfg *config.Config) error {
	if err := logging.InitGlobalLogger(cfg.LogLevel, cfg.LogFile, logging.Format(cfg.LogFormat)); err != nil {
		return err
	}
	defer logging.MustSync()

	app, err := New(cfg)
	if err != nil {
		return err
	}
	defer app.Cleanup()

	handler, err := app.Routes()
	if err != nil {
		return err
	}

	app.Sweeper.Start()

	srv := server.New(handler, server.Config{
		Port:    cfg.Port,
		TLSCert: cfg.TLSCert,
		TLSKey:  cfg.TLSKey,
	}, logging.Component("server"))
	if err := srv.Start(); err != nil {
		_ = app.Shutdown(context.Background())
		return err
	}
	app.Logger.Info("Access guard started",
		logging.Field{Key: "port", Value: cfg.Port},
		logging.Field{Key: "version", Value: Version},
		logging.Field{Key: "store", Value: cfg.StoreBackend},
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		app.Logger.Info("Shutting down", logging.Field{Key: "signal", Value: sig.String()})
	case <-ctx.Done():
		app.Logger.Info("Shutting down", logging.Err(ctx.Err()))
	case err, ok := <-srv.Errors():
		if ok && err != nil {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("Server forced to shutdown", err)
	}
	if err := app.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	app.Logger.Info("Access guard stopped")
	return runErr
}
