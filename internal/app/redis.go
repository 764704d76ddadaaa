package app

import (
	"access-guard/internal/common/logging"
	"access-guard/internal/redis"
)

func (app *App) initializeRedis() error {
	if !app.Config.UsesRedis() {
		app.Logger.Info("Redis: Not configured (state is local to this instance)")
		return nil
	}

	client, err := redis.NewClient(app.Config.RedisConfig())
	if err != nil {
		return err
	}

	app.Redis = client
	app.addCloser(client)
	app.Logger.Info("Redis: Connected",
		logging.Field{Key: "address", Value: app.Config.RedisAddress},
		logging.Field{Key: "shared_state", Value: app.Config.SharedState()},
	)
	return nil
}

// keyPrefix gives each Redis-backed store its own namespace so one store's
// scans never see another store's keys
func (app *App) keyPrefix(kind string) string {
	return app.Config.RedisKeyPrefix + ":" + kind + ":"
}
