package app

import (
	"access-guard/internal/common/errors"
	httpclient "access-guard/internal/common/http"
	"access-guard/internal/common/logging"
	"access-guard/internal/common/utils"
	"access-guard/internal/notify"
)

// initializeNotifications registers every configured channel on the router
// and puts the asynchronous hook in front of it
func (app *App) initializeNotifications() error {
	cfg := app.Config
	logger := logging.Component("notify")
	router := notify.NewRouter(cfg.NotifyChannels, logger, app.Metrics)

	router.Register("log", notify.NewLogNotifier(logger))

	if cfg.NotifyTo("webhook") {
		client := httpclient.NewHTTPClient()
		router.Register("webhook", notify.NewWebhookNotifier(cfg.NotifyWebhookURL, client, nil).
			WithRetry(utils.DefaultRetryConfig()))
	}

	if cfg.NotifyTo("redis") {
		if app.Redis == nil {
			return errors.ConfigError("redis notifications need a Redis connection")
		}
		router.Register("redis", notify.NewRedisNotifier(app.Redis, cfg.NotifyRedisChannel))
	}

	if cfg.NotifyTo("amqp") {
		n, err := notify.DialAMQP(cfg.NotifyAMQPURL, cfg.NotifyAMQPExchange)
		if err != nil {
			return errors.ConnectionError("amqp notifications", err)
		}
		app.addCloser(n)
		router.Register("amqp", n)
	}

	if cfg.NotifyTo("email") {
		router.Register("email", notify.NewEmailNotifier(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			To:       cfg.SMTPTo,
		}))
	}

	app.Notifier = router
	app.Hook = notify.NewHook(router, notify.DefaultHookConfig(), logger, app.Metrics)
	app.Logger.Info("Notifications: Enabled", logging.Field{Key: "channels", Value: router.Channels()})
	return nil
}
