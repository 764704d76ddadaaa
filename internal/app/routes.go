package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"access-guard/internal/common/logging"
	"access-guard/internal/handlers"
	"access-guard/internal/middleware"
)

// Routes builds the HTTP surface: health, metrics and CSRF issuance are
// public, the decision and admin API need an admin token, and everything
// else is guarded and forwarded upstream when a proxy is configured.
func (app *App) Routes() (http.Handler, error) {
	deps := handlers.Deps{
		Guard:         app.Guard,
		Lockout:       app.Lockout,
		Limiter:       app.Limiter,
		Quota:         app.Quota,
		CSRF:          app.CSRF,
		SessionCookie: app.Config.SessionCookie,
		Version:       Version,
		Logger:        logging.Component("handlers"),
	}
	if app.Redis != nil {
		deps.Redis = app.Redis
	}
	h, err := handlers.New(deps)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	router.Use(mux.MiddlewareFunc(middleware.Logging(logging.Component("http"))))

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.Handle("/metrics", app.Metrics.Handler()).Methods("GET")
	router.HandleFunc("/api/v1/csrf", h.IssueCSRFToken).Methods("GET")

	admin := func(path string, fn http.HandlerFunc, method string) {
		router.Handle(path, app.Auth.RequireAdmin(fn)).Methods(method)
	}
	admin("/api/v1/check", h.Check, "POST")
	admin("/api/v1/auth-events", h.AuthEvent, "POST")
	admin("/api/v1/blocks", h.ListBlocks, "GET")
	admin("/api/v1/blocks", h.CreateBlock, "POST")
	admin("/api/v1/blocks/{address}", h.DeleteBlock, "DELETE")
	admin("/api/v1/limits/{key}", h.GetLimit, "GET")
	admin("/api/v1/limits/{key}", h.ResetLimit, "DELETE")
	admin("/api/v1/quota/{tenant}/invalidate", h.InvalidateQuota, "POST")

	if app.Proxy != nil {
		var upstream http.Handler = app.Proxy
		if app.CSRF != nil {
			upstream = middleware.CSRF(app.CSRF, app.Config.SessionCookie)(upstream)
		}
		upstream = middleware.AuthOutcome(app.Guard, app.Config.LoginPaths, app.Config.TrustProxyHeaders)(upstream)

		guardCfg := middleware.DefaultGuardConfig()
		guardCfg.TrustProxyHeaders = app.Config.TrustProxyHeaders
		upstream = middleware.Guard(app.Guard, guardCfg)(upstream)

		router.PathPrefix("/").Handler(upstream)
	}

	return router, nil
}
