// Package handlers implements the admin and decision API.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"access-guard/internal/common/errors"
	"access-guard/internal/common/logging"
	"access-guard/internal/common/validation"
	"access-guard/internal/csrf"
	"access-guard/internal/guard"
	"access-guard/internal/lockout"
	"access-guard/internal/quota"
	"access-guard/internal/ratelimit"
)

// maxBodyBytes bounds admin request bodies
const maxBodyBytes = 1 << 20

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the engines the handlers operate on. Quota, CSRF and Redis are optional.
type Deps struct {
	Guard   *guard.Guard
	Lockout *lockout.Engine
	Limiter *ratelimit.Limiter
	Quota   *quota.Cache
	CSRF    *csrf.Store
	Redis   HealthChecker
	// SessionCookie names the cookie CSRF tokens are bound to
	SessionCookie string
	Version       string
	Logger        logging.Logger
}

type Handlers struct {
	guard         *guard.Guard
	lockout       *lockout.Engine
	limiter       *ratelimit.Limiter
	quota         *quota.Cache
	csrf          *csrf.Store
	redis         HealthChecker
	sessionCookie string
	version       string
	logger        logging.Logger
}

func New(deps Deps) (*Handlers, error) {
	if deps.Guard == nil || deps.Lockout == nil || deps.Limiter == nil {
		return nil, errors.ConfigError("handlers: guard, lockout and limiter are required")
	}
	cookie := deps.SessionCookie
	if cookie == "" {
		cookie = "session_id"
	}
	logger := logging.OrDefault(deps.Logger).WithFields(logging.Field{Key: "component", Value: "api"})
	return &Handlers{
		guard:         deps.Guard,
		lockout:       deps.Lockout,
		limiter:       deps.Limiter,
		quota:         deps.Quota,
		csrf:          deps.CSRF,
		redis:         deps.Redis,
		sessionCookie: cookie,
		version:       deps.Version,
		logger:        logger,
	}, nil
}

// decode reads a JSON body into v and validates it
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return errors.ValidationError("request body is required")
		}
		return errors.ValidationError("invalid JSON body: " + err.Error())
	}
	return validation.Struct(v)
}
