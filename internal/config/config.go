// Package config loads the service configuration from the environment.
//
// Values come from process environment variables, optionally seeded from a
// .env file in the working directory. Every field has a default except
// ADMIN_JWT_SECRET, which must be at least 32 characters.
//
// Environment Variables:
//
// Server:
//   - PORT: listen port (default: 8080)
//   - TLS_CERT_FILE, TLS_KEY_FILE: serve HTTPS when both are set
//   - UPSTREAM_URL: protected application; empty disables the proxy
//   - TRUST_PROXY_HEADERS: take the client address from X-Forwarded-For / X-Real-IP
//
// Logging:
//   - LOG_LEVEL: debug, info, warn or error (default: info)
//   - LOG_FILE: log file path; stdout when empty
//   - LOG_FORMAT: console or json (default: console)
//
// State:
//   - STORE_BACKEND: memory or redis (default: memory)
//   - REDIS_ADDRESS, REDIS_PASSWORD, REDIS_DB, REDIS_POOL_SIZE, REDIS_KEY_PREFIX
//
// Rate limiting, quota and lockout:
//   - RATE_LIMIT_WINDOW (1m), RATE_LIMIT_MAX_REQUESTS (100), RATE_LIMIT_KEY_PREFIX (ratelimit)
//   - POLICY_FILE: YAML file with per-purpose policies
//   - QUOTA_ENABLED, QUOTA_SOURCE (none, http, sql), QUOTA_SOURCE_URL,
//     QUOTA_DB_DRIVER, QUOTA_DB_DSN, QUOTA_RESOURCE, QUOTA_TTL (60s),
//     QUOTA_TIMEOUT (2s), QUOTA_CACHE_BACKEND (local or redis)
//   - LOCKOUT_THRESHOLD (5), LOCKOUT_WINDOW (5m), LOCKOUT_DURATION (15m)
//   - LOGIN_PATHS: comma separated paths whose responses count as login attempts
//   - SWEEP_INTERVAL (60s), LOCKOUT_SWEEP_INTERVAL (1h)
//
// Notifications:
//   - NOTIFY_CHANNELS: comma separated list of log, webhook, redis, amqp, email
//   - NOTIFY_WEBHOOK_URL, NOTIFY_REDIS_CHANNEL, NOTIFY_AMQP_URL, NOTIFY_AMQP_EXCHANGE
//   - SMTP_HOST, SMTP_PORT, SMTP_USERNAME, SMTP_PASSWORD, SMTP_FROM, SMTP_TO
//
// Admin API and CSRF:
//   - ADMIN_JWT_SECRET (required), ADMIN_TOKEN_TTL (24h)
//   - CSRF_ENABLED, CSRF_TTL (1h), SESSION_COOKIE (session_id)
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/samber/lo"

	"access-guard/internal/common/errors"
	"access-guard/internal/common/validation"
	"access-guard/internal/redis"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	QuotaSourceNone = "none"
	QuotaSourceHTTP = "http"
	QuotaSourceSQL  = "sql"
)

// Config holds all configuration values for the service
type Config struct {
	// Server
	Port              string `env:"PORT" envDefault:"8080" validate:"required,numeric"`
	TLSCert           string `env:"TLS_CERT_FILE"`
	TLSKey            string `env:"TLS_KEY_FILE" validate:"required_with=TLSCert"`
	UpstreamURL       string `env:"UPSTREAM_URL" validate:"omitempty,url"`
	TrustProxyHeaders bool   `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn warning error"`
	LogFile   string `env:"LOG_FILE"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console" validate:"oneof=console json"`

	// State backend
	StoreBackend   string `env:"STORE_BACKEND" envDefault:"memory" validate:"oneof=memory redis"`
	RedisAddress   string `env:"REDIS_ADDRESS" envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0" validate:"min=0,max=15"`
	RedisPoolSize  int    `env:"REDIS_POOL_SIZE" envDefault:"10" validate:"gt=0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"guard" validate:"key_prefix"`

	// Rate limiting
	RateLimitWindow      time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m" validate:"gt=0"`
	RateLimitMaxRequests int           `env:"RATE_LIMIT_MAX_REQUESTS" envDefault:"100" validate:"gt=0"`
	RateLimitKeyPrefix   string        `env:"RATE_LIMIT_KEY_PREFIX" envDefault:"ratelimit" validate:"key_prefix"`
	PolicyFile           string        `env:"POLICY_FILE"`

	// Quota
	QuotaEnabled      bool          `env:"QUOTA_ENABLED" envDefault:"false"`
	QuotaSource       string        `env:"QUOTA_SOURCE" envDefault:"none" validate:"oneof=none http sql"`
	QuotaSourceURL    string        `env:"QUOTA_SOURCE_URL" validate:"omitempty,url"`
	QuotaDBDriver     string        `env:"QUOTA_DB_DRIVER" envDefault:"sqlite3" validate:"oneof=sqlite3 postgres pgx"`
	QuotaDBDSN        string        `env:"QUOTA_DB_DSN"`
	QuotaResource     string        `env:"QUOTA_RESOURCE" envDefault:"api_requests" validate:"required"`
	QuotaTTL          time.Duration `env:"QUOTA_TTL" envDefault:"60s" validate:"gt=0"`
	QuotaTimeout      time.Duration `env:"QUOTA_TIMEOUT" envDefault:"2s" validate:"gt=0"`
	QuotaCacheBackend string        `env:"QUOTA_CACHE_BACKEND" envDefault:"local" validate:"oneof=local redis"`

	// Lockout
	LockoutThreshold int           `env:"LOCKOUT_THRESHOLD" envDefault:"5" validate:"gt=0"`
	LockoutWindow    time.Duration `env:"LOCKOUT_WINDOW" envDefault:"5m" validate:"gt=0"`
	LockoutDuration  time.Duration `env:"LOCKOUT_DURATION" envDefault:"15m" validate:"gt=0"`
	LockoutKeyPrefix string        `env:"LOCKOUT_KEY_PREFIX" envDefault:"lockout" validate:"key_prefix"`
	LoginPaths       []string      `env:"LOGIN_PATHS" envDefault:"/login,/api/auth/login" envSeparator:"," validate:"dive,startswith=/"`

	// Sweeps
	SweepInterval        time.Duration `env:"SWEEP_INTERVAL" envDefault:"60s" validate:"gte=1s"`
	LockoutSweepInterval time.Duration `env:"LOCKOUT_SWEEP_INTERVAL" envDefault:"1h" validate:"gte=1s"`

	// Notifications
	NotifyChannels     []string `env:"NOTIFY_CHANNELS" envDefault:"log" envSeparator:"," validate:"dive,oneof=log webhook redis amqp email"`
	NotifyWebhookURL   string   `env:"NOTIFY_WEBHOOK_URL" validate:"omitempty,url"`
	NotifyRedisChannel string   `env:"NOTIFY_REDIS_CHANNEL" envDefault:"access-guard:events"`
	NotifyAMQPURL      string   `env:"NOTIFY_AMQP_URL" validate:"omitempty,url"`
	NotifyAMQPExchange string   `env:"NOTIFY_AMQP_EXCHANGE" envDefault:"access-guard"`
	SMTPHost           string   `env:"SMTP_HOST"`
	SMTPPort           int      `env:"SMTP_PORT" envDefault:"587" validate:"min=1,max=65535"`
	SMTPUsername       string   `env:"SMTP_USERNAME"`
	SMTPPassword       string   `env:"SMTP_PASSWORD"`
	SMTPFrom           string   `env:"SMTP_FROM" validate:"omitempty,email"`
	SMTPTo             []string `env:"SMTP_TO" envSeparator:"," validate:"dive,email"`

	// Admin API and CSRF
	AdminJWTSecret string        `env:"ADMIN_JWT_SECRET" validate:"required,min=32"`
	AdminTokenTTL  time.Duration `env:"ADMIN_TOKEN_TTL" envDefault:"24h" validate:"gt=0"`
	CSRFEnabled    bool          `env:"CSRF_ENABLED" envDefault:"false"`
	CSRFTTL        time.Duration `env:"CSRF_TTL" envDefault:"1h" validate:"gt=0"`
	SessionCookie  string        `env:"SESSION_COOKIE" envDefault:"session_id" validate:"required"`
}

// Load reads .env when present, then parses the process environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return nil, errors.ConfigError(fmt.Sprintf("failed to read .env: %v", err))
	}
	return Parse(nil)
}

// Parse builds a Config from environ, or from the process environment when environ is nil
func Parse(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("parse environment: %v", err))
	}
	return cfg, nil
}

// Validate checks field rules and the cross-field requirements
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return errors.ConfigError(errors.PublicMessage(err))
	}

	if port, _ := strconv.Atoi(c.Port); port < 1 || port > 65535 {
		return errors.ConfigError("PORT must be a valid port number between 1 and 65535")
	}

	if c.QuotaEnabled {
		switch c.QuotaSource {
		case QuotaSourceHTTP:
			if c.QuotaSourceURL == "" {
				return errors.ConfigError("QUOTA_SOURCE_URL is required when QUOTA_SOURCE=http")
			}
		case QuotaSourceSQL:
			if c.QuotaDBDSN == "" {
				return errors.ConfigError("QUOTA_DB_DSN is required when QUOTA_SOURCE=sql")
			}
		default:
			return errors.ConfigError("QUOTA_SOURCE must be http or sql when QUOTA_ENABLED=true")
		}
	}

	if c.NotifyTo("webhook") && c.NotifyWebhookURL == "" {
		return errors.ConfigError("NOTIFY_WEBHOOK_URL is required for the webhook channel")
	}
	if c.NotifyTo("amqp") && c.NotifyAMQPURL == "" {
		return errors.ConfigError("NOTIFY_AMQP_URL is required for the amqp channel")
	}
	if c.NotifyTo("email") && (c.SMTPHost == "" || c.SMTPFrom == "" || len(c.SMTPTo) == 0) {
		return errors.ConfigError("SMTP_HOST, SMTP_FROM and SMTP_TO are required for the email channel")
	}

	if c.UsesRedis() && c.RedisAddress == "" {
		return errors.ConfigError("REDIS_ADDRESS is required when Redis is in use")
	}
	return nil
}

// SharedState reports whether windows and blocks live in Redis
func (c *Config) SharedState() bool {
	return c.StoreBackend == BackendRedis
}

// UsesRedis reports whether any component needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.SharedState() ||
		(c.QuotaEnabled && c.QuotaCacheBackend == BackendRedis) ||
		c.NotifyTo("redis")
}

// NotifyTo reports whether channel is enabled
func (c *Config) NotifyTo(channel string) bool {
	return lo.Contains(c.NotifyChannels, channel)
}

// RedisConfig returns the client settings
func (c *Config) RedisConfig() *redis.Config {
	return &redis.Config{
		Address:  c.RedisAddress,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		PoolSize: c.RedisPoolSize,
	}
}
