package cache

import (
	"time"

	"github.com/go-redis/redis/v8"

	"access-guard/internal/common/errors"
)

// Type selects the cache backend
type Type string

const (
	TypeLocal Type = "local"
	TypeRedis Type = "redis"
)

// Config holds cache configuration
type Config struct {
	Type            Type
	TTL             time.Duration
	CleanupInterval time.Duration
	KeyPrefix       string
	RedisClient     redis.UniversalClient
}

// New creates a cache for the configured backend
func New[V any](config Config) (Cache[V], error) {
	switch config.Type {
	case TypeLocal, "":
		return NewLocal[V](config.TTL, config.CleanupInterval), nil
	case TypeRedis:
		if config.RedisClient == nil {
			return nil, errors.ConfigError("redis cache needs a redis client")
		}
		return NewRedis[V](config.RedisClient, config.KeyPrefix), nil
	default:
		return nil, errors.ConfigError("unknown cache type " + string(config.Type))
	}
}
