// Package redis wraps the go-redis client with the connection checks and
// pub/sub the guard needs when state is shared.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"access-guard/internal/common/errors"
)

const (
	defaultAddress  = "localhost:6379"
	defaultPoolSize = 10
	pingTimeout     = 5 * time.Second
	healthTimeout   = 2 * time.Second
)

type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func (c *Config) options() *redis.Options {
	if c.Address == "" {
		c.Address = defaultAddress
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	return &redis.Options{
		Addr:     c.Address,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	}
}

// Client is one connection pool
type Client struct {
	rdb    *redis.Client
	config *Config
}

// NewClient connects and pings; an unreachable server is an error
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.ConfigError("redis config is required")
	}

	rdb := redis.NewClient(config.options())

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.ConnectionError("redis ping "+config.Address, err)
	}

	return &Client{rdb: rdb, config: config}, nil
}

// Raw exposes the go-redis client for stores that run their own commands
func (c *Client) Raw() redis.UniversalClient {
	return c.rdb
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Publish sends message on channel; values other than string and []byte
// are JSON encoded
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	var payload interface{} = message
	if _, raw := message.(string); !raw {
		if _, raw = message.([]byte); !raw {
			data, err := json.Marshal(message)
			if err != nil {
				return errors.InternalError("encode message for "+channel, err)
			}
			payload = data
		}
	}
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.StoreError("publish to "+channel, err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}
