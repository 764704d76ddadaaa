package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
)

// Cache is a typed TTL cache
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Range calls fn for every live entry until fn returns false
	Range(ctx context.Context, fn func(key string, value V) bool) error
	Len(ctx context.Context) (int, error)
}

// Local wraps patrickmn/go-cache
type Local[V any] struct {
	cache *gocache.Cache
}

// NewLocal creates a local cache; cleanupInterval <= 0 disables go-cache's janitor
func NewLocal[V any](defaultTTL, cleanupInterval time.Duration) *Local[V] {
	return &Local[V]{cache: gocache.New(defaultTTL, cleanupInterval)}
}

func (l *Local[V]) Get(_ context.Context, key string) (V, bool, error) {
	var zero V
	val, found := l.cache.Get(key)
	if !found {
		return zero, false, nil
	}
	typed, ok := val.(V)
	if !ok {
		return zero, false, fmt.Errorf("cache entry %q has type %T", key, val)
	}
	return typed, true, nil
}

func (l *Local[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	l.cache.Set(key, value, ttl)
	return nil
}

func (l *Local[V]) Delete(_ context.Context, key string) error {
	l.cache.Delete(key)
	return nil
}

func (l *Local[V]) Range(_ context.Context, fn func(key string, value V) bool) error {
	// Items returns a copy, so fn may call Delete
	for key, item := range l.cache.Items() {
		typed, ok := item.Object.(V)
		if !ok {
			continue
		}
		if !fn(key, typed) {
			return nil
		}
	}
	return nil
}

func (l *Local[V]) Len(_ context.Context) (int, error) {
	return l.cache.ItemCount(), nil
}

// DeleteExpired drops entries whose go-cache TTL has passed
func (l *Local[V]) DeleteExpired() {
	l.cache.DeleteExpired()
}

// Redis stores JSON-encoded values under keyPrefix+key
type Redis[V any] struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedis creates a Redis-backed cache
func NewRedis[V any](client redis.UniversalClient, keyPrefix string) *Redis[V] {
	return &Redis[V]{client: client, keyPrefix: keyPrefix}
}

func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var value V
	data, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, false, fmt.Errorf("decode cache entry %q: %w", key, err)
	}
	return value, true, nil
}

func (r *Redis[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.keyPrefix+key, data, ttl).Err()
}

func (r *Redis[V]) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.keyPrefix+key).Err()
}

func (r *Redis[V]) Range(ctx context.Context, fn func(key string, value V) bool) error {
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), r.keyPrefix)
		value, found, err := r.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if !fn(key, value) {
			return nil
		}
	}
	return iter.Err()
}

func (r *Redis[V]) Len(ctx context.Context) (int, error) {
	n := 0
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}
