package window

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"access-guard/internal/common/utils"
)

// observeScript prunes both logs, decides and appends in one server-side step.
// KEYS: events zset, denied zset, meta hash. ARGV: now ms, window ms, max, member, ttl ms.
var observeScript = redis.NewScript(`
local now = ARGV[1]
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

local last = redis.call('ZRANGE', KEYS[1], -1, -1, 'WITHSCORES')
if #last == 2 and tonumber(last[2]) > tonumber(now) then
	now = last[2]
end
local cutoff = tonumber(now) - window

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', cutoff)

local allowed = 0
if max < 0 or redis.call('ZCARD', KEYS[1]) < max then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	allowed = 1
else
	redis.call('ZADD', KEYS[2], now, ARGV[4])
end

redis.call('HSETNX', KEYS[3], 'first_seen', now)
redis.call('HSET', KEYS[3], 'last_seen', now, 'window', ARGV[2])
for i = 1, 3 do
	redis.call('PEXPIRE', KEYS[i], ARGV[5])
end

return {
	allowed,
	redis.call('ZCARD', KEYS[2]),
	redis.call('HGET', KEYS[3], 'first_seen'),
	redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES'),
}
`)

// violationScript sets the marker unless one younger than the window exists.
// KEYS: violation marker. ARGV: now ms, window ms.
var violationScript = redis.NewScript(`
local prev = redis.call('GET', KEYS[1])
if prev and tonumber(ARGV[1]) - tonumber(prev) < tonumber(ARGV[2]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RedisStore keeps each record in Redis so several guard instances share windows.
// Record keys: <prefix><key>:e (accepted zset), :d (denied zset), :m (meta hash), :v (violation marker).
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	// ttlFactor windows after the last write a record expires on its own
	ttlFactor int
}

// NewRedisStore creates a store under prefix (for example "window:")
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttlFactor: 2}
}

func (s *RedisStore) keys(key string) (events, denied, meta, violation string) {
	base := s.prefix + key
	return base + ":e", base + ":d", base + ":m", base + ":v"
}

func (s *RedisStore) Observe(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Snapshot, error) {
	ek, dk, mk, _ := s.keys(key)
	ttl := time.Duration(s.ttlFactor) * window

	res, err := observeScript.Run(ctx, s.client, []string{ek, dk, mk},
		now.UnixMilli(),
		window.Milliseconds(),
		max,
		fmt.Sprintf("%d-%s", now.UnixMilli(), utils.NewRequestID()),
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("observe %s: %w", key, err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 4 {
		return Snapshot{}, fmt.Errorf("observe %s: unexpected reply %T", key, res)
	}

	allowed, _ := parts[0].(int64)
	denied, _ := parts[1].(int64)
	firstSeen, err := parseMillis(parts[2])
	if err != nil {
		return Snapshot{}, fmt.Errorf("observe %s: first_seen: %w", key, err)
	}
	events, err := parseScores(parts[3])
	if err != nil {
		return Snapshot{}, fmt.Errorf("observe %s: events: %w", key, err)
	}

	return Snapshot{
		Key:       key,
		Allowed:   allowed == 1,
		Events:    events,
		Denied:    int(denied),
		FirstSeen: firstSeen,
	}, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string, now time.Time, window time.Duration) (Snapshot, bool, error) {
	ek, dk, mk, _ := s.keys(key)
	lower := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	pipe := s.client.Pipeline()
	eventsCmd := pipe.ZRangeByScoreWithScores(ctx, ek, &redis.ZRangeBy{Min: lower, Max: "+inf"})
	deniedCmd := pipe.ZCount(ctx, dk, lower, "+inf")
	firstCmd := pipe.HGet(ctx, mk, "first_seen")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, false, fmt.Errorf("peek %s: %w", key, err)
	}

	first, err := firstCmd.Result()
	if errors.Is(err, redis.Nil) {
		return Snapshot{Key: key, Allowed: true}, false, nil
	}
	firstSeen, err := parseMillis(first)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("peek %s: first_seen: %w", key, err)
	}

	zs := eventsCmd.Val()
	events := make([]time.Time, len(zs))
	for i, z := range zs {
		events[i] = time.UnixMilli(int64(z.Score))
	}

	return Snapshot{
		Key:       key,
		Allowed:   true,
		Events:    events,
		Denied:    int(deniedCmd.Val()),
		FirstSeen: firstSeen,
	}, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	ek, dk, mk, vk := s.keys(key)
	n, err := s.client.Del(ctx, ek, dk, mk, vk).Result()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) MarkViolation(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	_, _, _, vk := s.keys(key)
	ok, err := violationScript.Run(ctx, s.client, []string{vk},
		now.UnixMilli(), window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("mark violation %s: %w", key, err)
	}
	return ok == 1, nil
}

// Sweep deletes records whose meta hash says they are stale. Expiry usually
// gets there first; the sweep catches records with a shorter stale horizon.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time, staleFactor int) (int, error) {
	if staleFactor < 1 {
		staleFactor = 1
	}
	removed := 0

	iter := s.client.Scan(ctx, 0, s.prefix+"*:m", 200).Iterator()
	for iter.Next(ctx) {
		metaKey := iter.Val()
		vals, err := s.client.HMGet(ctx, metaKey, "last_seen", "window").Result()
		if isWrongType(err) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("sweep %s: %w", metaKey, err)
		}
		lastSeen, err1 := parseMillis(vals[0])
		windowMs, err2 := parseInt(vals[1])
		if err1 != nil || err2 != nil {
			continue
		}

		horizon := now.Add(-time.Duration(staleFactor) * time.Duration(windowMs) * time.Millisecond)
		if lastSeen.After(horizon) {
			continue
		}

		key := strings.TrimSuffix(strings.TrimPrefix(metaKey, s.prefix), ":m")
		if ok, err := s.Delete(ctx, key); err != nil {
			return removed, err
		} else if ok {
			removed++
		}
	}
	return removed, iter.Err()
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*:m", 200).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}

// isWrongType reports a key under the prefix that is not one of ours
func isWrongType(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE")
}

func parseScores(v interface{}) ([]time.Time, error) {
	flat, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	events := make([]time.Time, 0, len(flat)/2)
	for i := 1; i < len(flat); i += 2 {
		ts, err := parseMillis(flat[i])
		if err != nil {
			return nil, err
		}
		events = append(events, ts)
	}
	return events, nil
}

func parseMillis(v interface{}) (time.Time, error) {
	ms, err := parseInt(v)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func parseInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("unexpected value %T", v)
	}
}
