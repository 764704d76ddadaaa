package lockout

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// BlockEntry is an address-scoped block, active while now < ExpiresAt
type BlockEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the block still applies at now
func (b BlockEntry) Active(now time.Time) bool {
	return now.Before(b.ExpiresAt)
}

// BlockStore persists BlockEntries. Expiry is judged against the caller's now.
type BlockStore interface {
	Get(ctx context.Context, ip string, now time.Time) (BlockEntry, bool, error)
	// PutIfAbsent stores entry unless an active block exists, which is returned instead
	PutIfAbsent(ctx context.Context, entry BlockEntry, now time.Time) (BlockEntry, bool, error)
	// Put stores entry, replacing any existing block
	Put(ctx context.Context, entry BlockEntry, now time.Time) error
	Delete(ctx context.Context, ip string) (bool, error)
	List(ctx context.Context, now time.Time) ([]BlockEntry, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryBlockStore keeps blocks in a map
type MemoryBlockStore struct {
	mu     sync.RWMutex
	blocks map[string]BlockEntry
}

func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{blocks: make(map[string]BlockEntry)}
}

func (s *MemoryBlockStore) Get(_ context.Context, ip string, now time.Time) (BlockEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.blocks[ip]
	if !ok || !entry.Active(now) {
		return BlockEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *MemoryBlockStore) PutIfAbsent(_ context.Context, entry BlockEntry, now time.Time) (BlockEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.blocks[entry.IP]; ok && existing.Active(now) {
		return existing, false, nil
	}
	s.blocks[entry.IP] = entry
	return entry, true, nil
}

func (s *MemoryBlockStore) Put(_ context.Context, entry BlockEntry, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[entry.IP] = entry
	return nil
}

func (s *MemoryBlockStore) Delete(_ context.Context, ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocks[ip]
	delete(s.blocks, ip)
	return ok, nil
}

func (s *MemoryBlockStore) List(_ context.Context, now time.Time) ([]BlockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BlockEntry, 0, len(s.blocks))
	for _, entry := range s.blocks {
		if entry.Active(now) {
			out = append(out, entry)
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *MemoryBlockStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	var expired []string
	for ip, entry := range s.blocks {
		if !entry.Active(now) {
			expired = append(expired, ip)
		}
	}
	s.mu.RUnlock()

	removed := 0
	s.mu.Lock()
	for _, ip := range expired {
		if entry, ok := s.blocks[ip]; ok && !entry.Active(now) {
			delete(s.blocks, ip)
			removed++
		}
	}
	s.mu.Unlock()
	return removed, nil
}

// putIfAbsentScript keeps the block hash {data, expires} unless the stored one
// is still active. Returns the existing data, or nil when the new entry was stored.
// KEYS: block hash. ARGV: now ms, data, expires ms, ttl ms.
var putIfAbsentScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires')
if exp and tonumber(exp) > tonumber(ARGV[1]) then
	return redis.call('HGET', KEYS[1], 'data')
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'expires', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return false
`)

// RedisBlockStore shares blocks across guard instances. Each block is a hash
// under <prefix><ip> holding the JSON entry and its expiry in milliseconds.
type RedisBlockStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBlockStore(client redis.UniversalClient, prefix string) *RedisBlockStore {
	return &RedisBlockStore{client: client, prefix: prefix}
}

func (s *RedisBlockStore) key(ip string) string {
	return s.prefix + ip
}

func (s *RedisBlockStore) Get(ctx context.Context, ip string, now time.Time) (BlockEntry, bool, error) {
	data, err := s.client.HGet(ctx, s.key(ip), "data").Result()
	if stderrors.Is(err, redis.Nil) {
		return BlockEntry{}, false, nil
	}
	if err != nil {
		return BlockEntry{}, false, fmt.Errorf("get block %s: %w", ip, err)
	}
	entry, err := decodeEntry(data)
	if err != nil {
		return BlockEntry{}, false, err
	}
	if !entry.Active(now) {
		return BlockEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *RedisBlockStore) PutIfAbsent(ctx context.Context, entry BlockEntry, now time.Time) (BlockEntry, bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return BlockEntry{}, false, err
	}

	existing, err := putIfAbsentScript.Run(ctx, s.client, []string{s.key(entry.IP)},
		now.UnixMilli(), string(data), entry.ExpiresAt.UnixMilli(), ttlMillis(entry, now)).Text()
	if stderrors.Is(err, redis.Nil) {
		return entry, true, nil
	}
	if err != nil {
		return BlockEntry{}, false, fmt.Errorf("put block %s: %w", entry.IP, err)
	}

	current, err := decodeEntry(existing)
	if err != nil {
		return BlockEntry{}, false, err
	}
	return current, false, nil
}

func (s *RedisBlockStore) Put(ctx context.Context, entry BlockEntry, now time.Time) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := s.key(entry.IP)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "data", string(data), "expires", strconv.FormatInt(entry.ExpiresAt.UnixMilli(), 10))
		pipe.PExpire(ctx, key, time.Duration(ttlMillis(entry, now))*time.Millisecond)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put block %s: %w", entry.IP, err)
	}
	return nil
}

func (s *RedisBlockStore) Delete(ctx context.Context, ip string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(ip)).Result()
	if err != nil {
		return false, fmt.Errorf("delete block %s: %w", ip, err)
	}
	return n > 0, nil
}

func (s *RedisBlockStore) List(ctx context.Context, now time.Time) ([]BlockEntry, error) {
	var out []BlockEntry
	err := s.scan(ctx, func(ip string, entry BlockEntry) error {
		if entry.Active(now) {
			out = append(out, entry)
		}
		return nil
	})
	sortEntries(out)
	return out, err
}

func (s *RedisBlockStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.scan(ctx, func(ip string, entry BlockEntry) error {
		if entry.Active(now) {
			return nil
		}
		ok, err := s.Delete(ctx, ip)
		if ok {
			removed++
		}
		return err
	})
	return removed, err
}

func (s *RedisBlockStore) scan(ctx context.Context, fn func(ip string, entry BlockEntry) error) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.HGet(ctx, key, "data").Result()
		if stderrors.Is(err, redis.Nil) || isWrongType(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("scan blocks: %w", err)
		}
		entry, err := decodeEntry(data)
		if err != nil {
			continue
		}
		if err := fn(strings.TrimPrefix(key, s.prefix), entry); err != nil {
			return err
		}
	}
	return iter.Err()
}

func isWrongType(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE")
}

func decodeEntry(data string) (BlockEntry, error) {
	var entry BlockEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return BlockEntry{}, fmt.Errorf("decode block entry: %w", err)
	}
	return entry, nil
}

// ttlMillis keeps Redis' own expiry at least one second out
func ttlMillis(entry BlockEntry, now time.Time) int64 {
	ms := entry.ExpiresAt.Sub(now).Milliseconds()
	if ms < 1000 {
		ms = 1000
	}
	return ms
}

func sortEntries(entries []BlockEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].BlockedAt.Equal(entries[j].BlockedAt) {
			return entries[i].IP < entries[j].IP
		}
		return entries[i].BlockedAt.Before(entries[j].BlockedAt)
	})
}
