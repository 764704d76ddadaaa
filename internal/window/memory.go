package window

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

type record struct {
	events      []time.Time
	denied      []time.Time
	firstSeen   time.Time
	lastSeen    time.Time
	window      time.Duration
	violationAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// MemoryStore keeps records in a map split into shards, each with its own lock
type MemoryStore struct {
	shards [shardCount]*shard
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*record)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%shardCount]
}

func (s *MemoryStore) Observe(_ context.Context, key string, now time.Time, window time.Duration, max int) (Snapshot, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		rec = &record{firstSeen: now}
		sh.records[key] = rec
	}

	// Keep the log non-decreasing even if the clock steps back
	if n := len(rec.events); n > 0 && now.Before(rec.events[n-1]) {
		now = rec.events[n-1]
	}

	cutoff := now.Add(-window)
	rec.events = prune(rec.events, cutoff)
	rec.denied = prune(rec.denied, cutoff)
	rec.window = window
	rec.lastSeen = now

	allowed := max < 0 || len(rec.events) < max
	if allowed {
		rec.events = append(rec.events, now)
	} else {
		rec.denied = append(rec.denied, now)
	}

	return rec.snapshot(key, allowed), nil
}

func (s *MemoryStore) Peek(_ context.Context, key string, now time.Time, window time.Duration) (Snapshot, bool, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.records[key]
	if !ok {
		return Snapshot{Key: key, Allowed: true}, false, nil
	}

	cutoff := now.Add(-window)
	return Snapshot{
		Key:       key,
		Allowed:   true,
		Events:    countAfter(rec.events, cutoff),
		Denied:    len(countAfter(rec.denied, cutoff)),
		FirstSeen: rec.firstSeen,
	}, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	_, ok := sh.records[key]
	delete(sh.records, key)
	return ok, nil
}

func (s *MemoryStore) MarkViolation(_ context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		return false, nil
	}
	if !rec.violationAt.IsZero() && now.Sub(rec.violationAt) < window {
		return false, nil
	}
	rec.violationAt = now
	return true, nil
}

// Sweep never holds a write lock while scanning: stale keys are collected
// under the shard's read lock and re-checked under a short write lock.
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time, staleFactor int) (int, error) {
	if staleFactor < 1 {
		staleFactor = 1
	}
	removed := 0

	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		sh.mu.RLock()
		var stale []string
		for key, rec := range sh.records {
			if rec.isStale(now, staleFactor) {
				stale = append(stale, key)
			}
		}
		sh.mu.RUnlock()

		if len(stale) == 0 {
			continue
		}

		sh.mu.Lock()
		for _, key := range stale {
			if rec, ok := sh.records[key]; ok && rec.isStale(now, staleFactor) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	return removed, nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n, nil
}

func (r *record) isStale(now time.Time, staleFactor int) bool {
	return !r.lastSeen.After(now.Add(-time.Duration(staleFactor) * r.window))
}

func (r *record) snapshot(key string, allowed bool) Snapshot {
	events := make([]time.Time, len(r.events))
	copy(events, r.events)
	return Snapshot{
		Key:       key,
		Allowed:   allowed,
		Events:    events,
		Denied:    len(r.denied),
		FirstSeen: r.firstSeen,
	}
}
