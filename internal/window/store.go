// Package window stores per-key sliding-window event logs.
//
// A record holds the timestamps of accepted events and of rejected ones,
// both pruned to the window on every write. Stores are safe for concurrent
// use; the prune, count and append of a single Observe call happen as one
// atomic step per key.
package window

import (
	"context"
	"time"
)

// Unlimited passed as max to Observe accepts every event
const Unlimited = -1

// Snapshot is a copy of one record taken after pruning
type Snapshot struct {
	Key string
	// Allowed is the decision of the Observe call that produced the snapshot
	Allowed bool
	// Events are the accepted timestamps inside the window, oldest first
	Events    []time.Time
	Denied    int
	FirstSeen time.Time
}

// Count returns the number of accepted events in the window
func (s Snapshot) Count() int {
	return len(s.Events)
}

// Oldest returns the earliest accepted event in the window
func (s Snapshot) Oldest() (time.Time, bool) {
	if len(s.Events) == 0 {
		return time.Time{}, false
	}
	return s.Events[0], true
}

// Store is implemented by MemoryStore and RedisStore
type Store interface {
	// Observe prunes events at or before now-window, then appends now to the
	// accepted log if fewer than max events remain (max < 0 means no limit),
	// or to the denied log otherwise.
	Observe(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Snapshot, error)
	// Peek returns the pruned view of key without modifying it
	Peek(ctx context.Context, key string, now time.Time, window time.Duration) (Snapshot, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	// MarkViolation returns true at most once per window for key
	MarkViolation(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error)
	// Sweep removes records with no activity within staleFactor windows of now
	Sweep(ctx context.Context, now time.Time, staleFactor int) (int, error)
	Len(ctx context.Context) (int, error)
}

// prune drops timestamps at or before cutoff from a sorted slice
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

func countAfter(ts []time.Time, cutoff time.Time) []time.Time {
	out := make([]time.Time, 0, len(ts))
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
