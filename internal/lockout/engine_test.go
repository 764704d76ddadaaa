package lockout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"access-guard/internal/common/clock"
	"access-guard/internal/common/logging"
	"access-guard/internal/notify"
	"access-guard/internal/verdict"
	"access-guard/internal/window"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingEmitter struct {
	mu     sync.Mutex
	events []notify.Options
}

func (r *recordingEmitter) Emit(_ string, opts notify.Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, opts)
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type failingBlocks struct{ BlockStore }

func (failingBlocks) Get(context.Context, string, time.Time) (BlockEntry, bool, error) {
	return BlockEntry{}, false, errors.New("redis: connection refused")
}

type stores struct {
	attempts window.Store
	blocks   BlockStore
}

func eachBackend(t *testing.T, fn func(t *testing.T, s stores)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, stores{window.NewMemoryStore(), NewMemoryBlockStore()})
	})
	t.Run("redis", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		fn(t, stores{window.NewRedisStore(client, "attempts:"), NewRedisBlockStore(client, "block:")})
	})
}

func newTestEngine(t *testing.T, s stores) (*Engine, *clock.Fake, *recordingEmitter) {
	t.Helper()
	clk := clock.NewFake(t0)
	emitter := &recordingEmitter{}
	e, err := New(s.attempts, s.blocks, DefaultConfig(),
		WithClock(clk), WithEmitter(emitter), WithLogger(logging.NewNop()))
	require.NoError(t, err)
	return e, clk, emitter
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	for name, mutate := range map[string]func(*Config){
		"threshold": func(c *Config) { c.Threshold = 0 },
		"window":    func(c *Config) { c.Window = 0 },
		"duration":  func(c *Config) { c.Duration = -time.Second },
		"prefix":    func(c *Config) { c.KeyPrefix = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	_, err := New(nil, NewMemoryBlockStore(), DefaultConfig())
	assert.Error(t, err)
}

func TestRecordFailedAttempt_BlocksAddress(t *testing.T) {
	eachBackend(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		e, clk, emitter := newTestEngine(t, s)

		for i := 1; i <= 4; i++ {
			res := e.RecordFailedAttempt(ctx, "1.2.3.4", "alice")
			assert.False(t, res.Blocked)
			assert.Equal(t, i, res.Attempts)
			assert.Equal(t, 5-i, res.Remaining)
			clk.Advance(30 * time.Second)
		}
		assert.False(t, e.IsBlocked(ctx, "1.2.3.4"))

		res := e.RecordFailedAttempt(ctx, "1.2.3.4", "alice")
		assert.True(t, res.Blocked)
		assert.True(t, res.NewlyBlocked)
		assert.Equal(t, verdict.Denied, res.Outcome)
		require.NotNil(t, res.Entry)
		assert.True(t, clk.Now().Add(15*time.Minute).Equal(res.Entry.ExpiresAt))

		assert.True(t, e.IsBlocked(ctx, "1.2.3.4"))
		assert.False(t, e.IsBlocked(ctx, "5.6.7.8"))

		require.Equal(t, 1, emitter.count())
		assert.Equal(t, notify.SeverityHigh, emitter.events[0].Severity)

		status := e.Status(ctx, "1.2.3.4")
		assert.Equal(t, verdict.Denied, status.Outcome)
		assert.Equal(t, "temporarily blocked", status.Reason)
	})
}

func TestRecordFailedAttempt_ExistingBlockNotExtended(t *testing.T) {
	eachBackend(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		e, clk, emitter := newTestEngine(t, s)

		for i := 0; i < 5; i++ {
			e.RecordFailedAttempt(ctx, "1.2.3.4", "alice")
		}
		first := e.Status(ctx, "1.2.3.4").Entry
		require.NotNil(t, first)

		clk.Advance(time.Minute)
		res := e.RecordFailedAttempt(ctx, "1.2.3.4", "alice")
		assert.True(t, res.Blocked)
		assert.False(t, res.NewlyBlocked)
		assert.True(t, first.ExpiresAt.Equal(res.Entry.ExpiresAt))
		assert.Equal(t, 1, emitter.count())
	})
}

func TestRecordFailedAttempt_WindowPrunes(t *testing.T) {
	eachBackend(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		e, clk, _ := newTestEngine(t, s)

		for i := 0; i < 4; i++ {
			e.RecordFailedAttempt(ctx, "1.2.3.4", "alice")
		}
		clk.Advance(5*time.Minute + time.Second)

		res := e.RecordFailedAttempt(ctx, "1.2.3.4", "alice")
		assert.Equal(t, 1, res.Attempts)
		assert.False(t, e.IsBlocked(ctx, "1.2.3.4"))
	})
}

func TestRecordFailedAttempt_ActorsCountedSeparately(t *testing.T) {
	eachBackend(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		e, _, _ := newTestEngine(t, s)

		for i := 0; i < 4; i++ {
			e.RecordFailedAttempt(ctx, "1.2.3.4", "alice")
			e.RecordFailedAttempt(ctx, "1.2.3.4", "bob")
		}
		assert.False(t, e.IsBlocked(ctx, "1.2.3.4"))

		// the block is address-scoped once any actor crosses the threshold
		e.RecordFailedAttempt(ctx, "1.2.3.4", "bob")
		assert.True(t, e.IsBlocked(ctx, "1.2.3.4"))
	})
}

func TestRecordSuccessfulAttempt(t *testing.T) {
	eachBackend(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		e, _, _ := newTestEngine(t, s)

		for i := 0; i < 4; i++ {
			e.RecordFailedAttempt(ctx, "1.2.3.4", "alice")
		}
		e.RecordSuccessfulAttempt(ctx, "1.2.3.4", "alice")

		res := e.RecordFailedAttempt(ctx, "1.2.3.4", "alice")
		assert.Equal(t, 1, res.Attempts)

		for i := 0; i < 4; i++ {
			e.RecordFailedAttempt(ctx, "1.2.3.4", "alice")
		}
		require.True(t, e.IsBlocked(ctx, "1.2.3.4"))

		e.RecordSuccessfulAttempt(ctx, "1.2.3.4", "alice")
		assert.True(t, e.IsBlocked(ctx, "1.2.3.4"))
	})
}

func TestBlockExpiresAndUnblock(t *testing.T) {
	eachBackend(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		e, clk, _ := newTestEngine(t, s)

		_, err := e.Block(ctx, "9.9.9.9", "", time.Minute)
		require.NoError(t, err)
		_, err = e.Block(ctx, "8.8.8.8", "scanner", 0)
		require.NoError(t, err)

		blocks, err := e.ListBlocks(ctx)
		require.NoError(t, err)
		assert.Len(t, blocks, 2)

		clk.Advance(2 * time.Minute)
		assert.False(t, e.IsBlocked(ctx, "9.9.9.9"))
		assert.True(t, e.IsBlocked(ctx, "8.8.8.8"))

		ok, err := e.Unblock(ctx, "8.8.8.8")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, e.IsBlocked(ctx, "8.8.8.8"))

		ok, err = e.Unblock(ctx, "8.8.8.8")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = e.Block(ctx, " ", "x", time.Minute)
		assert.Error(t, err)
	})
}

func TestSweep(t *testing.T) {
	eachBackend(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		e, clk, _ := newTestEngine(t, s)

		for i := 0; i < 5; i++ {
			e.RecordFailedAttempt(ctx, "1.2.3.4", "alice")
		}
		e.RecordFailedAttempt(ctx, "5.6.7.8", "bob")

		clk.Advance(16 * time.Minute)
		removed, err := e.Sweep(ctx)
		require.NoError(t, err)
		// one expired block and two stale attempt logs
		assert.Equal(t, 3, removed)

		n, err := s.attempts.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestStatus_DegradedOnStoreError(t *testing.T) {
	e, _, _ := newTestEngine(t, stores{window.NewMemoryStore(), failingBlocks{NewMemoryBlockStore()}})

	status := e.Status(context.Background(), "1.2.3.4")
	assert.False(t, status.Blocked)
	assert.Equal(t, verdict.Degraded, status.Outcome)
	assert.False(t, e.IsBlocked(context.Background(), "1.2.3.4"))
}

func TestEmptyAddress(t *testing.T) {
	e, _, _ := newTestEngine(t, stores{window.NewMemoryStore(), NewMemoryBlockStore()})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res := e.RecordFailedAttempt(ctx, "", "alice")
		assert.False(t, res.Blocked)
	}
	assert.False(t, e.IsBlocked(ctx, ""))
}

func TestAttemptKey(t *testing.T) {
	e, _, _ := newTestEngine(t, stores{window.NewMemoryStore(), NewMemoryBlockStore()})
	assert.Equal(t, "lockout:1.2.3.4|alice", e.AttemptKey("1.2.3.4", "alice"))
}

func TestRedisBlockStore_SkipsForeignKeys(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	require.NoError(t, mr.Set("block:evil", "x"))
	_, err = mr.ZAdd("block:ratelimit:1.2.3.4:e", 1, "a")
	require.NoError(t, err)

	ctx := context.Background()
	e, clk, _ := newTestEngine(t, stores{window.NewRedisStore(client, "attempts:"), NewRedisBlockStore(client, "block:")})

	_, err = e.Block(ctx, "9.9.9.9", "", time.Minute)
	require.NoError(t, err)

	blocks, err := e.ListBlocks(ctx)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "9.9.9.9", blocks[0].IP)

	clk.Advance(2 * time.Minute)
	removed, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
