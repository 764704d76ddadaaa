// Package locks coordinates work between guard instances with Redis locks
// built on go-redsync. The sweeper uses it so a shared cleanup task runs on
// one instance per tick.
package locks

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"access-guard/internal/common/errors"
)

// Manager hands out non-blocking locks and remembers the ones this instance
// holds so they can be released by key
type Manager struct {
	rs     *redsync.Redsync
	prefix string

	mu   sync.Mutex
	held map[string]*redsync.Mutex
}

// NewManager creates a manager whose lock keys live under prefix
func NewManager(client redis.UniversalClient, prefix string) (*Manager, error) {
	if client == nil {
		return nil, errors.ConfigError("redis client is required")
	}
	return &Manager{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
		held:   make(map[string]*redsync.Mutex),
	}, nil
}

// AcquireLock makes a single attempt at key. It reports false, without an
// error, when another instance holds the lock.
func (m *Manager) AcquireLock(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	mutex := m.rs.NewMutex(m.prefix+key, redsync.WithExpiry(expiration))
	if err := mutex.TryLockContext(ctx); err != nil {
		if isTaken(err) {
			return false, nil
		}
		return false, errors.StoreError("acquire lock "+key, err)
	}

	m.mu.Lock()
	m.held[key] = mutex
	m.mu.Unlock()
	return true, nil
}

// ReleaseLock is a no-op when this instance does not hold key or the lock
// already expired
func (m *Manager) ReleaseLock(ctx context.Context, key string) error {
	m.mu.Lock()
	mutex, ok := m.held[key]
	delete(m.held, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := mutex.UnlockContext(ctx); err != nil && !isTaken(err) &&
		!stderrors.Is(err, redsync.ErrLockAlreadyExpired) {
		return errors.StoreError("release lock "+key, err)
	}
	return nil
}

// Close releases every lock still held
func (m *Manager) Close() error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.held))
	for key := range m.held {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var firstErr error
	for _, key := range keys {
		if err := m.ReleaseLock(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isTaken(err error) bool {
	var taken *redsync.ErrTaken
	var nodeTaken *redsync.ErrNodeTaken
	return stderrors.Is(err, redsync.ErrFailed) ||
		stderrors.As(err, &taken) ||
		stderrors.As(err, &nodeTaken)
}
