// Package sweeper owns the periodic cleanup jobs of every engine.
package sweeper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"access-guard/internal/common/errors"
	"access-guard/internal/common/logging"
)

// Task is one periodic cleanup job
type Task struct {
	Name string
	// Spec is a standard cron spec or descriptor, see Every
	Spec string
	// Shared tasks clean state other instances see too; only the lock holder runs them
	Shared bool
	Run    func(ctx context.Context) (int, error)
}

// Locker is satisfied by *locks.Manager
type Locker interface {
	AcquireLock(ctx context.Context, key string, expiration time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Every returns a cron descriptor for a fixed interval
func Every(d time.Duration) string {
	return "@every " + d.String()
}

type Sweeper struct {
	cron    *cron.Cron
	locker  Locker
	timeout time.Duration
	logger  logging.Logger

	mu    sync.Mutex
	tasks map[string]Task
}

type Option func(*Sweeper)

// WithLocker coordinates Shared tasks across instances
func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithTimeout bounds a single run; default 30s
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) { s.timeout = d }
}

func WithLogger(logger logging.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

func New(opts ...Option) *Sweeper {
	s := &Sweeper{timeout: 30 * time.Second, tasks: make(map[string]Task)}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger).WithFields(logging.Field{Key: "component", Value: "sweeper"})

	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Add registers task. Adding after Start is allowed.
func (s *Sweeper) Add(task Task) error {
	if task.Name == "" || task.Run == nil {
		return errors.ConfigError("sweep task needs a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return errors.ConfigError(fmt.Sprintf("sweep task %q already registered", task.Name))
	}
	if _, err := s.cron.AddFunc(task.Spec, func() { s.run(context.Background(), task) }); err != nil {
		return errors.ConfigError(fmt.Sprintf("sweep task %q: invalid schedule %q: %v", task.Name, task.Spec, err))
	}
	s.tasks[task.Name] = task
	return nil
}

// Tasks returns the registered task names, sorted
func (s *Sweeper) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Sweeper) Start() {
	s.logger.Info("Sweeper started", logging.Field{Key: "tasks", Value: len(s.Tasks())})
	s.cron.Start()
}

// Stop halts scheduling and waits for running tasks or ctx
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.logger.Info("Sweeper stopped")
		return nil
	case <-ctx.Done():
		return errors.TimeoutError("waiting for sweep tasks")
	}
}

// RunNow runs a registered task immediately, outside the schedule
func (s *Sweeper) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return 0, errors.NotFoundError("sweep task " + name)
	}
	return s.run(ctx, task)
}

func (s *Sweeper) run(ctx context.Context, task Task) (removed int, err error) {
	logger := s.logger.WithFields(logging.Field{Key: "task", Value: task.Name})
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError(fmt.Sprintf("sweep task %s panicked: %v", task.Name, r), nil)
			logger.Error("Sweep task panicked", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if task.Shared && s.locker != nil {
		lockKey := "sweep:" + task.Name
		acquired, err := s.locker.AcquireLock(ctx, lockKey, s.timeout)
		if err != nil {
			logger.Warn("Could not take sweep lock, skipping", logging.Err(err))
			return 0, err
		}
		if !acquired {
			logger.Debug("Sweep running on another instance")
			return 0, nil
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.Background(), lockKey); err != nil {
				logger.Warn("Failed to release sweep lock", logging.Err(err))
			}
		}()
	}

	start := time.Now()
	removed, err = task.Run(ctx)
	if err != nil {
		logger.Error("Sweep task failed", err, logging.Field{Key: "removed", Value: removed})
		return removed, err
	}
	if removed > 0 {
		logger.Debug("Sweep task finished",
			logging.Field{Key: "removed", Value: removed},
			logging.Field{Key: "duration", Value: time.Since(start)},
		)
	}
	return removed, nil
}

// cronLogger adapts logging.Logger to cron.Logger
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, toFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, err, toFields(keysAndValues)...)
}

func toFields(kv []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logging.Field{Key: fmt.Sprint(kv[i]), Value: kv[i+1]})
	}
	return fields
}
