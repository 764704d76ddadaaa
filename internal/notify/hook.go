package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"access-guard/internal/common/logging"
	"access-guard/internal/metrics"
)

// HookConfig sizes the asynchronous delivery pipeline
type HookConfig struct {
	QueueSize int
	Workers   int
	// Timeout bounds a single Notify call
	Timeout time.Duration
	// RatePerSecond and Burst cap how fast notifications are accepted
	// during an attack; excess notifications are dropped.
	RatePerSecond float64
	Burst         int
}

// DefaultHookConfig returns the settings used by the service
func DefaultHookConfig() HookConfig {
	return HookConfig{
		QueueSize:     256,
		Workers:       2,
		Timeout:       5 * time.Second,
		RatePerSecond: 10,
		Burst:         50,
	}
}

type job struct {
	message string
	opts    Options
}

// Hook turns a Notifier into a non-blocking Emitter. Emit never waits:
// when the queue is full or the flood limit is hit the notification is
// dropped and logged.
type Hook struct {
	notifier Notifier
	config   HookConfig
	limiter  *rate.Limiter
	queue    chan job
	logger   logging.Logger
	metrics  metrics.Recorder

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewHook starts the worker goroutines
func NewHook(notifier Notifier, config HookConfig, logger logging.Logger, recorder metrics.Recorder) *Hook {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultHookConfig().QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultHookConfig().Timeout
	}

	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	h := &Hook{
		notifier: notifier,
		config:   config,
		limiter:  rate.NewLimiter(limit, burst),
		queue:    make(chan job, config.QueueSize),
		logger:   logging.OrDefault(logger).WithFields(logging.Field{Key: "component", Value: "notify_hook"}),
		metrics:  metrics.OrNop(recorder),
	}

	for i := 0; i < config.Workers; i++ {
		h.wg.Add(1)
		go h.worker()
	}
	return h
}

// Emit queues a notification for delivery
func (h *Hook) Emit(message string, opts Options) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		h.drop("closed", opts)
		return
	}
	if !h.limiter.Allow() {
		h.drop("rate_limited", opts)
		return
	}

	select {
	case h.queue <- job{message: message, opts: opts}:
	default:
		h.drop("queue_full", opts)
	}
}

func (h *Hook) drop(reason string, opts Options) {
	h.metrics.Notification("hook", "dropped_"+reason)
	h.logger.Warn("Notification dropped",
		logging.Field{Key: "reason", Value: reason},
		logging.Field{Key: "title", Value: opts.Title},
		logging.Field{Key: "severity", Value: string(opts.Severity)},
	)
}

func (h *Hook) worker() {
	defer h.wg.Done()
	for j := range h.queue {
		h.deliver(j)
	}
}

func (h *Hook) deliver(j job) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.Notification("hook", "panic")
			h.logger.Error("Notifier panicked", fmt.Errorf("%v", r), logging.Field{Key: "title", Value: j.opts.Title})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	if err := h.notifier.Notify(ctx, j.message, j.opts); err != nil {
		h.metrics.Notification("hook", "failed")
		h.logger.Error("Notification delivery failed", err,
			logging.Field{Key: "title", Value: j.opts.Title},
			logging.Field{Key: "severity", Value: string(j.opts.Severity)},
		)
		return
	}
	h.metrics.Notification("hook", "delivered")
}

// Close stops accepting notifications and waits for queued ones to be
// delivered, or for ctx to end.
func (h *Hook) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification hook drain: %w", ctx.Err())
	}
}
