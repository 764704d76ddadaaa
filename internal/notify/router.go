package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"access-guard/internal/common/logging"
	"access-guard/internal/metrics"
)

// Router fans a notification out to named channels in parallel
type Router struct {
	mu       sync.RWMutex
	channels map[string]Notifier
	defaults []string
	logger   logging.Logger
	metrics  metrics.Recorder
}

// NewRouter creates a router; defaults are used when Options.Channels is empty
func NewRouter(defaults []string, logger logging.Logger, recorder metrics.Recorder) *Router {
	return &Router{
		channels: make(map[string]Notifier),
		defaults: lo.Uniq(defaults),
		logger:   logging.OrDefault(logger).WithFields(logging.Field{Key: "component", Value: "notify_router"}),
		metrics:  metrics.OrNop(recorder),
	}
}

// Register adds or replaces a channel
func (r *Router) Register(name string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[name] = n
}

// Channels returns the registered channel names, sorted
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.Keys(r.channels)
	sort.Strings(names)
	return names
}

// Notify delivers to every requested channel and returns all failures combined
func (r *Router) Notify(ctx context.Context, message string, opts Options) error {
	names := opts.Channels
	if len(names) == 0 {
		names = r.defaults
	}
	names = lo.Uniq(names)

	r.mu.RLock()
	targets := make(map[string]Notifier, len(names))
	var result *multierror.Error
	for _, name := range names {
		n, ok := r.channels[name]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("unknown notification channel %q", name))
			continue
		}
		targets[name] = n
	}
	r.mu.RUnlock()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, n := range targets {
		wg.Add(1)
		go func(name string, n Notifier) {
			defer wg.Done()
			err := n.Notify(ctx, message, opts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.metrics.Notification(name, "failed")
				result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
				return
			}
			r.metrics.Notification(name, "sent")
		}(name, n)
	}
	wg.Wait()

	return result.ErrorOrNil()
}
