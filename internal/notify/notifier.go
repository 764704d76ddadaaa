// Package notify delivers guard escalations (blocks, severe violations) to
// operators. Engines only see the Emitter interface; delivery happens
// asynchronously through a Hook so it can never slow or fail a check.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"access-guard/internal/common/logging"
	"access-guard/internal/common/utils"
)

// Severity of a notification
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity accepts the four severity names case-insensitively
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as min
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Options accompany a notification message
type Options struct {
	Title    string
	Severity Severity
	// Channels to deliver to; empty means the router's defaults
	Channels []string
	Fields   map[string]interface{}
}

// Notifier is the delivery contract every channel implements
type Notifier interface {
	Notify(ctx context.Context, message string, opts Options) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, message string, opts Options) error

func (f NotifierFunc) Notify(ctx context.Context, message string, opts Options) error {
	return f(ctx, message, opts)
}

// Emitter is what the engines call: fire and forget
type Emitter interface {
	Emit(message string, opts Options)
}

// Emit calls e.Emit, tolerating a nil emitter and recovering from panics
func Emit(e Emitter, message string, opts Options) {
	if e == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Component("notify").Error("Emitter panicked", fmt.Errorf("%v", r),
				logging.Field{Key: "title", Value: opts.Title})
		}
	}()
	e.Emit(message, opts)
}

// Event is the serialized payload sent by the webhook, Redis and AMQP channels
type Event struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Severity  Severity               `json:"severity"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent copies message and opts into an Event
func NewEvent(message string, opts Options, now time.Time) Event {
	fields := make(map[string]interface{}, len(opts.Fields))
	for k, v := range opts.Fields {
		fields[k] = v
	}
	return Event{
		ID:        utils.NewRequestID(),
		Title:     opts.Title,
		Message:   message,
		Severity:  opts.Severity,
		Fields:    fields,
		Timestamp: now.UTC(),
	}
}
