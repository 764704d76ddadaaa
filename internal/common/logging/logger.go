// Package logging is the structured logger shared by every component:
// a small Logger interface over zap with a process-wide default.
package logging

import (
	"context"
	"sync/atomic"
)

// Field is one structured key-value pair
type Field struct {
	Key   string
	Value interface{}
}

// Logger is implemented by the zap adapter and NewNop
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	// Error attaches err under "error" unless it is nil
	Error(msg string, err error, fields ...Field)
	WithFields(fields ...Field) Logger
	// WithContext adds the request id and admin subject carried by ctx
	WithContext(ctx context.Context) Logger
}

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Err creates an error field with key "error"
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

type contextKey int

const (
	requestIDKey contextKey = iota
	subjectKey
)

// ContextWithRequestID stores a request id for WithContext to pick up
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextWithSubject stores the authenticated admin subject
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type holder struct{ logger Logger }

var global atomic.Pointer[holder]

// SetGlobalLogger replaces the process-wide logger
func SetGlobalLogger(logger Logger) {
	global.Store(&holder{logger: logger})
}

// GetGlobalLogger returns the process-wide logger, creating a console
// logger at info level on first use
func GetGlobalLogger() Logger {
	if h := global.Load(); h != nil {
		return h.logger
	}
	logger, err := NewZapLogger(Options{Level: InfoLevel})
	if err != nil {
		logger = NewNop()
	}
	global.CompareAndSwap(nil, &holder{logger: logger})
	return global.Load().logger
}

// Component returns the global logger tagged with a component name
func Component(name string) Logger {
	return GetGlobalLogger().WithFields(Field{"component", name})
}

// OrDefault returns logger, or the global logger when nil
func OrDefault(logger Logger) Logger {
	if logger == nil {
		return GetGlobalLogger()
	}
	return logger
}
