package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a zap level
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

// Format selects the zap encoder
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Options configures NewZapLogger. A nil Output writes to stdout.
type Options struct {
	Level  Level
	Output io.Writer
	Format Format
	Name   string
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
// Anything else is info.
func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil || s == "" {
		return InfoLevel
	}
	return level
}

type zapLogger struct {
	z *zap.Logger
}

// NewZapLogger builds a Logger on a single zap core
func NewZapLogger(opts Options) (Logger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var enc zapcore.Encoder
	switch opts.Format {
	case FormatConsole, "":
		enc = zapcore.NewConsoleEncoder(encCfg)
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unsupported log format %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	z := zap.New(zapcore.NewCore(enc, zapcore.AddSync(out), opts.Level),
		zap.AddCaller(), zap.AddCallerSkip(1))
	if opts.Name != "" {
		z = z.Named(opts.Name)
	}
	return &zapLogger{z: z}, nil
}

// NewNop returns a logger that discards everything
func NewNop() Logger {
	return &zapLogger{z: zap.NewNop()}
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, toZap(fields)...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, toZap(fields)...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, toZap(fields)...) }

func (l *zapLogger) Error(msg string, err error, fields ...Field) {
	zf := toZap(fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	l.z.Error(msg, zf...)
}

func (l *zapLogger) WithFields(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &zapLogger{z: l.z.With(toZap(fields)...)}
}

func (l *zapLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}
	var zf []zap.Field
	if id := requestIDFromContext(ctx); id != "" {
		zf = append(zf, zap.String("request_id", id))
	}
	if subject := SubjectFromContext(ctx); subject != "" {
		zf = append(zf, zap.String("subject", subject))
	}
	if len(zf) == 0 {
		return l
	}
	return &zapLogger{z: l.z.With(zf...)}
}

func toZap(fields []Field) []zap.Field {
	zf := make([]zap.Field, len(fields))
	for i, f := range fields {
		if err, ok := f.Value.(error); ok {
			zf[i] = zap.NamedError(f.Key, err)
			continue
		}
		zf[i] = zap.Any(f.Key, f.Value)
	}
	return zf
}

// InitGlobalLogger installs the process-wide logger. An empty logFile
// writes to stdout.
func InitGlobalLogger(level, logFile string, format Format) error {
	var out io.Writer = os.Stdout
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		out = f
	}

	lvl := ParseLevel(level)
	logger, err := NewZapLogger(Options{Level: lvl, Output: out, Format: format, Name: "access-guard"})
	if err != nil {
		return err
	}
	SetGlobalLogger(logger)

	logger.Info("Logger initialized",
		Field{"level", lvl.String()},
		Field{"log_file", logFile},
		Field{"format", string(format)},
	)
	return nil
}

// MustSync flushes buffered entries of the global logger. Call before exit.
func MustSync() {
	if l, ok := GetGlobalLogger().(*zapLogger); ok {
		_ = l.z.Sync()
	}
}
