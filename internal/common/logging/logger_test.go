package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":     DebugLevel,
		" warning ": WarnLevel,
		"WARN":      WarnLevel,
		"ERROR":     ErrorLevel,
		"nonsense":  InfoLevel,
		"":          InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestZapLogger(t *testing.T) {
	t.Run("levels", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(Options{Level: DebugLevel, Output: &buf})
		require.NoError(t, err)

		logger.Debug("debug message", Field{"key", "value"})
		logger.Info("info message", Field{"count", 42})
		logger.Warn("warn message", Field{"enabled", true})
		logger.Error("error message", errors.New("test error"))

		output := buf.String()
		assert.Contains(t, output, "DEBUG")
		assert.Contains(t, output, "debug message")
		assert.Contains(t, output, "info message")
		assert.Contains(t, output, "WARN")
		assert.Contains(t, output, "test error")
	})

	t.Run("level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(Options{Level: WarnLevel, Output: &buf})
		require.NoError(t, err)

		logger.Info("hidden")
		logger.Warn("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("json fields", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(Options{Level: InfoLevel, Output: &buf, Format: FormatJSON})
		require.NoError(t, err)

		logger.WithFields(Field{"component", "lockout"}).Info("blocked", String("ip", "1.2.3.4"))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "blocked", entry["msg"])
		assert.Equal(t, "lockout", entry["component"])
		assert.Equal(t, "1.2.3.4", entry["ip"])
	})

	t.Run("context values", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(Options{Level: InfoLevel, Output: &buf, Format: FormatJSON})
		require.NoError(t, err)

		ctx := ContextWithRequestID(context.Background(), "req-1")
		ctx = ContextWithSubject(ctx, "admin")
		logger.WithContext(ctx).Info("hello")

		assert.Contains(t, buf.String(), `"request_id":"req-1"`)
		assert.Contains(t, buf.String(), `"subject":"admin"`)
		assert.Equal(t, "admin", SubjectFromContext(ctx))
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := NewZapLogger(Options{Format: "xml"})
		assert.Error(t, err)
	})
}

func TestInitGlobalLogger(t *testing.T) {
	original := GetGlobalLogger()
	defer SetGlobalLogger(original)

	path := filepath.Join(t.TempDir(), "guard.log")
	require.NoError(t, InitGlobalLogger("debug", path, FormatJSON))

	Component("test").Info("written to file")
	MustSync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), `"component":"test"`)

	assert.Error(t, InitGlobalLogger("info", filepath.Join(t.TempDir(), "missing", "x.log"), FormatConsole))
}

func TestOrDefault(t *testing.T) {
	nop := NewNop()
	assert.Same(t, nop, OrDefault(nop))
	assert.NotNil(t, OrDefault(nil))
	assert.Equal(t, "error", Err(errors.New("x")).Key)
}
