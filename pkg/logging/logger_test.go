package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestZerologLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf).WithComponent("session")

	ctx := ContextWithCallID(context.Background(), "call-1")
	logger.Info(ctx, "state changed",
		String("state", "calling"),
		Int("reason", 30),
		Uint32("uid", 1001),
		Bool("internal", true),
		Duration("timeout", 15*time.Second))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	entry := lines[0]
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "state changed", entry["message"])
	assert.Equal(t, "session", entry["component"])
	assert.Equal(t, "call-1", entry["call_id"])
	assert.Equal(t, "calling", entry["state"])
	assert.EqualValues(t, 30, entry["reason"])
	assert.EqualValues(t, 1001, entry["uid"])
	assert.Equal(t, true, entry["internal"])
}

func TestZerologLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)

	logger.Debug(context.Background(), "скрыто")
	assert.Empty(t, buf.String(), "debug не должен писаться на уровне info")

	logger.SetLevel(LogLevelDebug)
	assert.True(t, logger.IsEnabled(LogLevelDebug))
	logger.Debug(context.Background(), "видно")
	assert.Contains(t, buf.String(), "видно")

	// Уровень общий для производных логгеров
	child := logger.WithComponent("child")
	logger.SetLevel(LogLevelError)
	assert.False(t, child.IsEnabled(LogLevelWarn))
}

func TestLogErrorIncludesError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf).WithFields(String("user", "42"))

	logger.LogError(context.Background(), errors.New("send failed"), "message not delivered")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["level"])
	assert.Equal(t, "send failed", lines[0]["error"])
	assert.Equal(t, "42", lines[0]["user"])
}

func TestDefaultLogger(t *testing.T) {
	prev := GetDefaultLogger()
	defer SetDefaultLogger(prev)

	SetDefaultLogger(nil)
	_, ok := GetDefaultLogger().(NoOpLogger)
	assert.True(t, ok)

	custom := NewJSONLogger(&bytes.Buffer{})
	SetDefaultLogger(custom)
	assert.Same(t, custom, OrDefault(nil))
	assert.Same(t, custom, GetDefaultLogger())
}
