package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		level    string
		expected LogLevel
	}{
		{"debug", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"invalid", InfoLevel}, // should default to info
	}

	for _, test := range tests {
		t.Run(test.level, func(t *testing.T) {
			assert.Equal(t, test.expected, parseLevel(test.level))
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DebugLevel, "debug"},
		{InfoLevel, "info"},
		{WarnLevel, "warn"},
		{ErrorLevel, "error"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, levelString(test.level))
	}
}

func TestLoggerOutputIsFlatJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("debug", &buf)
	logger.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	logger.Info("cycle complete", "emitters", 3, "error", errors.New("boom"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "2024-05-01T12:00:00Z", entry["ts"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "cycle complete", entry["msg"])
	assert.Equal(t, float64(3), entry["emitters"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("warn", &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"msg":"shown"`)
}

func TestWithAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("info", &buf).With("component", "cache")

	logger.Info("synced", "dirty", 2)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "cache", entry["component"])
	assert.Equal(t, float64(2), entry["dirty"])
}

func TestOddKeyValuesAreKept(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("info", &buf).Info("odd", "dangling")

	assert.Contains(t, buf.String(), `"!BADKEY":"dangling"`)
}

func TestNopDiscards(t *testing.T) {
	logger := Nop()
	logger.Error("nothing happens")
	assert.Nil(t, logger.Close())
}
