package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l.Info("connected", "url", "ws://example/ws", "attempt", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "connected", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "ws://example/ws", entry["url"])
	assert.Equal(t, float64(3), entry["attempt"])
}

func TestSlogLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	l.Error("kept")

	lines := bytes.Count(bytes.TrimSpace(buf.Bytes()), []byte("\n")) + 1
	assert.Equal(t, 2, lines)
}

func TestNopDiscardsEverything(t *testing.T) {
	var l Logger = Nop{}
	assert.NotPanics(t, func() {
		l.Error("e", "k", "v")
		l.Warn("w")
		l.Info("i", "odd")
		l.Debug("d")
	})
}
