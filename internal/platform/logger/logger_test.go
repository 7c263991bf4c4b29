package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSONRespectsLevel(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelWarn, Format: "json", Output: &buf})

	logger.Info("出力されない")
	logger.Warn("予算の上限に近づいています", "jobID", "j1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "予算の上限に近づいています", record["msg"])
	assert.Equal(t, "j1", record["jobID"])
	assert.Same(t, logger, slog.Default())
}

func TestNew_Text(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	New(Config{Level: slog.LevelInfo, Format: "text", Output: &buf}).Info("起動", "worker", "w1")

	assert.Contains(t, buf.String(), "worker=w1")
}
