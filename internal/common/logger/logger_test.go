package logger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaydesk.log")
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Info("hello from test", zap.String("key", "value"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "hello from test", entry["msg"])
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "timestamp")
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaydesk.log")
	log, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Debug("dropped")
	log.Info("also dropped")
	log.Warn("kept")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaydesk.log")
	log, err := NewLogger(LoggingConfig{Level: "chatty", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Debug("dropped")
	log.Info("kept")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestWithFieldsAndWithError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaydesk.log")
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.WithFields(zap.String("component", "test")).
		WithError(errors.New("boom")).
		Warn("annotated")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), `"error":"boom"`)
}

func TestDefaultIsStable(t *testing.T) {
	assert.Same(t, Default(), Default())
}
