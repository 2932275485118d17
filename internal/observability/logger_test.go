package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/config"
	"go.uber.org/zap"
)

func TestNewLoggerWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fakegeo.log")
	logger := NewLogger(config.LoggerConfig{
		ServiceName: "fakegeo",
		Level:       "debug",
		Format:      "json",
		LogFile:     path,
		MaxSize:     1,
	})

	logger.Named("store").Info("sweep finished", zap.Int("removed", 2))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	line := strings.TrimSpace(string(data))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "fakegeo.store", entry["logger"])
	assert.Equal(t, "sweep finished", entry["msg"])
	assert.EqualValues(t, 2, entry["removed"])
}

func TestNewLoggerLevelFallback(t *testing.T) {
	logger := NewLogger(config.LoggerConfig{Level: "not-a-level", Format: "console"})
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestGetLoggerBeforeInit(t *testing.T) {
	assert.NotNil(t, GetLogger())
}
