package logging

import (
	"os"
	"path/filepath"
	"testing"

	"getitdone/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testApp = config.AppConfig{Name: "getitdone", Environment: "test", Version: "0.1.0"}

func TestNew_Outputs(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LoggingConfig
		wantLevel zerolog.Level
	}{
		{"defaults", config.LoggingConfig{}, zerolog.InfoLevel},
		{"stderr debug", config.LoggingConfig{Level: "debug", Output: "stderr"}, zerolog.DebugLevel},
		{"console warn", config.LoggingConfig{Level: " WARN ", Format: "console"}, zerolog.WarnLevel},
		{"unknown level falls back", config.LoggingConfig{Level: "chatty"}, zerolog.InfoLevel},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logger, closer, err := New(tc.cfg, testApp)
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.Nil(t, closer)
			assert.Equal(t, tc.wantLevel, logger.GetLevel())
		})
	}
}

func TestNew_RotatingFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "sync.log")
	cfg := config.LoggingConfig{Level: "info", Output: "file", FilePath: logPath, MaxSizeMB: 1}

	logger, closer, err := New(cfg, testApp)
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Info().Str("task_id", "tmp1").Msg("created")
	logger.Debug().Msg("filtered out")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_id":"tmp1"`)
	assert.Contains(t, string(data), `"app":"getitdone"`)
	assert.Contains(t, string(data), `"env":"test"`)
	assert.NotContains(t, string(data), "filtered out")
}

func TestNew_FileRequiresPath(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Output: "file"}, testApp)
	assert.Error(t, err)
}
