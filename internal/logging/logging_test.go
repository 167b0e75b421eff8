package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mogilefs/mogclient/internal/config"
)

func TestNew_JSONLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(config.GlobalConfig{LogLevel: "WARN", LogFormat: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info().Msg("hidden")
	componentLogger := Component(logger, "replica")
	componentLogger.Warn().Str("candidate", "http://10.0.0.1:7500/dev1/x.fid").Msg("skipped")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "replica", entry["component"])
	assert.Equal(t, "mogclient", entry["service"])
	assert.Equal(t, "skipped", entry["message"])
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(config.GlobalConfig{LogLevel: "chatty"}, &buf)
	require.NoError(t, err)

	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNew_LogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	logger, closer, err := New(config.GlobalConfig{LogLevel: "INFO", LogFile: path}, nil)
	require.NoError(t, err)

	logger.Info().Msg("to file")
	require.NoError(t, closer.Close())
	assert.FileExists(t, path)
}
