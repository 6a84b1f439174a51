package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digiqc/internal/config"
)

func TestJSONLoggerWritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "digiqc.log")
	logger, closer, err := New(config.LogConfig{Level: "debug", Format: "json", File: path}, &console)
	require.NoError(t, err)

	logger.WithField("component", "engine").Info("queued")
	require.NoError(t, closer.Close())

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(console.Bytes()), &line))
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "queued", line["msg"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"msg":"queued"`))
}

func TestLevelFiltersOutput(t *testing.T) {
	var console bytes.Buffer
	logger, _, err := New(config.LogConfig{Level: "warn"}, &console)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")
}

func TestBadLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"}, nil)
	assert.Error(t, err)
}
