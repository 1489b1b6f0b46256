package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, sync := New(Options{Level: "info", Format: "json", Output: &buf})

	logger.With("component", "registry").Info("Device registered", "user_id", "alice", "device_id", "phone")
	logger.Debug("Hidden")
	require.NoError(t, sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "Device registered", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "registry", entry["component"])
	assert.Equal(t, "alice", entry["user_id"])
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Options{Level: "debug", Format: "console", Output: &buf})

	logger.Debug("Drain started", "device_id", "tablet")
	assert.Contains(t, buf.String(), "Drain started")
	assert.Contains(t, buf.String(), "tablet")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
