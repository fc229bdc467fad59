package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type recordingAnnotator struct {
	warnings []string
	errors   []string
}

func (r *recordingAnnotator) Warning(msg string) {
	r.warnings = append(r.warnings, msg)
}

func (r *recordingAnnotator) Error(msg string) {
	r.errors = append(r.errors, msg)
}

func TestLogfmtIsDefault(t *testing.T) {
	var buf bytes.Buffer

	logger, err := New(&Config{Output: &buf, Level: zapcore.InfoLevel})
	require.NoError(t, err)

	logger.Info("workspace restored", zap.String("cache_key", "scala-steward-acc000fd"))
	require.NoError(t, logger.Sync())

	assert.Contains(t, buf.String(), `loglevel=info msg="workspace restored" cache_key=scala-steward-acc000fd`)
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer

	logger, err := New(&Config{Format: FormatJSON, TimeKey: DefTimeKey, Output: &buf, Level: zapcore.DebugLevel})
	require.NoError(t, err)

	logger.Debug("debug message")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "debug", entry["loglevel"])
	assert.Equal(t, "debug message", entry["msg"])
	assert.Contains(t, entry, DefTimeKey)
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := New(&Config{Format: "xml"})
	assert.Error(t, err)
}

func TestLevelIsRespected(t *testing.T) {
	var buf bytes.Buffer

	logger, err := New(&Config{Format: FormatConsole, Output: &buf, Level: zapcore.WarnLevel})
	require.NoError(t, err)

	logger.Info("hidden")
	assert.Empty(t, buf.String())
}

func TestAnnotations(t *testing.T) {
	var buf bytes.Buffer
	a := recordingAnnotator{}

	logger, err := New(&Config{Output: &buf, Level: zapcore.InfoLevel}, Annotations(&a))
	require.NoError(t, err)

	logger.Info("info")
	logger.Warn("Unable to restore workspace from cache")
	logger.Error("Launching scala-steward failed")

	assert.Equal(t, []string{"Unable to restore workspace from cache"}, a.warnings)
	assert.Equal(t, []string{"Launching scala-steward failed"}, a.errors)
}
