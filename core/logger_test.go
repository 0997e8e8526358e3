package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(format string) (*ProductionLogger, *bytes.Buffer) {
	logger := NewProductionLogger("test")
	logger.format = format
	logger.SetLevel("DEBUG")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	return logger, &buf
}

func TestLoggerJSONFormat(t *testing.T) {
	logger, buf := newTestLogger("json")

	logger.Info("Scrape cycle finished", map[string]interface{}{
		"operation": "scrape_cycle",
		"providers": 3,
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "Scrape cycle finished", entry["message"])
	assert.Equal(t, "scrape_cycle", entry["operation"])
	assert.Equal(t, float64(3), entry["providers"])
}

func TestLoggerJSONFieldsCannotShadowCore(t *testing.T) {
	logger, buf := newTestLogger("json")

	logger.Info("msg", map[string]interface{}{"level": "FAKE", "message": "shadow"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "msg", entry["message"])
}

func TestLoggerTextFormatLeadsWithOperation(t *testing.T) {
	logger, buf := newTestLogger("text")

	logger.Warn("Portal slow", map[string]interface{}{
		"operation": "fetch_provider",
		"ms":        1200,
	})

	line := buf.String()
	assert.Contains(t, line, "[WARN]")
	assert.Contains(t, line, "[test]")
	assert.Contains(t, line, "operation=fetch_provider")
	assert.Contains(t, line, "ms=1200")
}

func TestLoggerLevelFiltering(t *testing.T) {
	logger, buf := newTestLogger("text")
	logger.SetLevel("WARN")

	logger.Debug("debug", nil)
	logger.Info("info", nil)
	logger.Warn("warn", nil)

	out := buf.String()
	assert.NotContains(t, out, "debug")
	assert.NotContains(t, out, "info")
	assert.Contains(t, out, "warn")
}

func TestLoggerErrorRateLimit(t *testing.T) {
	logger, buf := newTestLogger("text")

	for i := 0; i < 10; i++ {
		logger.Error("portal down", nil)
	}

	assert.Equal(t, 1, strings.Count(buf.String(), "portal down"))
}

func TestWithComponentSharesOutput(t *testing.T) {
	logger, buf := newTestLogger("text")
	child := logger.WithComponent("detector")

	child.Info("pass complete", nil)
	assert.Contains(t, buf.String(), "[detector]")
}
