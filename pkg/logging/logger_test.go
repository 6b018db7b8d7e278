package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithConfig(Config{Level: "debug", Format: "text", Output: &buf}).
		WithSecrets("1234")

	logger.Info("login with pin 1234", "uri", "pkcs11:id=%01?pin-value=1234")
	logger.Debugf("retrying with %s", "1234")
	logger.Warn("warn", "err", errors.New("bad pin 1234"))
	logger.Error(errors.New("tool failed: 1234"))
	logger.With("child", "x-1234-x").Info("child line")

	out := buf.String()
	assert.NotContains(t, out, "1234")
	assert.Equal(t, 5, strings.Count(out, "\n"))
	assert.Contains(t, out, "****")
}

func TestLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithConfig(Config{Level: "info", Format: "json", Output: &buf})
	logger.Info("hello", "key", "value")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"key":"value"`)
}

func TestLogger_DebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithConfig(Config{Level: "info", Output: &buf})
	logger.Debug("hidden")
	logger.Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("debug").String())
	assert.Equal(t, "WARN", ParseLevel("warning").String())
	assert.Equal(t, "ERROR", ParseLevel("fatal").String())
	assert.Equal(t, "INFO", ParseLevel("bogus").String())
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "pin=****", Redact("pin=1234", "1234"))
	assert.Equal(t, "unchanged", Redact("unchanged", ""))
	assert.Equal(t, "a **** ****", Redact("a 12 34", "12", "34"))
}
