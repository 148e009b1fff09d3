package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_FileOutputRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dittomtp.log")

	require.NoError(t, Configure(Config{Level: "warn", Format: "text", Output: path}))
	t.Cleanup(func() {
		_ = Configure(Config{Level: "INFO", Format: "text", Output: "stdout"})
	})

	Info("device %d opened", 3)
	Warn("device %d lost its roots", 4)
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	out := string(data)
	assert.NotContains(t, out, "device 3 opened")
	assert.Contains(t, out, "device 4 lost its roots")
	assert.Contains(t, out, "WARN")
}

func TestConfigure_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dittomtp.json")

	require.NoError(t, Configure(Config{Level: "DEBUG", Format: "json", Output: path}))
	t.Cleanup(func() {
		_ = Configure(Config{Level: "INFO", Format: "text", Output: "stdout"})
	})

	Debug("listing %s", "0_1_0")
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.True(t, strings.HasPrefix(line, "{"), "expected a JSON object, got %q", line)
	assert.Contains(t, line, `"msg":"listing 0_1_0"`)
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { SetLevel("INFO") })

	SetLevel("error")
	assert.False(t, Enabled(LevelWarn))
	assert.True(t, Enabled(LevelError))

	SetLevel("bogus")
	assert.True(t, Enabled(LevelError), "unknown level names must be ignored")

	SetLevel("DEBUG")
	assert.True(t, Enabled(LevelDebug))
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}
