package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, LogWarn, cfg.LogLvl)
	assert.False(t, cfg.ThreadBlockingIO)
	assert.Equal(t, "/", cfg.FSRoot)
	assert.Equal(t, "/", cfg.Cwd)
}

func TestParseLogLevelCaseInsensitive(t *testing.T) {
	lvl, err := ParseLogLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, LogDebug, lvl)

	lvl, err = ParseLogLevel("TRACE")
	require.NoError(t, err)
	assert.Equal(t, LogTrace, lvl)
}

func TestParseLogLevelUnknownErrors(t *testing.T) {
	_, err := ParseLogLevel("nonsense")
	assert.Error(t, err)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arion.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_lvl = 4
thread_blocking_io = true
fs_root = "/tmp/guest"
cwd = "/home/user"
env = ["HOME=/home/user", "PATH=/usr/bin"]
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, LogDebug, cfg.LogLvl)
	assert.True(t, cfg.ThreadBlockingIO)
	assert.Equal(t, "/tmp/guest", cfg.FSRoot)
	assert.Equal(t, "/home/user", cfg.Cwd)
	assert.Equal(t, []string{"HOME=/home/user", "PATH=/usr/bin"}, cfg.Env)
}

func TestLoadFileMissingReturnsError(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestNewLoggerOffDiscardsOutput(t *testing.T) {
	logger := NewLogger(LogOff)
	require.NotNil(t, logger)
}
