package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	t.Chdir(t.TempDir())

	v, err := Load("./config", "config")
	require.NoError(t, err)
	assert.Empty(t, v.ConfigFileUsed())
	assert.False(t, Watch(v, func(fsnotify.Event) {}))
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.yaml"), []byte("server:\n  port: 7000\nlog:\n  level: debug\n"), 0o644))
	t.Setenv("CUSTOM_LEVEL", "warn")

	v, err := Load("./config", "config")
	require.NoError(t, err)
	require.NoError(t, BindEnvs(v, map[string]string{"log.level": "CUSTOM_LEVEL"}))

	assert.Equal(t, 7000, v.GetInt("server.port"))
	assert.Equal(t, "warn", v.GetString("log.level"))
}

func TestLoadInvalidFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [unterminated"), 0o644))

	_, err := Load("./config", "config")
	assert.Error(t, err)
}
