package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/stepflow/internal/config"
)

func TestSetConfigKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepflow", "config.yaml")

	require.NoError(t, setConfigKey(path, "workers.count", "8"))
	require.NoError(t, setConfigKey(path, "queue.stuck_timeout", "90s"))

	cfg, err := config.LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers.Count)
	assert.Equal(t, 90*time.Second, cfg.Queue.StuckTimeout)
}

func TestSetConfigKey_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := setConfigKey(path, "no.such.key", "1")
	assert.ErrorContains(t, err, "unknown config key")
	assert.NoFileExists(t, path)
}

func TestSetConfigKey_InvalidValueRestores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, setConfigKey(path, "workers.count", "4"))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = setConfigKey(path, "store.driver", "postgres")
	assert.ErrorContains(t, err, "invalid value")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetConfigKey_InvalidValueOnNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := setConfigKey(path, "logging.format", "xml")
	assert.Error(t, err)
	assert.NoFileExists(t, path)
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, sortedKeys(map[string]any{"c": 1, "a": 2, "b": 3}))
}
