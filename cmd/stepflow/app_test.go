package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/stepflow/internal/config"
	"github.com/ShayCichocki/stepflow/internal/definition"
	"github.com/ShayCichocki/stepflow/internal/orchestrator"
	"github.com/ShayCichocki/stepflow/internal/signals"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// newTestApp builds an app over an in-memory store with signals in a temp dir.
func newTestApp(t *testing.T) *app {
	t.Helper()
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	body := "store:\n  driver: memory\nworkers:\n  count: 2\n  poll_interval: 10ms\n  max_backoff: 50ms\n  heartbeat: 20ms\nsignals:\n  dir: " + filepath.Join(dir, "signals") + "\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(body), 0o600))

	prev := configPath
	configPath = cfgFile
	t.Cleanup(func() { configPath = prev })

	a, err := newApp(appOptions{})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

const diamond = `
name: diamond
steps:
  - key: a
    action: noop
  - key: b
    action: noop
    depends_on: [a]
  - key: c
    action: noop
    depends_on: [a]
  - key: d
    action: noop
    depends_on: [b, c]
`

func TestApp_RunsWorkflowWithLocalPool(t *testing.T) {
	a := newTestApp(t)
	assert.Equal(t, config.DriverMemory, a.cfg.Store.Driver)

	def, err := definition.Parse([]byte(diamond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _, stop := a.serve(ctx, true)
	defer stop()

	exec, err := a.engine.StartExecution(ctx, def, orchestrator.StartOptions{TriggeredBy: "test"})
	require.NoError(t, err)

	final, err := a.engine.Wait(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, final.State)
	assert.Equal(t, 3, final.CheckpointCount)
	for _, key := range []string{"a", "b", "c", "d"} {
		_, ok := final.Context.Get(key)
		assert.True(t, ok, "context has %s", key)
	}
}

func TestApp_FollowReportsFailure(t *testing.T) {
	a := newTestApp(t)

	def, err := definition.Parse([]byte(`
name: broken
steps:
  - key: boom
    action: shell
    max_attempts: 1
    params:
      command: exit 3
`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _, stop := a.serve(ctx, true)
	defer stop()

	exec, err := a.engine.StartExecution(ctx, def, orchestrator.StartOptions{})
	require.NoError(t, err)

	err = a.follow(ctx, exec.ID, followOptions{quiet: true})
	assert.ErrorContains(t, err, "failed")
}

func TestApp_KillSignalStopsPool(t *testing.T) {
	a := newTestApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// The watcher's initial scan reports files that already exist.
	require.NoError(t, signals.SendKill(signalsDir(a.cfg)))
	_, poolDone, stop := a.serve(ctx, true)
	defer stop()

	select {
	case <-poolDone:
	case <-ctx.Done():
		t.Fatal("pool did not stop on kill signal")
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "postgres"
	_, err := openStore(cfg)
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "q.db")
	store, err := openStore(cfg)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.FileExists(t, cfg.Store.Path)
}
