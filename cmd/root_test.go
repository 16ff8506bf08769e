package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/readlater-archiver/internal/config"
)

func stubRuntime(t *testing.T, mutate func(*config.Config)) *observer.ObservedLogs {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "memory"
	cfg.Database.Backend = "memory"
	cfg.Capture.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	core, logs := observer.New(zap.InfoLevel)
	orig := loadRuntime
	loadRuntime = func(string) (*runtime, error) {
		return &runtime{cfg: cfg, logger: zap.New(core)}, nil
	}
	t.Cleanup(func() { loadRuntime = orig })
	return logs
}

func execute(args ...string) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	return root.ExecuteContext(context.Background())
}

func TestMigrateMemoryBackend(t *testing.T) {
	logs := stubRuntime(t, nil)

	require.NoError(t, execute("migrate"))
	assert.Equal(t, 1, logs.FilterMessage("backend has no schema").Len())
}

func TestMigrateSQLiteBackend(t *testing.T) {
	dir := t.TempDir()
	logs := stubRuntime(t, func(cfg *config.Config) {
		cfg.Database.Backend = "sqlite"
		cfg.Database.SQLitePath = dir + "/archiver.db"
	})

	require.NoError(t, execute("migrate"))
	assert.Equal(t, 1, logs.FilterMessage("schema up to date").Len())
}

func TestRootSurfacesConfigErrors(t *testing.T) {
	orig := loadRuntime
	loadRuntime = func(string) (*runtime, error) { return nil, errors.New("bad config") }
	t.Cleanup(func() { loadRuntime = orig })

	err := execute("migrate", "--config", "missing.yaml")
	require.EqualError(t, err, "bad config")
}

func TestReconcileWithNothingPending(t *testing.T) {
	logs := stubRuntime(t, nil)

	require.NoError(t, execute("reconcile", "--timeout", "5s"))
	entries := logs.FilterMessage("reconcile finished").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(0), entries[0].ContextMap()["items"])
}
