package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobd/internal/config"
	"jobd/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "jobd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestAppStartStop(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
logging:
  level: warn
storage:
  driver: sqlite
  dsn: `+filepath.Join(dir, "jobd.db")+`
http:
  addr: 127.0.0.1:0
engine:
  grace_period: 1s
`)
	ctx := context.Background()
	a, err := NewApp(ctx, path)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	assert.NotEmpty(t, a.Addr())

	job, err := a.Engine().CreateJob(ctx, storage.NewJob{WorktreePath: dir, Name: "hi", Command: "true"})
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, job.Status)

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))

	select {
	case <-a.Done():
	default:
		t.Fatal("app context still alive after Stop")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: mysql\n")
	_, err := NewApp(context.Background(), path)
	assert.Error(t, err)
}

func TestMapEngineConfigDefaults(t *testing.T) {
	cfg := config.Default()
	ec, err := mapEngineConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, ec.GracePeriod)
	assert.Equal(t, "/bin/sh", ec.Shell)
	assert.True(t, ec.ReconcileOnStart)

	off := false
	cfg.Engine.ReconcileOnStart = &off
	cfg.Engine.GracePeriod = "250ms"
	ec, err = mapEngineConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, ec.GracePeriod)
	assert.False(t, ec.ReconcileOnStart)

	cfg.Engine.GracePeriod = "soon"
	_, err = mapEngineConfig(cfg)
	assert.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	cfg := config.Default()
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)

	cfg.Storage = config.StorageConfig{Driver: "postgres"}
	_, err = mapStorageConfig(cfg)
	assert.Error(t, err)

	cfg.Storage.DSN = "postgres://localhost/jobd"
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "postgres", sc.Driver)
}

func TestChangedSections(t *testing.T) {
	a := config.Default()
	b := config.Default()
	assert.Empty(t, changedSections(a, b))

	b.Logging.Level = "debug"
	b.HTTP.Addr = "127.0.0.1:9999"
	got := changedSections(a, b)
	assert.Equal(t, []string{"logging", "http"}, got)
	assert.Equal(t, []string{"http"}, restartRequired(got))
}
