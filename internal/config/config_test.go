package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, k := range []string{"SERVER_ADDR", "DB_HOST", "REDIS_ADDR", "DISPATCH_RETRIES", "MONOTONIC_FRAMES"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 5, cfg.DispatchRetries)
	assert.Equal(t, 5*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.ResultRetention)
	assert.False(t, cfg.MonotonicFrames)
	assert.Empty(t, cfg.DSN(), "no DB_HOST disables persistence")
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DISPATCH_RETRIES", "3")
	t.Setenv("DISPATCH_TIMEOUT", "250ms")
	t.Setenv("MONOTONIC_FRAMES", "true")
	t.Setenv("DISPATCH_POOL_SIZE", "many") // unparsable falls back
	t.Setenv("DB_HOST", "db")

	cfg := Load()
	assert.Equal(t, 3, cfg.DispatchRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.DispatchTimeout)
	assert.True(t, cfg.MonotonicFrames)
	assert.Equal(t, 5, cfg.DispatchPoolSize)
	assert.Equal(t, "host=db port=5432 user=postgres password=postgres dbname=render sslmode=disable", cfg.DSN())
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("STORAGE_ROOT=/srv/render\n"), 0o644))
	t.Chdir(dir)
	t.Setenv("STORAGE_ROOT", "")
	require.NoError(t, os.Unsetenv("STORAGE_ROOT"))

	cfg := Load()
	assert.Equal(t, "/srv/render", cfg.StorageRoot)
}
