package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sediment.yaml")
	require.NoError(t, os.WriteFile(path, []byte("query_workers: 16\nlog_level: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 16, cfg.QueryWorkers)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, Default().PopulateWorkers, cfg.PopulateWorkers)
	require.Equal(t, 30*time.Second, cfg.CycleInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
