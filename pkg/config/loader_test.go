package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())

	require.NoError(t, Load(""))

	cfg, err := EngineConfig()
	require.NoError(t, err)

	assert.Equal(t, "glacier", cfg.StorageName)
	assert.Equal(t, int64(1000*1000), cfg.SmallFileMaxSize)
	assert.Equal(t, int64(10*1000*1000), cfg.ArchiveMaxSize)
	assert.Equal(t, 24*time.Hour, cfg.ArchiveMaxAge)
	assert.Equal(t, 30*time.Second, cfg.CleanLockTimeout)
	assert.Equal(t, 5*time.Minute, cfg.MaxPollInterval)
	assert.Equal(t, 5, cfg.MaxUnreachableAttempts)
	assert.Equal(t, 10, cfg.StoreWorkers)
	assert.Equal(t, "memory", viper.GetString("lock.backend"))
	assert.Empty(t, viper.GetStringSlice("archive.ignore"), "built-in ignore rules are not repeated in config")
}

func TestLoad_FileAndEnv(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	content := `
archive:
  small_file_max_size: 64KiB
  max_size: 2MiB
  max_age: 90m
workers:
  store: 3
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))
	t.Setenv("CV_WORKERS_RESTORE", "7")
	t.Setenv("CV_STORAGE_ROOT", "tenant-a")

	require.NoError(t, Load(file))

	cfg, err := EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), cfg.SmallFileMaxSize)
	assert.Equal(t, int64(2*1024*1024), cfg.ArchiveMaxSize)
	assert.Equal(t, 90*time.Minute, cfg.ArchiveMaxAge)
	assert.Equal(t, 3, cfg.StoreWorkers)
	assert.Equal(t, 7, cfg.RestoreWorkers)
	assert.Equal(t, "tenant-a", cfg.RootPath)
}

func TestEngineConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value, wantErr string
	}{
		{"archive.max_size", "lots", "invalid size for archive.max_size"},
		{"cache.lifetime", "forever", "invalid duration for cache.lifetime"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			viper.Reset()
			viper.Set(tt.key, tt.value)
			_, err := EngineConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_BrokenFile(t *testing.T) {
	viper.Reset()
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("archive: [unclosed"), 0644))

	err := Load(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fatal error config file")
}
