package app

import (
	"context"
	"path/filepath"
	"testing"

	"coldvault/pkg/engine"
	"coldvault/pkg/lock"
	"coldvault/pkg/storage/disk"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitStore_Disk(t *testing.T) {
	viper.Reset()
	viper.Set("storage.type", "disk")
	viper.Set("storage.path", filepath.Join(t.TempDir(), "objects"))

	store, err := initStore(context.Background())

	require.NoError(t, err)
	assert.IsType(t, &disk.Adapter{}, store)
}

func TestInitStore_S3_MissingBucket(t *testing.T) {
	viper.Reset()
	viper.Set("storage.type", "s3")
	// 故意不设置 bucket

	store, err := initStore(context.Background())
	assert.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestInitStore_UnknownType(t *testing.T) {
	viper.Reset()
	viper.Set("storage.type", "ftp")

	store, err := initStore(context.Background())
	assert.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "unsupported storage type")
}

func TestInitLocks(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		backend string
		want    any
		wantErr string
	}{
		{"memory", &lock.Memory{}, ""},
		{"redis", &lock.Redis{}, ""},
		{"zookeeper", nil, "unsupported lock backend"},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			viper.Reset()
			viper.Set("lock.backend", tt.backend)
			viper.Set("lock.ttl", "5s")
			viper.Set("redis.url", "redis://"+mr.Addr()+"/0")

			a := &App{}
			defer a.Close()
			svc, err := a.initLocks(context.Background())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, svc)
		})
	}
}

func TestNewApp_Wiring(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	viper.Set("storage.type", "disk")
	viper.Set("storage.name", "glacier")
	viper.Set("storage.path", filepath.Join(dir, "objects"))
	viper.Set("workspace.path", filepath.Join(dir, "ws"))
	viper.Set("database.driver", "sqlite")
	viper.Set("database.dsn", filepath.Join(dir, "ledger.db"))
	viper.Set("lock.ttl", "10s")
	viper.Set("archive.small_file_max_size", "1KiB")
	viper.Set("archive.max_size", "4KiB")

	a, err := NewApp(context.Background(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	cfg := a.Engine.Config()
	assert.Equal(t, int64(1024), cfg.SmallFileMaxSize)
	assert.Equal(t, filepath.Join(dir, "ws"), cfg.WorkspacePath)
	assert.DirExists(t, filepath.Join(dir, "ws", "zip"))

	var _ engine.Progress = a.Progress()
	refs, err := a.Ledger.PendingReferences(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestExclusive_RejectsSecondHolder(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	viper.Set("storage.path", filepath.Join(dir, "objects"))
	viper.Set("workspace.path", filepath.Join(dir, "ws"))
	viper.Set("database.dsn", filepath.Join(dir, "ledger.db"))
	viper.Set("lock.backend", "memory")

	a, err := NewApp(context.Background(), nil)
	require.NoError(t, err)
	defer a.Close()

	ran := false
	err = a.Exclusive(func() error {
		// 嵌套获取同一个文件锁会失败
		inner := a.Exclusive(func() error { return nil })
		assert.ErrorIs(t, inner, ErrWorkspaceBusy)
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// 释放后可以再次获取
	require.NoError(t, a.Exclusive(func() error { return nil }))
}
