package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"coldvault/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLocalFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestDiskAdapter(t *testing.T) {
	// 1. 创建临时测试目录
	tmpDir := t.TempDir()
	store, err := NewAdapter(tmpDir)
	require.NoError(t, err)

	ctx := context.Background()
	src := mustLocalFile(t, "hello world")
	const key = "root/node/20240102030405006.zip"

	// 2. Store (md5 of "hello world")
	err = store.Store(ctx, key, src, "5eb63bbbe01eeed093cb22bb8f5acdc3", 11)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(tmpDir, "root", "node", "20240102030405006.zip"))
	assert.NoError(t, err, "对象应该按 key 落在根目录下")

	// 3. Exists / Status / Restore
	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	status, err := store.Status(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAvailable, status)
	assert.Equal(t, storage.RestoreFileAvailable, store.Restore(ctx, key).Status)
	assert.Equal(t, storage.RestoreKeyNotFound, store.Restore(ctx, "nope").Status)

	// 4. Download
	dest := filepath.Join(t.TempDir(), "out", "a.zip")
	require.NoError(t, store.Download(ctx, key, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	// 5. Delete
	require.NoError(t, store.Delete(ctx, key))
	assert.ErrorIs(t, store.Delete(ctx, key), storage.ErrNotFound)
	assert.ErrorIs(t, store.Download(ctx, key, dest+".2"), storage.ErrNotFound)
}

func TestDiskAdapter_ChecksumMismatch(t *testing.T) {
	store, err := NewAdapter(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	err = store.Store(ctx, "k", mustLocalFile(t, "hello world"), "00000000000000000000000000000000", 11)
	assert.ErrorIs(t, err, storage.ErrChecksumMismatch)

	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists, "校验失败时不能留下对象")
}

func TestDiskAdapter_RejectsEscapingKeys(t *testing.T) {
	store, err := NewAdapter(t.TempDir())
	require.NoError(t, err)

	_, err = store.Exists(context.Background(), "../outside")
	assert.Error(t, err)
}
