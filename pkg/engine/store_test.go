package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"coldvault/pkg/archive"
	"coldvault/pkg/lock"
	"coldvault/pkg/storage/storagetest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 1. 小文件进入 open 构建目录
// -----------------------------------------------------------------------------

func TestStore_SmallFileIsPending(t *testing.T) {
	h := newHarness(t)

	url := h.mustStorePending(t, "a.txt", "hello", "node")

	u, err := archive.ParseURL(url)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", u.Member)
	assert.Equal(t, "root/node", u.Node())

	dirs := mustListDir(t, h.nodeDir("node"))
	require.Len(t, dirs, 1)
	assert.True(t, archive.IsOpen(dirs[0]))
	assert.Equal(t, u.ArchiveName(), archive.ArchiveNameFromBuildingDir(dirs[0]))
	assert.Equal(t, "hello", mustReadFile(t, filepath.Join(h.nodeDir("node"), dirs[0], "a.txt")))
	assert.Equal(t, 0, h.fake.Calls("Store"), "small files are not uploaded at store time")
}

func TestStore_DuplicateNames(t *testing.T) {
	h := newHarness(t)

	first := h.mustStorePending(t, "a.txt", "hello", "node")
	again := h.mustStorePending(t, "a.txt", "hello", "node")
	assert.Equal(t, first, again, "identical content resolves to the same member")

	other := h.mustStorePending(t, "a.txt", "world", "node")
	assert.Equal(t, "a_2.txt", archive.Dispatch(other).Member)
	third := h.mustStorePending(t, "a.txt", "third", "node")
	assert.Equal(t, "a_3.txt", archive.Dispatch(third).Member)

	dirs := mustListDir(t, h.nodeDir("node"))
	require.Len(t, dirs, 1)
	assert.ElementsMatch(t, []string{"a.txt", "a_2.txt", "a_3.txt"}, mustListDir(t, filepath.Join(h.nodeDir("node"), dirs[0])))
}

func TestStore_ChecksumMismatch(t *testing.T) {
	h := newHarness(t)
	req := h.storeReq(t, "a.txt", "hello", "node")
	req.Checksum = md5hex("something else")

	rec := NewRecorder()
	h.e.Store(context.Background(), []StoreRequest{req}, rec)

	failed := rec.Of(EventStorageFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, KindIO, failed[0].Kind)

	dirs := mustListDir(t, h.nodeDir("node"))
	require.Len(t, dirs, 1)
	assert.Empty(t, mustListDir(t, filepath.Join(h.nodeDir("node"), dirs[0])), "partial download must be removed")
}

func TestStore_Malformed(t *testing.T) {
	h := newHarness(t)
	good := h.storeReq(t, "a.txt", "hello", "node")

	badOrigin := good
	badOrigin.ID = "bad-origin"
	badOrigin.OriginURL = "ftp://host/a.txt"

	badName := good
	badName.ID = "bad-name"
	badName.FileName = "../a.txt"

	badSub := good
	badSub.ID = "bad-sub"
	badSub.SubDirectory = "../../etc"

	ignored := good
	ignored.ID = "ignored"
	ignored.FileName = ".DS_Store"

	rec := NewRecorder()
	h.e.Store(context.Background(), []StoreRequest{badOrigin, badName, badSub, ignored}, rec)

	failed := rec.Of(EventStorageFailed)
	require.Len(t, failed, 4)
	for _, ev := range failed {
		assert.Equal(t, KindMalformed, ev.Kind, ev.RequestID)
	}
}

// -----------------------------------------------------------------------------
// 2. 大文件直接上传
// -----------------------------------------------------------------------------

func TestStore_BigFile(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SmallFileMaxSize = 8 })
	content := "this is bigger than eight bytes"

	ev := h.mustStore(t, "big.bin", content, "node")
	require.Equal(t, EventStorageSucceeded, ev.Type, "%v", ev.Err)
	assert.Equal(t, "root/node/"+md5hex(content), ev.URL)
	assert.Equal(t, int64(len(content)), ev.Size)

	data, ok := h.fake.Get(ev.URL)
	require.True(t, ok)
	assert.Equal(t, content, string(data))
	assert.Empty(t, mustListDir(t, h.e.uploadDir()), "upload temp file must be removed")

	// 取回直接下载到目标目录
	got := h.retrieve(t, durable(ev.URL))
	require.Equal(t, EventRestoreSucceeded, got.Type, "%v", got.Err)
	assert.Equal(t, content, mustReadFile(t, got.Path))
}

// -----------------------------------------------------------------------------
// 3. 按大小封存
// -----------------------------------------------------------------------------

func TestStore_SealsWhenFull(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.SmallFileMaxSize = 8
		c.ArchiveMaxSize = 10
	})

	u1 := h.mustStorePending(t, "f1", "aaaaaa", "node")
	u2 := h.mustStorePending(t, "f2", "bbbbbb", "node")
	assert.Equal(t, archive.Dispatch(u1).ArchivePath, archive.Dispatch(u2).ArchivePath)

	u3 := h.mustStorePending(t, "f3", "cccccc", "node")
	assert.NotEqual(t, archive.Dispatch(u1).ArchivePath, archive.Dispatch(u3).ArchivePath)

	var open, sealed int
	for _, name := range mustListDir(t, h.nodeDir("node")) {
		if archive.IsOpen(name) {
			open++
		} else {
			sealed++
		}
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, sealed)

	// 封存后的文件仍然可以作为待办文件取回
	got := h.retrieve(t, pending(u1))
	require.Equal(t, EventRestoreSucceeded, got.Type, "%v", got.Err)
	assert.Equal(t, "aaaaaa", mustReadFile(t, got.Path))
}

// -----------------------------------------------------------------------------
// 4. 同一节点最多一个写者
// -----------------------------------------------------------------------------

func TestStore_ConcurrentWritersOnOneNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var first []StoreRequest
	for i := 0; i < 10; i++ {
		name := "first-" + string(rune('a'+i))
		first = append(first, h.storeReq(t, name, strings.Repeat(name, 3), "node"))
	}
	rec := NewRecorder()
	h.e.Store(ctx, first, rec)
	require.Equal(t, 10, rec.Count(EventStoragePending), "%v", rec.Err())

	var deletes []DeleteRequest
	for _, ev := range rec.Events() {
		deletes = append(deletes, DeleteRequest{ID: ev.RequestID, Reference: pending(ev.URL)})
	}
	var second []StoreRequest
	for i := 0; i < 20; i++ {
		name := "second-" + string(rune('a'+i))
		second = append(second, h.storeReq(t, name, strings.Repeat(name, 3), "node"))
	}

	storeRec, deleteRec := NewRecorder(), NewRecorder()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.e.Store(ctx, second, storeRec) }()
	go func() { defer wg.Done(); h.e.Delete(ctx, deletes, deleteRec) }()
	wg.Wait()

	assert.Equal(t, 20, storeRec.Count(EventStoragePending), "%v", storeRec.Err())
	assert.Equal(t, 10, deleteRec.Count(EventDeletionSucceeded), "%v", deleteRec.Err())

	dirs := mustListDir(t, h.nodeDir("node"))
	require.Len(t, dirs, 1, "exactly one open directory per node")
	files := mustListDir(t, filepath.Join(h.nodeDir("node"), dirs[0]))
	assert.Len(t, files, 20)
	for _, f := range files {
		assert.False(t, strings.HasSuffix(f, ".part"), f)
	}
}

// -----------------------------------------------------------------------------
// 5. 任务边界: 中断和 panic
// -----------------------------------------------------------------------------

func TestStore_InterruptedBatch(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reqs := []StoreRequest{
		h.storeReq(t, "a", "a", "node"),
		h.storeReq(t, "b", "b", "node"),
		h.storeReq(t, "c", "c", "node"),
	}
	rec := NewRecorder()
	h.e.Store(ctx, reqs, rec)

	failed := rec.Of(EventStorageFailed)
	require.Len(t, failed, 3)
	for _, ev := range failed {
		assert.Equal(t, KindInterrupted, ev.Kind)
		assert.EqualError(t, ev.Err, "The storage task was interrupted before completion.")
	}
}

type panickyBackend struct {
	*storagetest.Fake
}

func (panickyBackend) Store(context.Context, string, string, string, int64) error {
	panic("boom")
}

func TestStore_PanicIsContained(t *testing.T) {
	ws := t.TempDir()
	cfg := testConfig(ws)
	cfg.SmallFileMaxSize = 1
	cfg.ArchiveMaxSize = 1
	e, err := New(cfg, panickyBackend{storagetest.NewFake()}, lock.NewMemory(time.Minute), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "big")
	require.NoError(t, os.WriteFile(src, []byte("more than one byte"), 0644))

	rec := NewRecorder()
	e.Store(context.Background(), []StoreRequest{{ID: "p", FileName: "big", OriginURL: src}}, rec)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventStorageFailed, events[0].Type)
	assert.Equal(t, KindUnexpected, events[0].Kind)
	assert.Equal(t, "Unexpected exception occurred : panic: boom", events[0].Err.Error())
}
