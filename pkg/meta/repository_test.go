package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"coldvault/pkg/engine"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestRepo 构建隔离的测试环境
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	metaDB := NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(Models()...))

	return NewRepository(metaDB)
}

func mustPutFile(t *testing.T, repo *Repository, url string, pending bool) {
	t.Helper()
	err := repo.PutFile(context.Background(), &FileRecord{
		URL:                    url,
		Storage:                "glacier",
		Checksum:               "0cc175b9c0f1b6a831c399e269772661",
		FileSize:               1,
		PendingActionRemaining: pending,
		RequestID:              "req-1",
	})
	require.NoError(t, err)
}

func eventTypes(t *testing.T, repo *Repository) []string {
	t.Helper()
	events, err := repo.RecentEvents(context.Background(), 100)
	require.NoError(t, err)
	var types []string
	for i := len(events) - 1; i >= 0; i-- {
		types = append(types, events[i].Type)
	}
	return types
}

// -----------------------------------------------------------------------------
// 1. Repository
// -----------------------------------------------------------------------------

func TestRepository_FileLifecycle(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	url := "root/a/20240101000000000.zip?fileName=x.txt"

	mustPutFile(t, repo, url, true)

	f, err := repo.GetFile(ctx, url)
	require.NoError(t, err)
	assert.True(t, f.PendingActionRemaining)
	assert.Equal(t, int64(1), f.Version)

	// 覆盖写入会推进版本
	mustPutFile(t, repo, url, true)
	f, err = repo.GetFile(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.Version)

	// 旧版本 CAS 失败
	err = repo.MarkArchived(ctx, url, 1)
	assert.ErrorIs(t, err, ErrConcurrentUpdate)

	require.NoError(t, repo.MarkArchived(ctx, url, 2))
	f, err = repo.GetFile(ctx, url)
	require.NoError(t, err)
	assert.False(t, f.PendingActionRemaining)

	require.NoError(t, repo.DeleteFile(ctx, url))
	_, err = repo.GetFile(ctx, url)
	assert.ErrorIs(t, err, ErrFileNotFound)

	assert.ErrorIs(t, repo.MarkArchived(ctx, url, 0), ErrFileNotFound)
}

func TestRepository_PendingReferences(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	mustPutFile(t, repo, "n/1.zip?fileName=a", true)
	mustPutFile(t, repo, "n/1.zip?fileName=b", false)
	mustPutFile(t, repo, "n/2.zip?fileName=c", true)

	files, err := repo.PendingReferences(ctx, "glacier", 0)
	require.NoError(t, err)
	require.Len(t, files, 2)

	files, err = repo.PendingReferences(ctx, "other", 0)
	require.NoError(t, err)
	assert.Empty(t, files)

	files, err = repo.PendingReferences(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRepository_Archives(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.PutArchive(ctx, &ArchiveRecord{Key: "n/1.zip", Storage: "glacier", Checksum: "aa", Size: 10}))
	// 重新上传覆盖校验和
	require.NoError(t, repo.PutArchive(ctx, &ArchiveRecord{Key: "n/1.zip", Storage: "glacier", Checksum: "bb", Size: 7}))

	a, err := repo.GetArchive(ctx, "n/1.zip")
	require.NoError(t, err)
	assert.Equal(t, "bb", a.Checksum)
	assert.Equal(t, int64(7), a.Size)
	assert.False(t, a.Deleted)

	require.NoError(t, repo.MarkArchiveDeleted(ctx, "n/1.zip"))
	a, err = repo.GetArchive(ctx, "n/1.zip")
	require.NoError(t, err)
	assert.True(t, a.Deleted)

	_, err = repo.GetArchive(ctx, "missing.zip")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

// -----------------------------------------------------------------------------
// 2. Ledger
// -----------------------------------------------------------------------------

func TestLedger_StoreArchiveDelete(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	l := NewLedger(repo, "glacier", zerolog.Nop())

	url := "n/1.zip?fileName=a.txt"
	req := engine.StoreRequest{ID: "r1", FileName: "a.txt", Checksum: "0cc175b9c0f1b6a831c399e269772661"}

	l.StorageSucceededWithPendingAction(req, url, 1)

	refs, err := l.PendingReferences(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, engine.FileReference{
		URL:                    url,
		Checksum:               req.Checksum,
		FileSize:               1,
		PendingActionRemaining: true,
	}, refs[0])

	l.ArchiveStored("glacier", "n/1.zip", "ff", 100)
	l.PendingActionSucceeded(url)
	// 不在账本里的成员不会报错
	l.PendingActionSucceeded("n/1.zip?fileName=unknown")

	refs, err = l.PendingReferences(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)

	ref, err := l.Lookup(ctx, url)
	require.NoError(t, err)
	assert.False(t, ref.PendingActionRemaining)

	l.DeletionSucceeded(engine.DeleteRequest{ID: "r2", Reference: ref})
	_, err = l.Lookup(ctx, url)
	assert.ErrorIs(t, err, ErrFileNotFound)

	l.ArchiveDeleted("glacier", "n/1.zip")
	a, err := repo.GetArchive(ctx, "n/1.zip")
	require.NoError(t, err)
	assert.True(t, a.Deleted)

	assert.Equal(t, []string{
		EventStoragePending,
		EventArchiveStored,
		EventPendingActionSucceeded,
		EventPendingActionSucceeded,
		EventDeletionSucceeded,
		EventArchiveDeleted,
	}, eventTypes(t, repo))
}

func TestLedger_FailuresAreRecorded(t *testing.T) {
	repo := setupTestRepo(t)
	l := NewLedger(repo, "glacier", zerolog.Nop())

	l.StorageFailed(engine.StoreRequest{ID: "r1", OriginURL: "file:///nope"}, engine.KindMalformed, errors.New("bad"))
	l.RestoreFailed(engine.RetrieveRequest{ID: "r2", Reference: engine.FileReference{URL: "n/1.zip?fileName=a"}}, engine.KindRestoreTimeout, engine.ErrRestoreTimeout)
	l.PendingActionFailed("/ws/zip/n/rs_zip_1/a")
	l.PendingActionError("/ws/zip/lost/rs_zip_1/l")

	events, err := repo.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 4)

	var detail map[string]any
	assert.Equal(t, EventPendingActionError, events[0].Type)
	require.NoError(t, json.Unmarshal(events[0].Detail, &detail))
	assert.Equal(t, "/ws/zip/lost/rs_zip_1/l", detail["path"])

	assert.Equal(t, EventPendingActionFailed, events[1].Type)
	require.NoError(t, json.Unmarshal(events[1].Detail, &detail))
	assert.Equal(t, "/ws/zip/n/rs_zip_1/a", detail["path"])

	require.NoError(t, json.Unmarshal(events[2].Detail, &detail))
	assert.Equal(t, engine.KindRestoreTimeout.String(), detail["kind"])
	assert.Equal(t, "r2", events[2].RequestID)

	require.NoError(t, json.Unmarshal(events[3].Detail, &detail))
	assert.Equal(t, "file:///nope", detail["origin"])
}
