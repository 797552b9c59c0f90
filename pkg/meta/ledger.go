package meta

import (
	"context"
	"errors"
	"time"

	"coldvault/pkg/engine"

	"github.com/rs/zerolog"
)

// 事件类型，写入 events.type
const (
	EventStorageSucceeded         = "storage_succeeded"
	EventStoragePending           = "storage_pending"
	EventStorageFailed            = "storage_failed"
	EventRestoreSucceeded         = "restore_succeeded"
	EventRestoreFailed            = "restore_failed"
	EventDeletionSucceeded        = "deletion_succeeded"
	EventDeletionPending          = "deletion_pending"
	EventDeletionFailed           = "deletion_failed"
	EventPendingActionSucceeded   = "pending_action_succeeded"
	EventPendingActionFailed      = "pending_action_failed"
	EventPendingActionError       = "pending_action_error"
	EventArchiveStored            = "archive_stored"
	EventArchiveDeleted           = "archive_deleted"
	EventAllPendingActionsSucceed = "all_pending_actions_succeeded"
)

// Ledger 把引擎的进度回调持久化到数据库
// 回调没有返回值，写库失败只记录日志
type Ledger struct {
	repo    *Repository
	storage string
	log     zerolog.Logger
	timeout time.Duration
}

var _ engine.Progress = (*Ledger)(nil)

func NewLedger(repo *Repository, storage string, l zerolog.Logger) *Ledger {
	return &Ledger{
		repo:    repo,
		storage: storage,
		log:     l.With().Str("component", "ledger").Logger(),
		timeout: 10 * time.Second,
	}
}

func (l *Ledger) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), l.timeout)
}

func (l *Ledger) event(typ, requestID, url string, detail map[string]any) {
	ctx, cancel := l.ctx()
	defer cancel()
	if err := l.repo.AddEvent(ctx, typ, requestID, url, detail); err != nil {
		l.log.Error().Err(err).Str("event", typ).Str("url", url).Msg("Failed to record event")
	}
}

func (l *Ledger) putFile(req engine.StoreRequest, url string, size int64, pending bool) {
	ctx, cancel := l.ctx()
	defer cancel()
	err := l.repo.PutFile(ctx, &FileRecord{
		URL:                    url,
		Storage:                l.storage,
		Checksum:               req.Checksum,
		FileSize:               size,
		PendingActionRemaining: pending,
		RequestID:              req.ID,
	})
	if err != nil {
		l.log.Error().Err(err).Str("url", url).Msg("Failed to record file")
	}
}

func (l *Ledger) deleteFile(url string) {
	ctx, cancel := l.ctx()
	defer cancel()
	if err := l.repo.DeleteFile(ctx, url); err != nil {
		l.log.Error().Err(err).Str("url", url).Msg("Failed to forget file")
	}
}

func failure(kind engine.FailureKind, cause error) map[string]any {
	d := map[string]any{"kind": kind.String()}
	if cause != nil {
		d["error"] = cause.Error()
	}
	return d
}

// -----------------------------------------------------------------------------
// 1. StorageProgress
// -----------------------------------------------------------------------------

func (l *Ledger) StorageSucceeded(req engine.StoreRequest, url string, size int64) {
	l.putFile(req, url, size, false)
	l.event(EventStorageSucceeded, req.ID, url, map[string]any{"size": size, "checksum": req.Checksum})
}

func (l *Ledger) StorageSucceededWithPendingAction(req engine.StoreRequest, url string, size int64) {
	l.putFile(req, url, size, true)
	l.event(EventStoragePending, req.ID, url, map[string]any{"size": size, "checksum": req.Checksum})
}

func (l *Ledger) StorageFailed(req engine.StoreRequest, kind engine.FailureKind, cause error) {
	d := failure(kind, cause)
	d["origin"] = req.OriginURL
	l.event(EventStorageFailed, req.ID, "", d)
}

// -----------------------------------------------------------------------------
// 2. RestoreProgress
// -----------------------------------------------------------------------------

func (l *Ledger) RestoreSucceeded(req engine.RetrieveRequest, path string) {
	l.event(EventRestoreSucceeded, req.ID, req.Reference.URL, map[string]any{"path": path})
}

func (l *Ledger) RestoreFailed(req engine.RetrieveRequest, kind engine.FailureKind, cause error) {
	l.event(EventRestoreFailed, req.ID, req.Reference.URL, failure(kind, cause))
}

// -----------------------------------------------------------------------------
// 3. DeletionProgress
// -----------------------------------------------------------------------------

func (l *Ledger) DeletionSucceeded(req engine.DeleteRequest) {
	l.deleteFile(req.Reference.URL)
	l.event(EventDeletionSucceeded, req.ID, req.Reference.URL, nil)
}

// 文件已经不可访问，归档重新上传由下一次 SubmitReadyArchives 完成
func (l *Ledger) DeletionSucceededWithPendingAction(req engine.DeleteRequest) {
	l.deleteFile(req.Reference.URL)
	l.event(EventDeletionPending, req.ID, req.Reference.URL, nil)
}

func (l *Ledger) DeletionFailed(req engine.DeleteRequest, kind engine.FailureKind, cause error) {
	l.event(EventDeletionFailed, req.ID, req.Reference.URL, failure(kind, cause))
}

// -----------------------------------------------------------------------------
// 4. PeriodicProgress
// -----------------------------------------------------------------------------

func (l *Ledger) PendingActionSucceeded(url string) {
	ctx, cancel := l.ctx()
	defer cancel()
	// 归档重新上传时，其他成员也会收到这个回调，它们可能早已不是 pending
	if err := l.repo.MarkArchived(ctx, url, 0); err != nil && !errors.Is(err, ErrFileNotFound) {
		l.log.Error().Err(err).Str("url", url).Msg("Failed to mark file archived")
	}
	l.event(EventPendingActionSucceeded, "", url, nil)
}

func (l *Ledger) PendingActionFailed(path string) {
	l.event(EventPendingActionFailed, "", "", map[string]any{"path": path})
}

// PendingActionError 表示记录本身出了问题 (数据丢失或引用无法解析)，单独记录以便排查
func (l *Ledger) PendingActionError(path string) {
	l.log.Error().Str("path", path).Msg("Pending action is in error")
	l.event(EventPendingActionError, "", "", map[string]any{"path": path})
}

func (l *Ledger) ArchiveStored(storage, url, checksum string, size int64) {
	ctx, cancel := l.ctx()
	defer cancel()
	err := l.repo.PutArchive(ctx, &ArchiveRecord{Key: url, Storage: storage, Checksum: checksum, Size: size})
	if err != nil {
		l.log.Error().Err(err).Str("archive", url).Msg("Failed to record archive")
	}
	l.event(EventArchiveStored, "", url, map[string]any{"size": size, "checksum": checksum})
}

func (l *Ledger) ArchiveDeleted(storage, url string) {
	ctx, cancel := l.ctx()
	defer cancel()
	if err := l.repo.MarkArchiveDeleted(ctx, url); err != nil {
		l.log.Error().Err(err).Str("archive", url).Msg("Failed to mark archive deleted")
	}
	l.event(EventArchiveDeleted, "", url, map[string]any{"storage": storage})
}

func (l *Ledger) AllPendingActionsSucceeded(storage string) {
	l.event(EventAllPendingActionsSucceed, "", "", map[string]any{"storage": storage})
}

// PendingReferences 把账本里的待办文件转换为 CheckPendingActions 的输入
func (l *Ledger) PendingReferences(ctx context.Context) ([]engine.FileReference, error) {
	files, err := l.repo.PendingReferences(ctx, l.storage, 0)
	if err != nil {
		return nil, err
	}
	refs := make([]engine.FileReference, 0, len(files))
	for _, f := range files {
		refs = append(refs, f.Reference())
	}
	return refs, nil
}

// Lookup 通过 URL 找回完整的文件引用
func (l *Ledger) Lookup(ctx context.Context, url string) (engine.FileReference, error) {
	f, err := l.repo.GetFile(ctx, url)
	if err != nil {
		return engine.FileReference{}, err
	}
	return f.Reference(), nil
}
