package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrFileNotFound     = errors.New("file reference not found")
	ErrConcurrentUpdate = errors.New("concurrent update detected (CAS failed)")
)

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// -----------------------------------------------------------------------------
// 1. 文件引用
// -----------------------------------------------------------------------------

// PutFile 写入或覆盖一个文件引用
func (r *Repository) PutFile(ctx context.Context, f *FileRecord) error {
	err := r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "url"}},
			DoUpdates: clause.Assignments(map[string]any{
				"storage":                  f.Storage,
				"checksum":                 f.Checksum,
				"file_size":                f.FileSize,
				"pending_action_remaining": f.PendingActionRemaining,
				"request_id":               f.RequestID,
				"version":                  gorm.Expr("file_records.version + 1"),
				"updated_at":               time.Now(),
			}),
		}).
		Create(f).Error
	if err != nil {
		return fmt.Errorf("failed to put file %s: %w", f.URL, err)
	}
	return nil
}

func (r *Repository) GetFile(ctx context.Context, url string) (*FileRecord, error) {
	var f FileRecord
	err := r.db.GetConn().WithContext(ctx).
		Where("url = ?", url).
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// MarkArchived 把待办文件标记为已上传 (CAS)
// oldVersion 为 0 时不做版本检查
func (r *Repository) MarkArchived(ctx context.Context, url string, oldVersion int64) error {
	q := r.db.GetConn().WithContext(ctx).Model(&FileRecord{}).Where("url = ?", url)
	if oldVersion > 0 {
		q = q.Where("version = ?", oldVersion)
	}
	result := q.Updates(map[string]any{
		"pending_action_remaining": false,
		"version":                  gorm.Expr("version + 1"),
		"updated_at":               time.Now(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if oldVersion > 0 {
			return ErrConcurrentUpdate
		}
		return ErrFileNotFound
	}
	return nil
}

func (r *Repository) DeleteFile(ctx context.Context, url string) error {
	return r.db.GetConn().WithContext(ctx).
		Where("url = ?", url).
		Delete(&FileRecord{}).Error
}

// PendingReferences 列出仍在本地等待上传的文件
func (r *Repository) PendingReferences(ctx context.Context, storage string, limit int) ([]FileRecord, error) {
	var files []FileRecord
	q := r.db.GetConn().WithContext(ctx).
		Where("pending_action_remaining = ?", true).
		Order("created_at ASC")
	if storage != "" {
		q = q.Where("storage = ?", storage)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&files).Error
	return files, err
}

// -----------------------------------------------------------------------------
// 2. 归档
// -----------------------------------------------------------------------------

func (r *Repository) PutArchive(ctx context.Context, a *ArchiveRecord) error {
	err := r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "archive_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"storage", "checksum", "size", "deleted", "updated_at"}),
		}).
		Create(a).Error
	if err != nil {
		return fmt.Errorf("failed to put archive %s: %w", a.Key, err)
	}
	return nil
}

func (r *Repository) MarkArchiveDeleted(ctx context.Context, key string) error {
	return r.db.GetConn().WithContext(ctx).
		Model(&ArchiveRecord{}).
		Where("archive_key = ?", key).
		Updates(map[string]any{"deleted": true, "updated_at": time.Now()}).Error
}

func (r *Repository) GetArchive(ctx context.Context, key string) (*ArchiveRecord, error) {
	var a ArchiveRecord
	err := r.db.GetConn().WithContext(ctx).Where("archive_key = ?", key).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("archive %s: %w", key, gorm.ErrRecordNotFound)
	}
	return &a, err
}

// -----------------------------------------------------------------------------
// 3. 事件
// -----------------------------------------------------------------------------

func (r *Repository) AddEvent(ctx context.Context, typ, requestID, url string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal event detail: %w", err)
	}
	ev := Event{Type: typ, RequestID: requestID, URL: url, Detail: datatypes.JSON(raw)}
	return r.db.GetConn().WithContext(ctx).Create(&ev).Error
}

// RecentEvents 按时间倒序返回最近的事件
func (r *Repository) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	err := r.db.GetConn().WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
