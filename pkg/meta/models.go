package meta

import (
	"time"

	"coldvault/pkg/engine"

	"gorm.io/datatypes"
)

// FileRecord 是一个已存储文件的引用
type FileRecord struct {
	// URL: 小文件为 <archiveKey>?fileName=<member>，大文件为普通 key
	URL string `gorm:"primaryKey;type:varchar(1024)"`

	Storage  string `gorm:"index;type:varchar(100)"`
	Checksum string `gorm:"type:char(32)"`
	FileSize int64

	// PendingActionRemaining 为 true 表示还在本地构建目录里
	PendingActionRemaining bool `gorm:"index"`

	RequestID string `gorm:"type:varchar(255)"`

	// Version 用于乐观锁 (CAS)，每次更新 +1
	Version int64 `gorm:"default:1"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ArchiveRecord 是远端的一个 zip 归档
type ArchiveRecord struct {
	Key      string `gorm:"primaryKey;column:archive_key;type:varchar(1024)"`
	Storage  string `gorm:"index;type:varchar(100)"`
	Checksum string `gorm:"type:char(32)"`
	Size     int64
	Deleted  bool `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ArchiveRecord) TableName() string {
	return "archives"
}

// Event 是 progress 回调的审计日志
type Event struct {
	ID        uint   `gorm:"primaryKey"`
	Type      string `gorm:"index;type:varchar(64)"`
	RequestID string `gorm:"index;type:varchar(255)"`
	URL       string `gorm:"type:varchar(1024)"`

	// Detail 存放失败分类、原因、校验和等非结构化字段
	Detail datatypes.JSON

	CreatedAt time.Time `gorm:"index"`
}

// Models 返回需要迁移的全部模型
func Models() []any {
	return []any{&FileRecord{}, &ArchiveRecord{}, &Event{}}
}

func (f FileRecord) Reference() engine.FileReference {
	return engine.FileReference{
		URL:                    f.URL,
		Checksum:               f.Checksum,
		FileSize:               f.FileSize,
		PendingActionRemaining: f.PendingActionRemaining,
	}
}
