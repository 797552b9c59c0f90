package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound         = errors.New("object not found")
	ErrUnreachable      = errors.New("storage server unreachable")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// RestoreStatus 是一次 restore 调用的结果
type RestoreStatus int

const (
	RestoreFileAvailable RestoreStatus = iota
	RestoreSuccess
	RestoreKeyNotFound
	RestoreClientException
	RestoreWrongStorageClass
	RestoreAlreadyInProgress
)

func (s RestoreStatus) String() string {
	return [...]string{
		"FILE_AVAILABLE", "SUCCESS", "KEY_NOT_FOUND", "CLIENT_EXCEPTION",
		"WRONG_STORAGE_CLASS", "RESTORE_ALREADY_IN_PROGRESS",
	}[s]
}

type RestoreResponse struct {
	Status RestoreStatus
	Err    error // 仅 ClientException 时有值
}

// Normalize 合并语义相同的状态:
// 存储类型不对 (对象就在标准层) 视为可用，已有 restore 在进行视为成功
func (r RestoreResponse) Normalize() RestoreResponse {
	switch r.Status {
	case RestoreWrongStorageClass:
		return RestoreResponse{Status: RestoreFileAvailable}
	case RestoreAlreadyInProgress:
		return RestoreResponse{Status: RestoreSuccess}
	}
	return r
}

// FileStatus 是对象在冷存储上的可读状态
type FileStatus int

const (
	StatusNotAvailable FileStatus = iota
	StatusAvailable
	StatusRestorePending
	StatusExpired
)

func (s FileStatus) String() string {
	return [...]string{"NOT_AVAILABLE", "AVAILABLE", "RESTORE_PENDING", "EXPIRED"}[s]
}

// Backend 只包含与具体存储相关的原语。
// 加锁、归档生命周期、批处理全部在 engine 中实现，不随后端重复。
type Backend interface {
	// Store 上传本地文件 (storeFile)，md5hex 用于服务端校验
	Store(ctx context.Context, key, localPath, md5hex string, size int64) error

	// Download 下载已可读的对象到 dest (downloadAfterRestore)
	// 实现必须是原子的: 先写临时文件再 Rename
	Download(ctx context.Context, key, dest string) error

	Delete(ctx context.Context, key string) error

	// Exists 检查对象是否存在 (existsStorageUrl)
	Exists(ctx context.Context, key string) (bool, error)

	// Restore 发起取回请求
	Restore(ctx context.Context, key string) RestoreResponse

	// Status 查询取回进度，用于轮询
	Status(ctx context.Context, key string) (FileStatus, error)
}
