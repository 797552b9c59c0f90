package disk

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"coldvault/pkg/storage"
)

// Adapter 是本地文件系统上的 "冷存储"，对象永远处于可读状态。
// 用于开发环境和测试
type Adapter struct {
	rootPath string // 比如: /home/user/.cv/objects
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string) (*Adapter, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	return &Adapter{rootPath: root}, nil
}

// layout 把 key 映射到物理路径，拒绝逃逸出根目录的 key
func (s *Adapter) layout(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(key, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.rootPath, clean), nil
}

func (s *Adapter) Store(ctx context.Context, key, localPath, md5hex string, size int64) error {
	target, err := s.layout(key)
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	// 1. 准备目录
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// 2. 原子写入: 先写临时文件，同时计算 MD5
	tmp, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), src)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// 3. 校验
	if size >= 0 && n != size {
		return fmt.Errorf("%w: %s: size %d, expected %d", storage.ErrChecksumMismatch, key, n, size)
	}
	if got := hex.EncodeToString(h.Sum(nil)); md5hex != "" && !strings.EqualFold(got, md5hex) {
		return fmt.Errorf("%w: %s: got %s, expected %s", storage.ErrChecksumMismatch, key, got, md5hex)
	}

	// 4. 移动到最终位置 (覆盖旧版本)
	return os.Rename(tmp.Name(), target)
}

func (s *Adapter) Download(ctx context.Context, key, dest string) error {
	source, err := s.layout(key)
	if err != nil {
		return err
	}
	src, err := os.Open(source)
	if os.IsNotExist(err) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func (s *Adapter) Delete(ctx context.Context, key string) error {
	target, err := s.layout(key)
	if err != nil {
		return err
	}
	err = os.Remove(target)
	if os.IsNotExist(err) {
		return storage.ErrNotFound
	}
	return err
}

func (s *Adapter) Exists(ctx context.Context, key string) (bool, error) {
	target, err := s.layout(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *Adapter) Restore(ctx context.Context, key string) storage.RestoreResponse {
	ok, err := s.Exists(ctx, key)
	switch {
	case err != nil:
		return storage.RestoreResponse{Status: storage.RestoreClientException, Err: err}
	case !ok:
		return storage.RestoreResponse{Status: storage.RestoreKeyNotFound}
	default:
		return storage.RestoreResponse{Status: storage.RestoreFileAvailable}
	}
}

func (s *Adapter) Status(ctx context.Context, key string) (storage.FileStatus, error) {
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return storage.StatusNotAvailable, err
	}
	if !ok {
		return storage.StatusNotAvailable, nil
	}
	return storage.StatusAvailable, nil
}
