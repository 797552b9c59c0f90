package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"coldvault/pkg/archive"
	"coldvault/pkg/lock"
	"coldvault/pkg/storage"
)

func (e *Engine) deleteOne(ctx context.Context, req DeleteRequest, p DeletionProgress) error {
	u, err := archive.ParseURL(req.Reference.URL)
	if err != nil {
		return err
	}
	l := loggerFrom(ctx).With().Str("node", u.Node()).Str("archive", u.ArchivePath).Logger()
	ctx = l.WithContext(ctx)

	// 1. 大文件: 直接删除远端对象
	if !u.IsSmallFile() {
		if err := e.backend.Delete(ctx, u.ArchivePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return ioErr("delete "+u.ArchivePath, err)
		}
		p.DeletionSucceeded(req)
		return nil
	}

	// 2. 还在本地: 只需要 STORE 锁
	if req.Reference.PendingActionRemaining {
		var pending bool
		err := e.withLock(ctx, archive.LockStore, u.String(), func(ctx context.Context, _ lock.Handle) error {
			var err error
			pending, err = e.deleteLocal(ctx, u)
			return err
		})
		if err != nil {
			return err
		}
		reportDeletion(p, req, pending)
		return nil
	}

	// 3. 已经上传: 先在 RESTORE 锁下把归档取回并链接到构建目录，再按本地删除处理
	var pending, gone bool
	err = e.withLock(ctx, archive.LockRestore, u.String(), func(ctx context.Context, h lock.Handle) error {
		var err error
		gone, err = e.linkArchiveForUpdate(ctx, h, u)
		if err != nil || gone {
			return err
		}
		return e.withLock(ctx, archive.LockStore, u.String(), func(ctx context.Context, _ lock.Handle) error {
			var err error
			pending, err = e.deleteLocal(ctx, u)
			return err
		})
	})
	if err != nil {
		return err
	}
	if gone {
		p.DeletionSucceeded(req)
		return nil
	}
	reportDeletion(p, req, pending)
	return nil
}

func reportDeletion(p DeletionProgress, req DeleteRequest, pending bool) {
	if pending {
		p.DeletionSucceededWithPendingAction(req)
		return
	}
	p.DeletionSucceeded(req)
}

// linkArchiveForUpdate 确保归档的构建目录存在:
// 不存在时取回归档、解压到缓存目录，再用符号链接挂到 zip/ 下，等待重新上传。
// 远端已经没有该归档时返回 gone=true
func (e *Engine) linkArchiveForUpdate(ctx context.Context, h lock.Handle, u archive.URL) (gone bool, err error) {
	buildingDir := e.buildingDirPath(u)
	if exists(buildingDir) {
		return false, nil
	}

	zipPath := e.cachedArchivePath(u)
	if !exists(zipPath) {
		resp := e.backend.Restore(ctx, u.ArchivePath).Normalize()
		switch resp.Status {
		case storage.RestoreKeyNotFound:
			loggerFrom(ctx).Warn().Msg("archive no longer exists in storage, nothing to delete")
			return true, nil
		case storage.RestoreClientException:
			return false, ioErr("restore "+u.ArchivePath, resp.Err)
		}
		if err := os.MkdirAll(filepath.Dir(zipPath), 0755); err != nil {
			return false, err
		}
		if err := e.awaitAndDownload(ctx, h, u.ArchivePath, zipPath, resp); err != nil {
			return false, fmt.Errorf("Unable to restore the archive %s containing the file to delete: %w", u.ArchivePath, err)
		}
	}

	cacheDir := e.cacheDirPath(u)
	if err := archive.ExtractAll(zipPath, cacheDir); err != nil {
		_ = os.RemoveAll(cacheDir)
		return false, ioErr("extract "+u.ArchivePath, err)
	}
	if err := os.MkdirAll(filepath.Dir(buildingDir), 0755); err != nil {
		return false, err
	}
	if err := os.Symlink(cacheDir, buildingDir); err != nil {
		return false, err
	}
	// 解压后旧 zip 不再代表成员的状态
	if err := os.Remove(zipPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		loggerFrom(ctx).Warn().Err(err).Str("archive", zipPath).Msg("failed to remove stale cached archive")
	}
	loggerFrom(ctx).Info().Str("link", buildingDir).Msg("archive linked for update")
	return false, nil
}

// deleteLocal 在构建目录中删除成员，调用方持有 STORE 锁
// 返回 pending=true 表示远端归档里仍有该文件，需要等待重新上传
func (e *Engine) deleteLocal(ctx context.Context, u archive.URL) (bool, error) {
	p, state, ok := e.findLocalMember(u)
	if !ok {
		return false, fmt.Errorf("%s: %w", u.String(), ErrNotFoundLocal)
	}
	if err := os.Remove(p); err != nil {
		return false, err
	}
	loggerFrom(ctx).Info().Str("member", u.Member).Str("state", state.String()).Msg("file deleted locally")
	return state == archive.StateSymlinked, nil
}
