package engine

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"coldvault/pkg/archive"
	"coldvault/pkg/lock"
)

func (e *Engine) retrieveOne(ctx context.Context, req RetrieveRequest, p RestoreProgress) error {
	u, err := archive.ParseURL(req.Reference.URL)
	if err != nil {
		return err
	}
	if req.RestorationDir == "" {
		return fmt.Errorf("%w: empty restoration directory", ErrMalformedPath)
	}

	l := loggerFrom(ctx).With().Str("node", u.Node()).Str("archive", u.ArchivePath).Logger()
	ctx = l.WithContext(ctx)

	var restored string
	switch {
	case !u.IsSmallFile():
		restored, err = e.retrieveBigFile(ctx, u, req.RestorationDir)
	case req.Reference.PendingActionRemaining:
		restored, err = e.retrievePending(ctx, u, req.RestorationDir)
	default:
		restored, err = e.retrieveFromArchive(ctx, u, req.RestorationDir)
	}
	if err != nil {
		return err
	}
	p.RestoreSucceeded(req, restored)
	return nil
}

// retrievePending 文件还没上传，直接从构建目录复制
func (e *Engine) retrievePending(ctx context.Context, u archive.URL, destDir string) (string, error) {
	var restored string
	err := e.withLock(ctx, archive.LockStore, u.String(), func(ctx context.Context, _ lock.Handle) error {
		src, _, ok := e.findLocalMember(u)
		if !ok {
			return fmt.Errorf("%w: %s not found locally", ErrNotFoundLocal, u.Member)
		}
		var err error
		restored, err = copyFile(src, destDir, u.Member)
		return err
	})
	return restored, err
}

// retrieveFromArchive 从已上传的归档中取出成员:
// 热缓存 -> 已取回的归档 -> 发起取回
func (e *Engine) retrieveFromArchive(ctx context.Context, u archive.URL, destDir string) (string, error) {
	cached := filepath.Join(e.cacheDirPath(u), u.Member)

	// 1. 热缓存读取不加锁
	if isRegular(cached) {
		loggerFrom(ctx).Debug().Str("member", u.Member).Msg("served from warm cache")
		return copyFile(cached, destDir, u.Member)
	}

	var restored string
	err := e.withLock(ctx, archive.LockRestore, u.String(), func(ctx context.Context, h lock.Handle) error {
		// 2. 拿到锁后再检查一次，可能刚被别人解压
		if !isRegular(cached) && isSymlink(e.buildingDirPath(u)) {
			// 归档已链接待更新：链接目标就是成员的最新状态，缺失即已被删除
			return fmt.Errorf("%w: %s deleted from %s", ErrMemberNotFound, u.Member, u.ArchivePath)
		}
		if !isRegular(cached) {
			zipPath := e.cachedArchivePath(u)
			if !exists(zipPath) {
				if err := os.MkdirAll(filepath.Dir(zipPath), 0755); err != nil {
					return err
				}
				loggerFrom(ctx).Info().Msg("archive not cached, restoring from storage")
				if err := e.restoreAndDownload(ctx, h, u.ArchivePath, zipPath); err != nil {
					return err
				}
			}
			found, err := archive.ExtractMember(zipPath, u.Member, e.cacheDirPath(u))
			if err != nil {
				return ioErr("extract "+u.Member, err)
			}
			if !found {
				return fmt.Errorf("%w: %s in %s", ErrMemberNotFound, u.Member, u.ArchivePath)
			}
		}
		var err error
		restored, err = copyFile(cached, destDir, u.Member)
		return err
	})
	return restored, err
}

// retrieveBigFile 大文件取回后直接下载到目标目录
func (e *Engine) retrieveBigFile(ctx context.Context, u archive.URL, destDir string) (string, error) {
	dest := filepath.Join(destDir, path.Base(u.ArchivePath))
	err := e.withLock(ctx, archive.LockRestore, u.ArchivePath, func(ctx context.Context, h lock.Handle) error {
		if err := os.MkdirAll(destDir, 0755); err != nil {
			return err
		}
		return e.restoreAndDownload(ctx, h, u.ArchivePath, dest)
	})
	return dest, err
}

func isRegular(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}
