package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"coldvault/pkg/archive"
	"coldvault/pkg/lock"
	"coldvault/pkg/storage"

	"golang.org/x/sync/errgroup"
)

// RunPeriodicAction 先上传就绪的归档，再清理取回缓存
func (e *Engine) RunPeriodicAction(ctx context.Context, p PeriodicProgress) error {
	ctx = e.log.With().Str("op", string(opPeriodic)).Logger().WithContext(ctx)
	submitErr := e.SubmitReadyArchives(ctx, p)
	cleanErr := e.CleanArchiveCache(ctx)
	return errors.Join(submitErr, cleanErr)
}

// -----------------------------------------------------------------------------
// 1. 上传
// -----------------------------------------------------------------------------

type buildingDir struct {
	path  string
	state archive.DirState
}

// SubmitReadyArchives 扫描 zip/ 下所有构建目录并上传就绪的归档。
// 全部成功时回调 AllPendingActionsSucceeded
func (e *Engine) SubmitReadyArchives(ctx context.Context, p PeriodicProgress) error {
	dirs, err := e.scanBuildingDirs()
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(e.cfg.StoreWorkers)
	for _, d := range dirs {
		g.Go(func() error {
			err := e.safeRun(ctx, func(ctx context.Context) error {
				if d.state == archive.StateSymlinked {
					return e.withLock(ctx, archive.LockRestore, d.path, func(ctx context.Context, _ lock.Handle) error {
						return e.submitUpdated(ctx, d.path, p)
					})
				}
				return e.withLock(ctx, archive.LockStore, d.path, func(ctx context.Context, _ lock.Handle) error {
					return e.submitReady(ctx, d.path, p)
				})
			})
			if err != nil {
				loggerFrom(ctx).Error().Err(err).Str("dir", d.path).Msg("archive submission failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", d.path, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	p.AllPendingActionsSucceeded(e.cfg.StorageName)
	return nil
}

// scanBuildingDirs 收集构建目录，不进入目录内部
func (e *Engine) scanBuildingDirs() ([]buildingDir, error) {
	var dirs []buildingDir
	err := filepath.WalkDir(e.zipRoot(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if p == e.zipRoot() || !archive.IsBuildingDir(d.Name()) {
			return nil
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			dirs = append(dirs, buildingDir{path: p, state: archive.StateSymlinked})
		case d.IsDir():
			state := archive.StateSealed
			if archive.IsOpen(d.Name()) {
				state = archive.StateOpen
			}
			dirs = append(dirs, buildingDir{path: p, state: state})
			return filepath.SkipDir
		}
		return nil
	})
	return dirs, err
}

// submitReady 处理普通构建目录，调用方持有节点的 STORE 锁
func (e *Engine) submitReady(ctx context.Context, dir string, p PeriodicProgress) error {
	l := loggerFrom(ctx).With().Str("dir", dir).Logger()

	// 扫描之后可能已经被 store 封存或被其他周期处理掉
	if !exists(dir) {
		if !archive.IsOpen(filepath.Base(dir)) || !exists(archive.SealedName(dir)) {
			return nil
		}
		dir = archive.SealedName(dir)
	}

	// 1. open 目录: 未到期跳过，到期封存
	name := filepath.Base(dir)
	if archive.IsOpen(name) {
		created, err := archive.CreationTime(name)
		if err != nil {
			l.Warn().Err(err).Msg("skipping building directory with an invalid name")
			return nil
		}
		if e.now().Sub(created) < e.cfg.ArchiveMaxAge {
			return nil
		}
		sealed := archive.SealedName(dir)
		if err := os.Rename(dir, sealed); err != nil {
			e.failMembers(dir, p)
			return err
		}
		l.Info().Msg("building directory sealed by age")
		dir = sealed
	}

	key, err := e.archiveKeyFor(dir)
	if err != nil {
		return err
	}
	files, _, err := e.members(dir)
	if err != nil {
		return err
	}

	// 2. 空目录: 远端有旧归档就删掉
	if len(files) == 0 {
		if err := e.dropArchive(ctx, key, p); err != nil {
			return err
		}
		return os.RemoveAll(dir)
	}

	// 3. 打包上传，成功后删除本地文件
	if err := e.uploadArchive(ctx, key, files, p); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// submitUpdated 处理指向缓存目录的符号链接 (删除后需要重新上传的归档)，
// 调用方持有归档的 RESTORE 锁
func (e *Engine) submitUpdated(ctx context.Context, link string, p PeriodicProgress) error {
	if !isSymlink(link) {
		return nil
	}
	target, err := os.Readlink(link)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(link), target)
	}
	key, err := e.archiveKeyFor(link)
	if err != nil {
		return err
	}
	stale := e.cachedArchivePath(archive.URL{ArchivePath: key})

	files, _, err := e.members(link)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		if err := e.dropArchive(ctx, key, p); err != nil {
			return err
		}
		_ = os.RemoveAll(target)
	} else if err := e.uploadArchive(ctx, key, files, p); err != nil {
		return err
	}

	// 解压目录保留给正常的缓存淘汰，旧的归档副本已经过时
	if err := os.Remove(link); err != nil {
		return err
	}
	if err := os.Remove(stale); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// uploadArchive 打包 files 并上传到 key
func (e *Engine) uploadArchive(ctx context.Context, key string, files []string, p PeriodicProgress) error {
	if err := os.MkdirAll(e.uploadDir(), 0755); err != nil {
		return err
	}
	zipPath := filepath.Join(e.uploadDir(), e.newID()+archive.Extension)
	defer os.Remove(zipPath)

	err := archive.CreateZip(zipPath, files)
	var sum string
	var size int64
	if err == nil {
		sum, size, err = archive.MD5File(zipPath)
	}
	if err == nil {
		if serr := e.backend.Store(ctx, key, zipPath, sum, size); serr != nil {
			err = ioErr("store "+key, serr)
		}
	}
	if err != nil {
		for _, f := range files {
			p.PendingActionFailed(f)
		}
		return err
	}

	p.ArchiveStored(e.cfg.StorageName, key, sum, size)
	e.metrics.RecordArchiveStored(size)
	loggerFrom(ctx).Info().Str("archive", key).Int("files", len(files)).Int64("size", size).Msg("archive stored")
	for _, f := range files {
		p.PendingActionSucceeded(archive.SmallFileURL(key, filepath.Base(f)))
		e.metrics.RecordPendingActionSucceeded()
	}
	return nil
}

// dropArchive 删除远端归档 (如果存在)
func (e *Engine) dropArchive(ctx context.Context, key string, p PeriodicProgress) error {
	found, err := e.backend.Exists(ctx, key)
	if err != nil {
		return ioErr("exists "+key, err)
	}
	if !found {
		return nil
	}
	if err := e.backend.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return ioErr("delete "+key, err)
	}
	p.ArchiveDeleted(e.cfg.StorageName, key)
	e.metrics.RecordArchiveDeleted()
	loggerFrom(ctx).Info().Str("archive", key).Msg("empty archive deleted from storage")
	return nil
}

func (e *Engine) failMembers(dir string, p PeriodicProgress) {
	files, _, err := e.members(dir)
	if err != nil {
		return
	}
	for _, f := range files {
		p.PendingActionFailed(f)
	}
}

// -----------------------------------------------------------------------------
// 2. 缓存清理
// -----------------------------------------------------------------------------

type cacheCandidate struct {
	path  string
	isDir bool
}

// CleanArchiveCache 淘汰 tmp/ 下过期的缓存。被符号链接引用的缓存不会被删除；
// 拿不到 RESTORE 锁的条目留到下个周期
func (e *Engine) CleanArchiveCache(ctx context.Context) error {
	cutoff := e.now().Add(-e.cfg.CacheLifetime)
	l := loggerFrom(ctx)

	var candidates []cacheCandidate
	err := filepath.WalkDir(e.tmpRoot(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if p == e.uploadDir() {
			return filepath.SkipDir
		}
		name := d.Name()
		switch {
		case d.IsDir() && archive.IsBuildingDir(name):
			if !e.pinned(p) && dirEvictable(p, cutoff) {
				candidates = append(candidates, cacheCandidate{path: p, isDir: true})
			}
			return filepath.SkipDir
		case d.Type().IsRegular() && strings.HasSuffix(name, archive.Extension):
			info, err := d.Info()
			if err == nil && info.ModTime().Before(cutoff) && !e.pinned(p) {
				candidates = append(candidates, cacheCandidate{path: p})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range candidates {
		ran, err := e.tryWithLock(ctx, archive.LockRestore, c.path, e.cfg.CleanLockTimeout, func(ctx context.Context, _ lock.Handle) error {
			// 扫描之后可能刚被 delete 链接
			if e.pinned(c.path) {
				return nil
			}
			if !c.isDir {
				if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return err
				}
				e.metrics.RecordEviction(1)
				return nil
			}
			n, err := evictOlderThan(c.path, cutoff)
			e.metrics.RecordEviction(n)
			removeIfEmpty(c.path)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ran {
			l.Warn().Str("path", c.path).Msg("cache entry is locked, will retry next cycle")
		}
	}
	return errors.Join(errs...)
}

// pinned: tmp/ 下的缓存路径在 zip/ 下是否有对应的符号链接
func (e *Engine) pinned(tmpPath string) bool {
	rel, err := filepath.Rel(e.tmpRoot(), tmpPath)
	if err != nil {
		return false
	}
	name := filepath.Base(rel)
	if strings.HasSuffix(name, archive.Extension) {
		rel = filepath.Join(filepath.Dir(rel), archive.BuildingDirFromArchiveName(name))
	}
	return isSymlink(filepath.Join(e.zipRoot(), rel))
}

func dirEvictable(dir string, cutoff time.Time) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	if len(entries) == 0 {
		return true
	}
	for _, ent := range entries {
		if info, err := ent.Info(); err == nil && info.ModTime().Before(cutoff) {
			return true
		}
	}
	return false
}

func evictOlderThan(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ent := range entries {
		info, err := ent.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, ent.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// 3. 待办检查
// -----------------------------------------------------------------------------

// CheckPendingActions 核对仍标记为待上传的引用:
//
//	本地有 + 远端有: 删除本地副本，成功
//	本地有 + 远端无: 等待下次上传
//	本地无 + 远端有: 警告，成功
//	本地无 + 远端无: 数据丢失，失败
func (e *Engine) CheckPendingActions(ctx context.Context, refs []FileReference, p PeriodicProgress) error {
	ctx = e.log.With().Str("op", "check_pending").Logger().WithContext(ctx)

	var (
		mu   sync.Mutex
		errs []error
	)
	l := loggerFrom(ctx)
	var big int
	var g errgroup.Group
	g.SetLimit(e.cfg.RestoreWorkers)
	for _, ref := range refs {
		u, err := archive.ParseURL(ref.URL)
		if err != nil {
			l.Warn().Err(err).Str("url", ref.URL).Msg("malformed pending reference")
			p.PendingActionError(ref.URL)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			continue
		}
		if !u.IsSmallFile() {
			// 大文件直接上传，不会有待处理动作
			big++
			continue
		}
		g.Go(func() error {
			err := e.safeRun(ctx, func(ctx context.Context) error {
				return e.withLock(ctx, archive.LockRestore, u.String(), func(ctx context.Context, _ lock.Handle) error {
					return e.checkPending(ctx, u, p)
				})
			})
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if big > 0 {
		l.Warn().Int("count", big).Msg("big file references are never pending, skipped")
	}
	return errors.Join(errs...)
}

func (e *Engine) checkPending(ctx context.Context, u archive.URL, p PeriodicProgress) error {
	l := loggerFrom(ctx).With().Str("url", u.String()).Logger()

	local, state, found := e.findLocalMember(u)
	remote, err := e.backend.Exists(ctx, u.ArchivePath)
	if err != nil {
		return ioErr("exists "+u.ArchivePath, err)
	}

	switch {
	case found && remote:
		err := e.withLock(ctx, archive.LockStore, u.String(), func(ctx context.Context, _ lock.Handle) error {
			if err := os.Remove(local); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if state != archive.StateSymlinked {
				removeIfEmpty(filepath.Dir(local))
			}
			return nil
		})
		if err != nil {
			return err
		}
		l.Info().Msg("file already archived, local copy removed")
		p.PendingActionSucceeded(u.String())
	case found:
		// 还没上传，等下一次 SubmitReadyArchives
	case remote:
		l.Warn().Msg("local copy is gone but the archive exists in storage")
		p.PendingActionSucceeded(u.String())
	default:
		expected := filepath.Join(e.buildingDirPath(u), u.Member)
		l.Error().Str("path", expected).Msg("file is missing both locally and in storage")
		p.PendingActionError(expected)
		return fmt.Errorf("%s: %w", u.String(), ErrConsistency)
	}
	return nil
}
