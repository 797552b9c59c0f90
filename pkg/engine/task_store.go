package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"coldvault/pkg/archive"
	"coldvault/pkg/lock"
	"coldvault/pkg/source"
	"coldvault/pkg/storage"
)

func (e *Engine) storeOne(ctx context.Context, req StoreRequest, p StorageProgress) error {
	// 1. 校验请求
	if err := validMemberName(req.FileName); err != nil {
		return err
	}
	if e.ignore.Matches(req.FileName) {
		return fmt.Errorf("%w: file name %q is excluded from archives", ErrMalformedPath, req.FileName)
	}
	src, err := source.Parse(req.OriginURL)
	if err != nil {
		return err
	}
	node, err := e.nodeKey(req.SubDirectory)
	if err != nil {
		return err
	}

	// 2. 以来源的实际长度为准，未知时退回请求中的声明
	size, err := src.Size(ctx)
	if err != nil {
		return ioErr("stat origin "+req.OriginURL, err)
	}
	if size < 0 {
		size = req.FileSize
	}

	l := loggerFrom(ctx).With().Str("node", node).Logger()
	ctx = l.WithContext(ctx)

	// 3. 大文件直接上传
	if size > e.cfg.SmallFileMaxSize {
		return e.storeBigFile(ctx, req, src, node, p)
	}

	// 4. 小文件放进节点的 open 构建目录
	return e.withLock(ctx, archive.LockStore, node, func(ctx context.Context, _ lock.Handle) error {
		dir, err := e.openBuildingDir(node)
		if err != nil {
			return err
		}
		archiveKey := path.Join(node, archive.ArchiveNameFromBuildingDir(filepath.Base(dir)))

		// 同名同校验和: 已经存过了，不再下载
		if req.Checksum != "" {
			member, dup, err := e.resolveMember(dir, req.FileName, req.Checksum)
			if err != nil {
				return err
			}
			if dup {
				fi, err := os.Stat(filepath.Join(dir, member))
				if err != nil {
					return err
				}
				loggerFrom(ctx).Info().Str("member", member).Msg("identical file already pending, skipping download")
				p.StorageSucceededWithPendingAction(req, archive.SmallFileURL(archiveKey, member), fi.Size())
				return nil
			}
		}

		part := filepath.Join(dir, "."+req.FileName+".part")
		sum, n, err := e.fetch(ctx, src, part)
		if err != nil {
			_ = os.Remove(part)
			return err
		}
		if req.Checksum != "" && !strings.EqualFold(sum, req.Checksum) {
			_ = os.Remove(part)
			return fmt.Errorf("%w: %s expected %s, got %s", storage.ErrChecksumMismatch, req.FileName, req.Checksum, sum)
		}

		member, dup, err := e.resolveMember(dir, req.FileName, sum)
		if err != nil {
			_ = os.Remove(part)
			return err
		}
		if dup {
			_ = os.Remove(part)
		} else if err := os.Rename(part, filepath.Join(dir, member)); err != nil {
			_ = os.Remove(part)
			return err
		}

		// 达到大小阈值就封存
		if _, total, err := e.members(dir); err != nil {
			return err
		} else if total >= e.cfg.ArchiveMaxSize {
			if err := os.Rename(dir, archive.SealedName(dir)); err != nil {
				return err
			}
			loggerFrom(ctx).Info().Str("archive", archiveKey).Int64("size", total).Msg("building directory sealed")
		}

		p.StorageSucceededWithPendingAction(req, archive.SmallFileURL(archiveKey, member), n)
		return nil
	})
}

// storeBigFile 超过小文件阈值的文件单独上传，key = <node>/<md5>
func (e *Engine) storeBigFile(ctx context.Context, req StoreRequest, src source.Source, node string, p StorageProgress) error {
	if err := os.MkdirAll(e.uploadDir(), 0755); err != nil {
		return err
	}
	tmp := filepath.Join(e.uploadDir(), e.newID())
	defer os.Remove(tmp)

	sum, n, err := e.fetch(ctx, src, tmp)
	if err != nil {
		return err
	}
	if req.Checksum != "" && !strings.EqualFold(sum, req.Checksum) {
		return fmt.Errorf("%w: %s expected %s, got %s", storage.ErrChecksumMismatch, req.FileName, req.Checksum, sum)
	}

	key := path.Join(node, sum)
	if err := e.backend.Store(ctx, key, tmp, sum, n); err != nil {
		return ioErr("store "+key, err)
	}
	loggerFrom(ctx).Info().Str("key", key).Int64("size", n).Msg("big file stored")
	p.StorageSucceeded(req, key, n)
	return nil
}

// fetch 把来源流式写入 dest，同时计算 MD5
func (e *Engine) fetch(ctx context.Context, src source.Source, dest string) (string, int64, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return "", 0, ioErr("open origin "+src.URL(), err)
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return "", 0, err
	}
	h := md5.New()
	n, err := io.Copy(io.MultiWriter(f, h), rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, ioErr("download origin "+src.URL(), err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// openBuildingDir 返回节点唯一的 open 目录，没有就创建
func (e *Engine) openBuildingDir(node string) (string, error) {
	nodeDir := e.zipNodeDir(node)
	if err := os.MkdirAll(nodeDir, 0755); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(nodeDir)
	if err != nil {
		return "", err
	}
	for _, ent := range entries {
		if ent.IsDir() && archive.IsOpen(ent.Name()) {
			return filepath.Join(nodeDir, ent.Name()), nil
		}
	}

	// 同一毫秒内封存后立即新建会撞名，往后顺延
	t := e.now()
	for {
		name := archive.NewBuildingDirName(t)
		dir := filepath.Join(nodeDir, name)
		if !exists(dir) && !exists(archive.SealedName(dir)) {
			if err := os.Mkdir(dir, 0755); err != nil {
				return "", err
			}
			return dir, nil
		}
		t = t.Add(time.Millisecond)
	}
}

// resolveMember 决定成员名:
//   - 不存在: 原名
//   - 存在且校验和相同: 原名，dup=true
//   - 存在且不同: name_2.ext, name_3.ext ...
func (e *Engine) resolveMember(dir, name, sum string) (string, bool, error) {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 2; ; i++ {
		existing, _, err := archive.MD5File(filepath.Join(dir, candidate))
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, false, nil
		}
		if err != nil {
			return "", false, err
		}
		if strings.EqualFold(existing, sum) {
			return candidate, true, nil
		}
		candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
}

func validMemberName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\?`) {
		return fmt.Errorf("%w: invalid file name %q", ErrMalformedPath, name)
	}
	return nil
}
