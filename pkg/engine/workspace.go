package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"coldvault/pkg/archive"

	"github.com/rs/zerolog"
)

func loggerFrom(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

func asPanic(err error, target **panicError) bool {
	return errors.As(err, target)
}

func (e *Engine) zipRoot() string { return filepath.Join(e.cfg.WorkspacePath, archive.ZipDir) }
func (e *Engine) tmpRoot() string { return filepath.Join(e.cfg.WorkspacePath, archive.TmpDir) }

// uploadDir 存放上传前的临时文件，清理缓存时跳过
func (e *Engine) uploadDir() string { return filepath.Join(e.tmpRoot(), ".upload") }

// nodeKey = <root>/<subDirectory>
func (e *Engine) nodeKey(sub string) (string, error) {
	sub = filepath.ToSlash(sub)
	for _, part := range strings.Split(sub, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: sub directory %q escapes the root", ErrMalformedPath, sub)
		}
	}
	return strings.Trim(path.Join("/", e.cfg.RootPath, sub), "/"), nil
}

func (e *Engine) zipNodeDir(node string) string {
	return filepath.Join(e.zipRoot(), filepath.FromSlash(node))
}

func (e *Engine) tmpNodeDir(node string) string {
	return filepath.Join(e.tmpRoot(), filepath.FromSlash(node))
}

// buildingDirPath 返回归档对应的构建目录 (sealed 形式)
func (e *Engine) buildingDirPath(u archive.URL) string {
	return filepath.Join(e.zipNodeDir(u.Node()), archive.BuildingDirFromArchiveName(u.ArchiveName()))
}

func (e *Engine) cachedArchivePath(u archive.URL) string {
	return filepath.Join(e.tmpNodeDir(u.Node()), u.ArchiveName())
}

func (e *Engine) cacheDirPath(u archive.URL) string {
	return filepath.Join(e.tmpNodeDir(u.Node()), archive.BuildingDirFromArchiveName(u.ArchiveName()))
}

// archiveKeyFor: zip/<node>/rs_zip_X[_current] -> <node>/X.zip
func (e *Engine) archiveKeyFor(buildingDir string) (string, error) {
	rel, err := filepath.Rel(e.zipRoot(), filepath.Dir(buildingDir))
	if err != nil {
		return "", err
	}
	node := filepath.ToSlash(rel)
	if node == "." {
		node = ""
	}
	return path.Join(node, archive.ArchiveNameFromBuildingDir(filepath.Base(buildingDir))), nil
}

// members 列出构建目录中需要归档的文件 (跳过忽略规则命中的文件)
// dir 可以是符号链接
func (e *Engine) members(dir string) ([]string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, err
	}
	var files []string
	var total int64
	for _, ent := range entries {
		if !ent.Type().IsRegular() || e.ignore.Matches(ent.Name()) {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, 0, err
		}
		files = append(files, filepath.Join(dir, ent.Name()))
		total += info.Size()
	}
	return files, total, nil
}

// findLocalMember 依次在 sealed/symlinked 目录和 open 目录中查找成员
func (e *Engine) findLocalMember(u archive.URL) (string, archive.DirState, bool) {
	sealed := e.buildingDirPath(u)
	candidates := []string{sealed, archive.OpenName(sealed)}
	for _, dir := range candidates {
		state, err := archive.Classify(dir)
		if err != nil {
			continue
		}
		p := filepath.Join(dir, u.Member)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, state, true
		}
	}
	return "", 0, false
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

func isSymlink(p string) bool {
	fi, err := os.Lstat(p)
	return err == nil && fi.Mode()&os.ModeSymlink != 0
}

// copyFile 原子地复制到 destDir/<name>
func copyFile(src, destDir, name string) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(destDir, ".restore-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, name)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	return dest, nil
}

// removeIfEmpty 删除空目录，非空或不存在时什么都不做
func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}
