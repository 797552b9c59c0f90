package archive

import (
	"path"
	"path/filepath"
	"strings"
)

// LockKind 是锁的作用域
type LockKind string

const (
	// LockStore 保护一个节点下的构建目录 (zip/<node>/...)
	LockStore LockKind = "LOCK_STORE"
	// LockRestore 保护一个远端归档及其缓存副本 (tmp/<node>/...)
	LockRestore LockKind = "LOCK_RESTORE"
)

// LockName 计算锁名: LOCK_/<keypath>/<kind>
//
// target 可以是以下任意一种:
//   - 工作区内的构建目录 / 节点目录 (<workspace>/zip/...)
//   - 工作区内的缓存路径 (<workspace>/tmp/...)
//   - 小文件 URL (archive.zip?fileName=x)
//   - 普通存储 key
//
// STORE 锁总是落在节点上，RESTORE 锁总是落在归档 (或大文件 key) 上，
// 所以同一个节点/归档无论从哪种形式进入，得到的锁名都相同。
func LockName(kind LockKind, rootPath, workspacePath, target string) string {
	key := lockKey(kind, workspacePath, target)
	root := strings.Trim(filepath.ToSlash(rootPath), "/")
	if root != "" && key != root && !strings.HasPrefix(key, root+"/") {
		key = path.Join(root, key)
	}
	return LockPrefix + "/" + path.Join(key, string(kind))
}

func lockKey(kind LockKind, workspacePath, target string) string {
	if workspacePath != "" {
		for _, sub := range []string{ZipDir, TmpDir} {
			if rel, ok := relativeTo(filepath.Join(workspacePath, sub), target); ok {
				return workspaceKey(kind, rel)
			}
		}
	}

	u := Dispatch(target)
	if u.IsSmallFile() {
		if kind == LockStore {
			return u.Node()
		}
		return strings.Trim(u.ArchivePath, "/")
	}
	return strings.Trim(filepath.ToSlash(target), "/")
}

// workspaceKey 把工作区相对路径映射为节点或归档 key
func workspaceKey(kind LockKind, rel string) string {
	name := path.Base(rel)
	node := path.Dir(rel)
	if node == "." {
		node = ""
	}
	switch {
	case IsBuildingDir(name):
		if kind == LockStore {
			return node
		}
		return path.Join(node, ArchiveNameFromBuildingDir(name))
	case strings.HasSuffix(name, Extension):
		if kind == LockStore {
			return node
		}
		return rel
	default:
		return rel
	}
}

func relativeTo(base, target string) (string, bool) {
	if !filepath.IsAbs(target) {
		return "", false
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return filepath.ToSlash(rel), true
}
