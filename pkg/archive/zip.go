package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

var ErrUnsafeEntry = errors.New("zip entry escapes extraction directory")

// CreateZip 把 files 平铺打包到 dest (成员名 = 文件 basename)
// 先写临时文件再 Rename，保证 dest 要么不存在要么完整
func CreateZip(dest string, files []string) (err error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".zip-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	zw := zip.NewWriter(tmp)
	for _, f := range files {
		if err = addFile(zw, f); err != nil {
			_ = zw.Close()
			_ = tmp.Close()
			return fmt.Errorf("add %s to archive: %w", filepath.Base(f), err)
		}
	}
	if err = zw.Close(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func addFile(zw *zip.Writer, p string) error {
	src, err := os.Open(p)
	if err != nil {
		return err
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(p)
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// ExtractAll 解压全部成员到 dir
func ExtractAll(archivePath, dir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := extractEntry(f, dir); err != nil {
			return err
		}
	}
	return nil
}

// ExtractMember 只解压一个成员。成员不存在时返回 (false, nil)
func ExtractMember(archivePath, member, dir string) (bool, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return false, err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != member {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return false, err
		}
		return true, extractEntry(f, dir)
	}
	return false, nil
}

func extractEntry(f *zip.File, dir string) error {
	name := f.Name
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(dir, ".extract-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// 不保留归档里的 mtime：缓存淘汰按解压时间计算
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}
