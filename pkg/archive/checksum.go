package archive

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
)

// MD5File 返回文件的 MD5 (hex) 和字节数
func MD5File(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
