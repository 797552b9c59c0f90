package archive

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	ZipDir            = "zip"
	TmpDir            = "tmp"
	BuildingDirPrefix = "rs_zip_"
	CurrentSuffix     = "_current"
	Extension         = ".zip"
	SmallFileParam    = "fileName"
	LockPrefix        = "LOCK_"

	// stampLayout 精确到秒，毫秒部分单独拼接 (yyyyMMddHHmmssSSS)
	stampLayout = "20060102150405"
	stampLen    = len(stampLayout) + 3
)

var (
	ErrMalformedURL = errors.New("malformed small file url")
	ErrBadStamp     = errors.New("building directory name does not carry a valid date")
)

// DirState 是构建目录的显式状态
// 状态只在扫描时通过 Classify 推导一次，其余代码不再检查后缀
type DirState int

const (
	StateOpen DirState = iota
	StateSealed
	StateSymlinked
)

func (s DirState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSealed:
		return "sealed"
	case StateSymlinked:
		return "symlinked"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// 1. 时间戳
// -----------------------------------------------------------------------------

// FormatStamp 生成 yyyyMMddHHmmssSSS (UTC)
func FormatStamp(t time.Time) string {
	t = t.UTC()
	return t.Format(stampLayout) + fmt.Sprintf("%03d", t.Nanosecond()/int(time.Millisecond))
}

// ParseStamp 是 FormatStamp 的逆操作
func ParseStamp(s string) (time.Time, error) {
	if len(s) != stampLen {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadStamp, s)
	}
	base, err := time.ParseInLocation(stampLayout, s[:len(stampLayout)], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadStamp, s)
	}
	ms, err := strconv.Atoi(s[len(stampLayout):])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadStamp, s)
	}
	return base.Add(time.Duration(ms) * time.Millisecond), nil
}

// -----------------------------------------------------------------------------
// 2. 构建目录 <-> 归档文件名
// -----------------------------------------------------------------------------

// NewBuildingDirName 为一个新的 open 目录命名: rs_zip_<stamp>_current
func NewBuildingDirName(t time.Time) string {
	return BuildingDirPrefix + FormatStamp(t) + CurrentSuffix
}

func IsBuildingDir(name string) bool {
	return strings.HasPrefix(name, BuildingDirPrefix)
}

func IsOpen(name string) bool {
	return IsBuildingDir(name) && strings.HasSuffix(name, CurrentSuffix)
}

// SealedName 去掉 _current 后缀 (已经是 sealed 时原样返回)
func SealedName(name string) string {
	return strings.TrimSuffix(name, CurrentSuffix)
}

func OpenName(name string) string {
	if strings.HasSuffix(name, CurrentSuffix) {
		return name
	}
	return name + CurrentSuffix
}

func removePrefix(name string) string {
	if len(name) > len(BuildingDirPrefix) {
		return strings.TrimPrefix(name, BuildingDirPrefix)
	}
	return name
}

// ArchiveNameFromBuildingDir: rs_zip_X[_current] -> X.zip
func ArchiveNameFromBuildingDir(dir string) string {
	return removePrefix(SealedName(dir)) + Extension
}

// BuildingDirFromArchiveName: X.zip -> rs_zip_X
func BuildingDirFromArchiveName(archiveName string) string {
	return BuildingDirPrefix + strings.TrimSuffix(archiveName, Extension)
}

// CreationTime 从目录名中解析创建时间，接受 open 和 sealed 两种形式
func CreationTime(dirName string) (time.Time, error) {
	if !IsBuildingDir(dirName) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadStamp, dirName)
	}
	return ParseStamp(removePrefix(SealedName(dirName)))
}

// Classify 通过 Lstat 推导目录状态
func Classify(p string) (DirState, error) {
	fi, err := os.Lstat(p)
	if err != nil {
		return 0, err
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return StateSymlinked, nil
	case IsOpen(fi.Name()):
		return StateOpen, nil
	default:
		return StateSealed, nil
	}
}

// -----------------------------------------------------------------------------
// 3. 小文件 URL: <archiveKey>?fileName=<member>
// -----------------------------------------------------------------------------

// URL 是一个已经拆开的存储地址
type URL struct {
	ArchivePath string
	Member      string
}

func (u URL) IsSmallFile() bool { return u.Member != "" }

func (u URL) String() string {
	if !u.IsSmallFile() {
		return u.ArchivePath
	}
	return SmallFileURL(u.ArchivePath, u.Member)
}

// Node 返回归档所在的节点 key (即归档路径的父目录)
func (u URL) Node() string {
	dir := path.Dir(u.ArchivePath)
	if dir == "." {
		return ""
	}
	return dir
}

// ArchiveName 返回 "X.zip"
func (u URL) ArchiveName() string {
	return path.Base(u.ArchivePath)
}

func SmallFileURL(archiveKey, member string) string {
	return archiveKey + "?" + SmallFileParam + "=" + member
}

// Dispatch 宽松拆分，不做任何校验
func Dispatch(p string) URL {
	sep := "?" + SmallFileParam + "="
	archivePath, member, _ := strings.Cut(p, sep)
	return URL{ArchivePath: archivePath, Member: member}
}

// ParseURL 是严格版本：外部输入 (请求中的 URL) 都必须走这里
// 注意不能用 url.ParseQuery，成员名里的 '+' 和 '%' 必须原样保留
func ParseURL(raw string) (URL, error) {
	if strings.TrimSpace(raw) == "" {
		return URL{}, fmt.Errorf("%w: empty url", ErrMalformedURL)
	}
	if !strings.Contains(raw, "?") {
		return URL{ArchivePath: raw}, nil
	}
	u := Dispatch(raw)
	if u.ArchivePath == raw || u.ArchivePath == "" {
		return URL{}, fmt.Errorf("%w: %q has no %s parameter", ErrMalformedURL, raw, SmallFileParam)
	}
	if u.Member == "" || strings.ContainsAny(u.Member, "/\\?") || u.Member == "." || u.Member == ".." {
		return URL{}, fmt.Errorf("%w: invalid member name in %q", ErrMalformedURL, raw)
	}
	if !strings.HasSuffix(u.ArchivePath, Extension) {
		return URL{}, fmt.Errorf("%w: %q is not an archive path", ErrMalformedURL, u.ArchivePath)
	}
	return u, nil
}
