package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStamp_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 9, 17, 4, 5, 123*int(time.Millisecond), time.UTC)

	s := FormatStamp(ts)
	assert.Equal(t, "20240309170405123", s)

	back, err := ParseStamp(s)
	require.NoError(t, err)
	assert.True(t, ts.Equal(back))

	_, err = ParseStamp("2024")
	assert.ErrorIs(t, err, ErrBadStamp)
	_, err = ParseStamp("2024030917040512x")
	assert.ErrorIs(t, err, ErrBadStamp)
}

func TestBuildingDirNames(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6*int(time.Millisecond), time.UTC)
	open := NewBuildingDirName(ts)

	assert.Equal(t, "rs_zip_20240102030405006_current", open)
	assert.True(t, IsBuildingDir(open))
	assert.True(t, IsOpen(open))

	sealed := SealedName(open)
	assert.Equal(t, "rs_zip_20240102030405006", sealed)
	assert.False(t, IsOpen(sealed))
	assert.Equal(t, open, OpenName(sealed))
	assert.Equal(t, open, OpenName(open))

	assert.Equal(t, "20240102030405006.zip", ArchiveNameFromBuildingDir(open))
	assert.Equal(t, "20240102030405006.zip", ArchiveNameFromBuildingDir(sealed))
	assert.Equal(t, sealed, BuildingDirFromArchiveName("20240102030405006.zip"))

	created, err := CreationTime(open)
	require.NoError(t, err)
	assert.True(t, ts.Equal(created))

	_, err = CreationTime("node")
	assert.ErrorIs(t, err, ErrBadStamp)
}

func TestClassify(t *testing.T) {
	root := t.TempDir()

	open := filepath.Join(root, "rs_zip_20240102030405006_current")
	sealed := filepath.Join(root, "rs_zip_20240102030405007")
	target := filepath.Join(root, "cache", "rs_zip_20240102030405008")
	link := filepath.Join(root, "rs_zip_20240102030405008")

	require.NoError(t, os.MkdirAll(open, 0755))
	require.NoError(t, os.MkdirAll(sealed, 0755))
	require.NoError(t, os.MkdirAll(target, 0755))
	require.NoError(t, os.Symlink(target, link))

	cases := []struct {
		path string
		want DirState
	}{
		{open, StateOpen},
		{sealed, StateSealed},
		{link, StateSymlinked},
	}
	for _, tc := range cases {
		got, err := Classify(tc.path)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, filepath.Base(tc.path))
	}

	_, err := Classify(filepath.Join(root, "missing"))
	assert.True(t, os.IsNotExist(err))
}

func TestSmallFileURL(t *testing.T) {
	u := SmallFileURL("root/a/b/20240102030405006.zip", "file+1.txt")
	assert.Equal(t, "root/a/b/20240102030405006.zip?fileName=file+1.txt", u)

	parsed, err := ParseURL(u)
	require.NoError(t, err)
	assert.True(t, parsed.IsSmallFile())
	assert.Equal(t, "root/a/b/20240102030405006.zip", parsed.ArchivePath)
	assert.Equal(t, "file+1.txt", parsed.Member)
	assert.Equal(t, "root/a/b", parsed.Node())
	assert.Equal(t, "20240102030405006.zip", parsed.ArchiveName())
	assert.Equal(t, u, parsed.String())

	big, err := ParseURL("root/a/abcdef")
	require.NoError(t, err)
	assert.False(t, big.IsSmallFile())
	assert.Equal(t, "root/a/abcdef", big.String())
}

func TestParseURL_Malformed(t *testing.T) {
	bad := []string{
		"",
		"   ",
		"root/a/x.zip?other=1",
		"root/a/x.zip?fileName=",
		"?fileName=a.txt",
		"root/a/x.zip?fileName=../etc/passwd",
		"root/a/notzip?fileName=a.txt",
	}
	for _, raw := range bad {
		_, err := ParseURL(raw)
		assert.ErrorIs(t, err, ErrMalformedURL, raw)
	}
}
