package source

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Malformed(t *testing.T) {
	cases := []struct {
		raw  string
		want error
	}{
		{"", ErrMalformed},
		{"relative/path.txt", ErrMalformed},
		{"file://", ErrMalformed},
		{"http:///nohost", ErrMalformed},
		{"ftp://host/file", ErrUnsupported},
		{"://bad", ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			_, err := Parse(tc.raw)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFileSource(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0644))
	ctx := context.Background()

	for _, raw := range []string{p, "file://" + filepath.ToSlash(p)} {
		src, err := Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, src.URL())

		size, err := src.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(5), size)

		rc, err := src.Open(ctx)
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", "11")
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()
	ctx := context.Background()

	src, err := Parse(srv.URL + "/file.bin")
	require.NoError(t, err)

	size, err := src.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	rc, err := src.Open(ctx)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	missing, err := Parse(srv.URL + "/missing")
	require.NoError(t, err)
	_, err = missing.Open(ctx)
	assert.Error(t, err)
}
