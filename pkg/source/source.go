// Package source 打开 store 请求中的原始文件 (file:// 或 http(s)://)。
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrMalformed   = errors.New("malformed origin url")
	ErrUnsupported = errors.New("unsupported origin scheme")
)

// Source 是一个可读取的原始文件
type Source interface {
	URL() string
	// Size 返回实际长度，未知时返回 -1
	Size(ctx context.Context) (int64, error)
	Open(ctx context.Context) (io.ReadCloser, error)
}

// DefaultClient 用于 http(s) 来源
var DefaultClient = &http.Client{Timeout: 30 * time.Minute}

// Parse 解析 origin URL。不带 scheme 的绝对路径按本地文件处理
func Parse(raw string) (Source, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	if filepath.IsAbs(raw) {
		return fileSource{raw: raw, path: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("%w: %q has no path", ErrMalformed, raw)
		}
		return fileSource{raw: raw, path: filepath.FromSlash(u.Path)}, nil
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: %q has no host", ErrMalformed, raw)
		}
		return httpSource{raw: raw, client: DefaultClient}, nil
	case "":
		return nil, fmt.Errorf("%w: %q has no scheme", ErrMalformed, raw)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, u.Scheme)
	}
}

// ----- file:// -----

type fileSource struct {
	raw  string
	path string
}

func (s fileSource) URL() string { return s.raw }

func (s fileSource) Size(context.Context) (int64, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrMalformed, s.path)
	}
	return fi.Size(), nil
}

func (s fileSource) Open(context.Context) (io.ReadCloser, error) {
	return os.Open(s.path)
}

// ----- http(s):// -----

type httpSource struct {
	raw    string
	client *http.Client
}

func (s httpSource) URL() string { return s.raw }

func (s httpSource) Size(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.raw, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("HEAD %s: %s", s.raw, resp.Status)
	}
	return resp.ContentLength, nil
}

func (s httpSource) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.raw, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", s.raw, resp.Status)
	}
	return resp.Body, nil
}
