// Package storagetest 提供一个内存版的 storage.Backend，供 engine 等上层测试使用。
package storagetest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"coldvault/pkg/storage"
)

// Fake 是一个可编排的内存后端:
//   - 对象存在内存中
//   - Status 可以按 key 编排一串返回值 (最后一个值会一直保持)
//   - 每个方法的调用次数都会被记录
type Fake struct {
	mu          sync.Mutex
	objects     map[string][]byte
	statuses    map[string][]storage.FileStatus
	restores    map[string]storage.RestoreResponse
	unreachable map[string]int
	storeErr    error
	calls       map[string]int
}

func NewFake() *Fake {
	return &Fake{
		objects:     make(map[string][]byte),
		statuses:    make(map[string][]storage.FileStatus),
		restores:    make(map[string]storage.RestoreResponse),
		unreachable: make(map[string]int),
		calls:       make(map[string]int),
	}
}

// ----- 编排 -----

func (f *Fake) Put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
}

func (f *Fake) Get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

func (f *Fake) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ScriptStatus 设置 key 的 Status 返回序列
func (f *Fake) ScriptStatus(key string, seq ...storage.FileStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[key] = seq
}

// ScriptRestore 固定 key 的 Restore 返回值
func (f *Fake) ScriptRestore(key string, resp storage.RestoreResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores[key] = resp
}

// FailStatus 让接下来 n 次 Status 调用返回 ErrUnreachable
func (f *Fake) FailStatus(key string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable[key] = n
}

// FailStore 让之后所有 Store 调用返回 err (nil 表示恢复正常)
func (f *Fake) FailStore(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeErr = err
}

func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// ----- storage.Backend -----

func (f *Fake) Store(_ context.Context, key, localPath, md5hex string, size int64) error {
	f.mu.Lock()
	f.calls["Store"]++
	storeErr := f.storeErr
	f.mu.Unlock()
	if storeErr != nil {
		return storeErr
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	sum := md5.Sum(data)
	if md5hex != "" && hex.EncodeToString(sum[:]) != md5hex {
		return fmt.Errorf("%w: %s", storage.ErrChecksumMismatch, key)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("%w: %s size %d != %d", storage.ErrChecksumMismatch, key, len(data), size)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *Fake) Download(_ context.Context, key, dest string) error {
	f.mu.Lock()
	f.calls["Download"]++
	data, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return storage.ErrNotFound
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	tmp := dest + ".fake-download"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

func (f *Fake) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Delete"]++
	if _, ok := f.objects[key]; !ok {
		return storage.ErrNotFound
	}
	delete(f.objects, key)
	return nil
}

func (f *Fake) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Exists"]++
	_, ok := f.objects[key]
	return ok, nil
}

func (f *Fake) Restore(_ context.Context, key string) storage.RestoreResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Restore"]++
	if resp, ok := f.restores[key]; ok {
		return resp.Normalize()
	}
	if _, ok := f.objects[key]; !ok {
		return storage.RestoreResponse{Status: storage.RestoreKeyNotFound}
	}
	if seq := f.statuses[key]; len(seq) > 0 && seq[0] != storage.StatusAvailable {
		return storage.RestoreResponse{Status: storage.RestoreSuccess}
	}
	return storage.RestoreResponse{Status: storage.RestoreFileAvailable}
}

func (f *Fake) Status(_ context.Context, key string) (storage.FileStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Status"]++

	if n := f.unreachable[key]; n > 0 {
		f.unreachable[key] = n - 1
		return storage.StatusNotAvailable, storage.ErrUnreachable
	}
	if _, ok := f.objects[key]; !ok {
		return storage.StatusNotAvailable, storage.ErrNotFound
	}
	seq := f.statuses[key]
	if len(seq) == 0 {
		return storage.StatusAvailable, nil
	}
	st := seq[0]
	if len(seq) > 1 {
		f.statuses[key] = seq[1:]
	}
	return st, nil
}

var _ storage.Backend = (*Fake)(nil)
