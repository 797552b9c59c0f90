package commands

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"coldvault/pkg/engine"

	"github.com/dustin/go-humanize"
)

// printer 把进度回调打印成一行一条，并记录失败数
type printer struct {
	mu       sync.Mutex
	w        io.Writer
	failures int
}

var _ engine.Progress = (*printer)(nil)

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) fail(format string, args ...any) {
	p.mu.Lock()
	p.failures++
	p.mu.Unlock()
	p.line(format, args...)
}

// Err 在出现任何失败时返回非 nil，用于设置退出码
func (p *printer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures == 0 {
		return nil
	}
	return fmt.Errorf("%d operation(s) failed", p.failures)
}

func size(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.Bytes(uint64(n))
}

func (p *printer) StorageSucceeded(req engine.StoreRequest, url string, n int64) {
	p.line("stored    %s (%s)", url, size(n))
}

func (p *printer) StorageSucceededWithPendingAction(req engine.StoreRequest, url string, n int64) {
	p.line("pending   %s (%s)", url, size(n))
}

func (p *printer) StorageFailed(req engine.StoreRequest, kind engine.FailureKind, cause error) {
	p.fail("FAILED    %s [%s]: %v", req.OriginURL, kind, cause)
}

func (p *printer) RestoreSucceeded(req engine.RetrieveRequest, path string) {
	p.line("restored  %s -> %s", req.Reference.URL, path)
}

func (p *printer) RestoreFailed(req engine.RetrieveRequest, kind engine.FailureKind, cause error) {
	p.fail("FAILED    %s [%s]: %v", req.Reference.URL, kind, cause)
}

func (p *printer) DeletionSucceeded(req engine.DeleteRequest) {
	p.line("deleted   %s", req.Reference.URL)
}

func (p *printer) DeletionSucceededWithPendingAction(req engine.DeleteRequest) {
	p.line("deleted   %s (archive re-upload pending)", req.Reference.URL)
}

func (p *printer) DeletionFailed(req engine.DeleteRequest, kind engine.FailureKind, cause error) {
	p.fail("FAILED    %s [%s]: %v", req.Reference.URL, kind, cause)
}

func (p *printer) PendingActionSucceeded(url string) {
	p.line("archived  %s", url)
}

func (p *printer) PendingActionFailed(path string) {
	p.fail("FAILED    pending action for %s", path)
}

func (p *printer) PendingActionError(path string) {
	p.fail("ERROR     pending action for %s is missing or unreadable", path)
}

func (p *printer) ArchiveStored(storage, url, checksum string, n int64) {
	p.line("uploaded  %s (%s, md5 %s)", url, size(n), checksum)
}

func (p *printer) ArchiveDeleted(storage, url string) {
	p.line("dropped   %s", url)
}

func (p *printer) AllPendingActionsSucceeded(storage string) {
	p.line("all pending actions succeeded on %s", storage)
}

// joinErr 合并批处理失败和维护动作本身的错误
func joinErr(p *printer, err error) error {
	return errors.Join(err, p.Err())
}
