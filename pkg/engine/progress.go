package engine

import (
	"errors"
	"sync"
)

// 每个工作单元只会触发一次回调

type StorageProgress interface {
	StorageSucceeded(req StoreRequest, url string, size int64)
	StorageSucceededWithPendingAction(req StoreRequest, url string, size int64)
	StorageFailed(req StoreRequest, kind FailureKind, cause error)
}

type RestoreProgress interface {
	RestoreSucceeded(req RetrieveRequest, path string)
	RestoreFailed(req RetrieveRequest, kind FailureKind, cause error)
}

type DeletionProgress interface {
	DeletionSucceeded(req DeleteRequest)
	DeletionSucceededWithPendingAction(req DeleteRequest)
	DeletionFailed(req DeleteRequest, kind FailureKind, cause error)
}

type PeriodicProgress interface {
	PendingActionSucceeded(url string)
	PendingActionFailed(path string)
	// PendingActionError: 待处理记录既不在本地也不在远端，或者无法解析
	PendingActionError(path string)
	ArchiveStored(storage, url, checksum string, size int64)
	ArchiveDeleted(storage, url string)
	AllPendingActionsSucceeded(storage string)
}

// Progress 是全部回调的集合
type Progress interface {
	StorageProgress
	RestoreProgress
	DeletionProgress
	PeriodicProgress
}

// -----------------------------------------------------------------------------
// Fanout: 把每个回调转发给多个 sink
// -----------------------------------------------------------------------------

type Fanout []Progress

func (f Fanout) StorageSucceeded(req StoreRequest, url string, size int64) {
	for _, p := range f {
		p.StorageSucceeded(req, url, size)
	}
}

func (f Fanout) StorageSucceededWithPendingAction(req StoreRequest, url string, size int64) {
	for _, p := range f {
		p.StorageSucceededWithPendingAction(req, url, size)
	}
}

func (f Fanout) StorageFailed(req StoreRequest, kind FailureKind, cause error) {
	for _, p := range f {
		p.StorageFailed(req, kind, cause)
	}
}

func (f Fanout) RestoreSucceeded(req RetrieveRequest, path string) {
	for _, p := range f {
		p.RestoreSucceeded(req, path)
	}
}

func (f Fanout) RestoreFailed(req RetrieveRequest, kind FailureKind, cause error) {
	for _, p := range f {
		p.RestoreFailed(req, kind, cause)
	}
}

func (f Fanout) DeletionSucceeded(req DeleteRequest) {
	for _, p := range f {
		p.DeletionSucceeded(req)
	}
}

func (f Fanout) DeletionSucceededWithPendingAction(req DeleteRequest) {
	for _, p := range f {
		p.DeletionSucceededWithPendingAction(req)
	}
}

func (f Fanout) DeletionFailed(req DeleteRequest, kind FailureKind, cause error) {
	for _, p := range f {
		p.DeletionFailed(req, kind, cause)
	}
}

func (f Fanout) PendingActionSucceeded(url string) {
	for _, p := range f {
		p.PendingActionSucceeded(url)
	}
}

func (f Fanout) PendingActionFailed(path string) {
	for _, p := range f {
		p.PendingActionFailed(path)
	}
}

func (f Fanout) PendingActionError(path string) {
	for _, p := range f {
		p.PendingActionError(path)
	}
}

func (f Fanout) ArchiveStored(storage, url, checksum string, size int64) {
	for _, p := range f {
		p.ArchiveStored(storage, url, checksum, size)
	}
}

func (f Fanout) ArchiveDeleted(storage, url string) {
	for _, p := range f {
		p.ArchiveDeleted(storage, url)
	}
}

func (f Fanout) AllPendingActionsSucceeded(storage string) {
	for _, p := range f {
		p.AllPendingActionsSucceeded(storage)
	}
}

// -----------------------------------------------------------------------------
// Recorder: 线程安全的内存 sink
// -----------------------------------------------------------------------------

type EventType string

const (
	EventStorageSucceeded           EventType = "storage_succeeded"
	EventStoragePending             EventType = "storage_succeeded_pending"
	EventStorageFailed              EventType = "storage_failed"
	EventRestoreSucceeded           EventType = "restore_succeeded"
	EventRestoreFailed              EventType = "restore_failed"
	EventDeletionSucceeded          EventType = "deletion_succeeded"
	EventDeletionPending            EventType = "deletion_succeeded_pending"
	EventDeletionFailed             EventType = "deletion_failed"
	EventPendingActionSucceeded     EventType = "pending_action_succeeded"
	EventPendingActionFailed        EventType = "pending_action_failed"
	EventPendingActionError         EventType = "pending_action_error"
	EventArchiveStored              EventType = "archive_stored"
	EventArchiveDeleted             EventType = "archive_deleted"
	EventAllPendingActionsSucceeded EventType = "all_pending_actions_succeeded"
)

// Event 是一次回调的快照，未用到的字段为零值
type Event struct {
	Type      EventType
	RequestID string
	URL       string
	Path      string
	Storage   string
	Checksum  string
	Size      int64
	Kind      FailureKind
	Err       error
}

type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events 返回副本
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Of 返回指定类型的事件
func (r *Recorder) Of(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Count(t EventType) int { return len(r.Of(t)) }

// Err 合并所有失败事件的原因
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, e := range r.events {
		if e.Err != nil {
			errs = append(errs, e.Err)
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) StorageSucceeded(req StoreRequest, url string, size int64) {
	r.add(Event{Type: EventStorageSucceeded, RequestID: req.ID, URL: url, Size: size, Checksum: req.Checksum})
}

func (r *Recorder) StorageSucceededWithPendingAction(req StoreRequest, url string, size int64) {
	r.add(Event{Type: EventStoragePending, RequestID: req.ID, URL: url, Size: size, Checksum: req.Checksum})
}

func (r *Recorder) StorageFailed(req StoreRequest, kind FailureKind, cause error) {
	r.add(Event{Type: EventStorageFailed, RequestID: req.ID, Kind: kind, Err: cause})
}

func (r *Recorder) RestoreSucceeded(req RetrieveRequest, path string) {
	r.add(Event{Type: EventRestoreSucceeded, RequestID: req.ID, URL: req.Reference.URL, Path: path})
}

func (r *Recorder) RestoreFailed(req RetrieveRequest, kind FailureKind, cause error) {
	r.add(Event{Type: EventRestoreFailed, RequestID: req.ID, URL: req.Reference.URL, Kind: kind, Err: cause})
}

func (r *Recorder) DeletionSucceeded(req DeleteRequest) {
	r.add(Event{Type: EventDeletionSucceeded, RequestID: req.ID, URL: req.Reference.URL})
}

func (r *Recorder) DeletionSucceededWithPendingAction(req DeleteRequest) {
	r.add(Event{Type: EventDeletionPending, RequestID: req.ID, URL: req.Reference.URL})
}

func (r *Recorder) DeletionFailed(req DeleteRequest, kind FailureKind, cause error) {
	r.add(Event{Type: EventDeletionFailed, RequestID: req.ID, URL: req.Reference.URL, Kind: kind, Err: cause})
}

func (r *Recorder) PendingActionSucceeded(url string) {
	r.add(Event{Type: EventPendingActionSucceeded, URL: url})
}

func (r *Recorder) PendingActionFailed(path string) {
	r.add(Event{Type: EventPendingActionFailed, Path: path})
}

func (r *Recorder) PendingActionError(path string) {
	r.add(Event{Type: EventPendingActionError, Path: path})
}

func (r *Recorder) ArchiveStored(storage, url, checksum string, size int64) {
	r.add(Event{Type: EventArchiveStored, Storage: storage, URL: url, Checksum: checksum, Size: size})
}

func (r *Recorder) ArchiveDeleted(storage, url string) {
	r.add(Event{Type: EventArchiveDeleted, Storage: storage, URL: url})
}

func (r *Recorder) AllPendingActionsSucceeded(storage string) {
	r.add(Event{Type: EventAllPendingActionsSucceeded, Storage: storage})
}

var (
	_ Progress = Fanout(nil)
	_ Progress = (*Recorder)(nil)
)
