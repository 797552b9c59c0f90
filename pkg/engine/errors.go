package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"coldvault/pkg/archive"
	"coldvault/pkg/lock"
	"coldvault/pkg/source"
	"coldvault/pkg/storage"
)

// FailureKind 是任务失败的分类
type FailureKind int

const (
	KindUnexpected FailureKind = iota
	KindMalformed
	KindIO
	KindLock
	KindRestoreTimeout
	KindConsistency
	KindNotFound
	KindInterrupted
)

func (k FailureKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindIO:
		return "io"
	case KindLock:
		return "lock"
	case KindRestoreTimeout:
		return "restore_timeout"
	case KindConsistency:
		return "consistency"
	case KindNotFound:
		return "not_found"
	case KindInterrupted:
		return "interrupted"
	default:
		return "unexpected"
	}
}

var (
	ErrMalformedPath  = errors.New("malformed path")
	ErrIO             = errors.New("i/o failure")
	ErrRestoreTimeout = errors.New("Error while trying to restore file, timeout exceeded")
	ErrRestoreExpired = errors.New("restored copy has expired")
	ErrNotAvailable   = errors.New("file is not available for restoration")
	ErrNotFoundLocal  = errors.New("should exists locally but wasn't found")
	ErrMemberNotFound = errors.New("file not found in archive")
	ErrConsistency    = errors.New("file is missing both locally and remotely")
)

// ioErr 给底层 (存储/网络) 错误打上 I/O 标记
func ioErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

// panicError 是任务中被恢复的 panic
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// Classify 把错误映射为失败分类
func Classify(err error) FailureKind {
	if err == nil {
		return KindUnexpected
	}

	var pe *panicError
	if errors.As(err, &pe) {
		return KindUnexpected
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindInterrupted
	}

	var acquireErr *lock.AcquireError
	switch {
	case errors.Is(err, archive.ErrMalformedURL),
		errors.Is(err, source.ErrMalformed),
		errors.Is(err, source.ErrUnsupported),
		errors.Is(err, ErrMalformedPath):
		return KindMalformed
	case errors.As(err, &acquireErr),
		errors.Is(err, lock.ErrLockLost),
		errors.Is(err, lock.ErrNotAcquired),
		errors.Is(err, lock.ErrTooManyWaiters):
		return KindLock
	case errors.Is(err, ErrRestoreTimeout):
		return KindRestoreTimeout
	case errors.Is(err, ErrConsistency):
		return KindConsistency
	case errors.Is(err, ErrNotFoundLocal),
		errors.Is(err, ErrMemberNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, ErrIO),
		errors.Is(err, storage.ErrUnreachable),
		errors.Is(err, storage.ErrChecksumMismatch),
		errors.Is(err, ErrRestoreExpired),
		errors.Is(err, ErrNotAvailable):
		return KindIO
	}

	var pathErr *fs.PathError
	var linkErr *os.LinkError
	var sysErr *os.SyscallError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) || errors.As(err, &sysErr) {
		return KindIO
	}
	return KindUnexpected
}

// operation 决定中断时的固定消息
type operation string

const (
	opStore    operation = "storage"
	opRestore  operation = "restoration"
	opDelete   operation = "deletion"
	opPeriodic operation = "periodic"
)

type interruptedError struct {
	op    operation
	cause error
}

func (e *interruptedError) Error() string {
	return fmt.Sprintf("The %s task was interrupted before completion.", e.op)
}

func (e *interruptedError) Unwrap() error { return e.cause }

// describe 返回上报给 progress 的 (分类, 原因)
func describe(op operation, err error) (FailureKind, error) {
	kind := Classify(err)
	switch kind {
	case KindInterrupted:
		return kind, &interruptedError{op: op, cause: err}
	case KindUnexpected:
		return kind, fmt.Errorf("Unexpected exception occurred : %w", err)
	}
	return kind, err
}
