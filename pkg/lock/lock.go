// Package lock 提供具名互斥锁 (不可重入)。
//
// 调用方不直接配对 Acquire/Release，而是通过 Run / TryRun，
// 这样无论正常返回、提前 return 还是 panic，锁都会被释放。
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNotAcquired: TryAcquire 在超时时间内没有拿到锁
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrLockLost: 续期或释放时发现锁已经不属于自己 (过期后被他人获取)
	ErrLockLost = errors.New("lock lost")
	// ErrTooManyWaiters: 同一把锁上排队的等待者过多
	ErrTooManyWaiters = errors.New("too many waiters")
)

// AcquireError 表示获取锁本身失败 (而不是锁内的 fn 失败)
type AcquireError struct {
	Name string
	Err  error
}

func (e *AcquireError) Error() string { return fmt.Sprintf("acquire %s: %v", e.Name, e.Err) }
func (e *AcquireError) Unwrap() error { return e.Err }

// Handle 是一次成功获取的锁
type Handle interface {
	Name() string
	// Renew 延长锁的过期时间
	Renew(ctx context.Context) error
	// Release 是幂等的
	Release(ctx context.Context) error
}

// Service 是锁服务
type Service interface {
	// Acquire 阻塞直到获取锁或 ctx 结束
	Acquire(ctx context.Context, name string) (Handle, error)
	// TryAcquire 最多等待 timeout，超时返回 ErrNotAcquired
	TryAcquire(ctx context.Context, name string, timeout time.Duration) (Handle, error)
	// TTL 是锁未续期时的存活时间
	TTL() time.Duration
}

// Run 在锁内执行 fn
//
// 持有期间后台按 TTL/3 续期。续期或释放时发现锁已丢失，
// fn 本身成功也返回 ErrLockLost：锁内的写入可能与他人交叉。
func Run(ctx context.Context, svc Service, name string, fn func(ctx context.Context, h Handle) error) error {
	h, err := svc.Acquire(ctx, name)
	if err != nil {
		return &AcquireError{Name: name, Err: err}
	}
	return hold(ctx, newHeld(h), svc.TTL(), fn)
}

// TryRun 尝试在锁内执行 fn。拿不到锁时返回 (false, nil)，由调用方决定下次再试
func TryRun(ctx context.Context, svc Service, name string, timeout time.Duration, fn func(ctx context.Context, h Handle) error) (bool, error) {
	h, err := svc.TryAcquire(ctx, name, timeout)
	if errors.Is(err, ErrNotAcquired) {
		return false, nil
	}
	if err != nil {
		return false, &AcquireError{Name: name, Err: err}
	}
	return true, hold(ctx, newHeld(h), svc.TTL(), fn)
}

func hold(ctx context.Context, h *held, ttl time.Duration, fn func(ctx context.Context, h Handle) error) (err error) {
	stop := h.keepalive(ctx, ttl)
	defer func() {
		stop()
		if errors.Is(release(h), ErrLockLost) {
			h.lost.Store(true)
		}
		if !h.lost.Load() {
			return
		}
		lost := fmt.Errorf("%s: %w", h.Name(), ErrLockLost)
		switch {
		case err == nil:
			err = lost
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// 中断优先，不再叠加
		default:
			err = errors.Join(lost, err)
		}
	}()
	return fn(ctx, h)
}

// held 包装一次成功获取的锁，记录最近一次确认持有的时间
type held struct {
	Handle
	mu        sync.Mutex
	renewedAt time.Time
	lost      atomic.Bool
}

func newHeld(h Handle) *held {
	return &held{Handle: h, renewedAt: time.Now()}
}

func (h *held) Renew(ctx context.Context) error {
	err := h.Handle.Renew(ctx)
	switch {
	case err == nil:
		h.mu.Lock()
		h.renewedAt = time.Now()
		h.mu.Unlock()
	case errors.Is(err, ErrLockLost):
		h.lost.Store(true)
	}
	return err
}

func (h *held) lastRenewed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.renewedAt
}

// keepalive 启动后台续期，返回的 stop 等待续期 goroutine 退出
func (h *held) keepalive(ctx context.Context, ttl time.Duration) (stop func()) {
	if ttl <= 0 {
		return func() {}
	}
	kctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-kctx.Done():
				return
			case <-ticker.C:
			}
			err := h.Renew(kctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrLockLost):
				log.Warn().Str("lock", h.Name()).Msg("lock lost while held")
				return
			case kctx.Err() != nil:
				return
			default:
				log.Warn().Err(err).Str("lock", h.Name()).Msg("failed to renew lock")
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// RenewedAt 返回 h 最近一次被确认持有的时间 (获取或成功续期)。
// 不是由 Run / TryRun 交给 fn 的 Handle 返回当前时间
func RenewedAt(h Handle) time.Time {
	if hh, ok := h.(*held); ok {
		return hh.lastRenewed()
	}
	return time.Now()
}

// release 使用独立的 context：即使上层 ctx 已取消也必须释放
func release(h Handle) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.Release(ctx)
	if err != nil {
		log.Warn().Err(err).Str("lock", h.Name()).Msg("failed to release lock")
	}
	return err
}
