package lock

import (
	"context"
	"time"
)

// WaitingLock 在等待期间负责为已持有的锁续期
//
// 剩余时间按 "上次续期时间 + TTL - RenewCallDuration" 计算，
// 提前一个续期调用的耗时去续期，避免续期请求在途时锁恰好过期。
type WaitingLock struct {
	handle            Handle
	ttl               time.Duration
	renewCallDuration time.Duration
	renewedAt         time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewWaitingLock(h Handle, ttl, renewCallDuration time.Duration, acquiredAt time.Time) *WaitingLock {
	if renewCallDuration >= ttl {
		renewCallDuration = ttl / 2
	}
	return &WaitingLock{
		handle:            h,
		ttl:               ttl,
		renewCallDuration: renewCallDuration,
		renewedAt:         acquiredAt,
		now:               time.Now,
		sleep:             sleepCtx,
	}
}

// WaitAndRenew 等待 delay，期间按需续期。ctx 结束时立即返回
func (w *WaitingLock) WaitAndRenew(ctx context.Context, delay time.Duration) error {
	remaining := w.remaining()
	var waited time.Duration
	for waited < delay {
		step := delay - waited
		if w.ttl > 0 && remaining < step {
			step = max(remaining, 0)
		}
		if step > 0 {
			if err := w.sleep(ctx, step); err != nil {
				return err
			}
		}
		remaining -= step
		waited += step
		if w.ttl > 0 && remaining <= 0 {
			if err := w.handle.Renew(ctx); err != nil {
				return err
			}
			w.renewedAt = w.now()
			remaining = w.remaining()
		}
	}
	return nil
}

func (w *WaitingLock) remaining() time.Duration {
	if w.ttl <= 0 {
		return 0
	}
	expireAt := w.renewedAt.Add(w.ttl - w.renewCallDuration)
	return expireAt.Sub(w.now())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
