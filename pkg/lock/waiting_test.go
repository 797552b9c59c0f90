package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingHandle struct {
	renewals int
	err      error
}

func (h *countingHandle) Name() string                      { return "counting" }
func (h *countingHandle) Renew(ctx context.Context) error   { h.renewals++; return h.err }
func (h *countingHandle) Release(ctx context.Context) error { return nil }

// fakeClock: sleep 直接推进时间
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return ctx.Err()
}

func newTestWaitingLock(h Handle, ttl, renewCall time.Duration, clock *fakeClock) *WaitingLock {
	w := NewWaitingLock(h, ttl, renewCall, clock.now)
	w.now = clock.Now
	w.sleep = clock.Sleep
	return w
}

func TestWaitingLock_RenewsBeforeExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := &countingHandle{}

	// TTL 10s，续期调用耗时 1s => 每 9s 续期一次
	w := newTestWaitingLock(h, 10*time.Second, time.Second, clock)

	require.NoError(t, w.WaitAndRenew(context.Background(), 30*time.Second))
	assert.Equal(t, 3, h.renewals)
	assert.Equal(t, time.Unix(1030, 0), clock.now)
}

func TestWaitingLock_ShortWaitDoesNotRenew(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := &countingHandle{}
	w := newTestWaitingLock(h, 10*time.Second, time.Second, clock)

	require.NoError(t, w.WaitAndRenew(context.Background(), 2*time.Second))
	assert.Equal(t, 0, h.renewals)
}

func TestWaitingLock_RenewFailureStopsWaiting(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := &countingHandle{err: ErrLockLost}
	w := newTestWaitingLock(h, 2*time.Second, 500*time.Millisecond, clock)

	err := w.WaitAndRenew(context.Background(), 10*time.Second)
	assert.ErrorIs(t, err, ErrLockLost)
	assert.Equal(t, 1, h.renewals)
}

func TestWaitingLock_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWaitingLock(&countingHandle{}, time.Minute, time.Second, time.Now())
	assert.ErrorIs(t, w.WaitAndRenew(ctx, time.Hour), context.Canceled)
}

func TestWaitingLock_SeededFromAcquisition(t *testing.T) {
	// 锁在 1000 获取，轮询到 1008 才开始：剩余 1s，2s 的等待必须先续期
	clock := &fakeClock{now: time.Unix(1008, 0)}
	h := &countingHandle{}
	w := NewWaitingLock(h, 10*time.Second, time.Second, time.Unix(1000, 0))
	w.now = clock.Now
	w.sleep = clock.Sleep

	require.NoError(t, w.WaitAndRenew(context.Background(), 2*time.Second))
	assert.Equal(t, 1, h.renewals)
}

func TestRenewedAt(t *testing.T) {
	m := NewMemory(time.Minute)
	before := time.Now()

	err := Run(context.Background(), m, "r", func(ctx context.Context, h Handle) error {
		acquired := RenewedAt(h)
		assert.False(t, acquired.Before(before))

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, h.Renew(ctx))
		assert.True(t, RenewedAt(h).After(acquired), "renew moves the mark forward")
		return nil
	})
	require.NoError(t, err)

	// 不是 Run 交出的 Handle
	assert.False(t, RenewedAt(&countingHandle{}).Before(before))
}
