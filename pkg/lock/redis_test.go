package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWithClient(client, RedisConfig{TTL: ttl, RetryDelay: 5 * time.Millisecond}), mr
}

func TestRedis_MutualExclusion(t *testing.T) {
	r, _ := setupRedis(t, time.Minute)
	ctx := context.Background()

	h, err := r.Acquire(ctx, "LOCK_/a/LOCK_STORE")
	require.NoError(t, err)

	_, err = r.TryAcquire(ctx, "LOCK_/a/LOCK_STORE", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, h.Release(ctx))

	h2, err := r.TryAcquire(ctx, "LOCK_/a/LOCK_STORE", 30*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestRedis_OwnerRecord(t *testing.T) {
	r, _ := setupRedis(t, time.Minute)
	ctx := context.Background()

	owner, err := r.Inspect(ctx, "free")
	require.NoError(t, err)
	assert.Nil(t, owner)

	h, err := r.Acquire(ctx, "held")
	require.NoError(t, err)
	defer h.Release(ctx)

	owner, err = r.Inspect(ctx, "held")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.NotEmpty(t, owner.Token)
	assert.InDelta(t, time.Now().UnixMilli(), owner.AcquiredAt, float64(time.Minute.Milliseconds()))
}

func TestRedis_ExpiryAndLostLock(t *testing.T) {
	r, mr := setupRedis(t, time.Second)
	ctx := context.Background()

	h, err := r.Acquire(ctx, "k")
	require.NoError(t, err)

	// 续期成功后 TTL 被刷新
	mr.FastForward(800 * time.Millisecond)
	require.NoError(t, h.Renew(ctx))
	assert.Equal(t, time.Second, mr.TTL(redisKeyPrefix+"k"))

	// 过期后被别人拿走
	mr.FastForward(2 * time.Second)
	other, err := r.TryAcquire(ctx, "k", 50*time.Millisecond)
	require.NoError(t, err)

	assert.ErrorIs(t, h.Renew(ctx), ErrLockLost)
	assert.ErrorIs(t, h.Release(ctx), ErrLockLost)

	// 旧持有者的 Release 不能删除新持有者的锁
	owner, err := r.Inspect(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, owner)

	require.NoError(t, other.Release(ctx))
	require.NoError(t, other.Release(ctx), "release is idempotent")
}

func TestRedis_AcquireRespectsContext(t *testing.T) {
	r, _ := setupRedis(t, time.Minute)
	ctx := context.Background()

	h, err := r.Acquire(ctx, "k")
	require.NoError(t, err)
	defer h.Release(ctx)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(cctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_LostLockIsReported(t *testing.T) {
	r, mr := setupRedis(t, time.Second)
	ctx := context.Background()

	err := Run(ctx, r, "k", func(ctx context.Context, h Handle) error {
		mr.FastForward(2 * time.Second)

		other, err := r.TryAcquire(ctx, "k", 50*time.Millisecond)
		require.NoError(t, err, "expired lock can be taken by another owner")
		require.NoError(t, other.Release(ctx))
		return nil
	})
	assert.ErrorIs(t, err, ErrLockLost)
	assert.Contains(t, err.Error(), "k")
}

func TestRun_KeepaliveRenewsWhileHeld(t *testing.T) {
	r, mr := setupRedis(t, 300*time.Millisecond)
	ctx := context.Background()

	err := Run(ctx, r, "k", func(ctx context.Context, h Handle) error {
		// miniredis 只在 FastForward 时过期，每一轮里后台续期都会把 TTL 拉回 300ms
		for i := 0; i < 5; i++ {
			time.Sleep(150 * time.Millisecond)
			mr.FastForward(150 * time.Millisecond)
		}

		_, err := r.TryAcquire(ctx, "k", 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrNotAcquired)
		return nil
	})
	assert.NoError(t, err)
}
