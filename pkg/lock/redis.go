package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "cv:lock:"

// 只有持有者 (value 完全一致) 才能续期或删除
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Owner 是写在 redis 里的锁持有者记录 (CBOR 编码)
type Owner struct {
	Token      string `cbor:"1,keyasint"`
	Host       string `cbor:"2,keyasint"`
	AcquiredAt int64  `cbor:"3,keyasint"` // unix ms
}

type RedisConfig struct {
	URL        string        // redis://<user>:<password>@<host>:<port>/<db>
	TTL        time.Duration // 锁的存活时间，持有者需在此之前续期
	RetryDelay time.Duration // 阻塞获取时的重试间隔
}

// Redis 是基于 SET NX PX 的分布式锁
type Redis struct {
	client     *redis.Client
	ttl        time.Duration
	retryDelay time.Duration
	host       string
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisWithClient(client, cfg), nil
}

func NewRedisWithClient(client *redis.Client, cfg RedisConfig) *Redis {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	host, _ := os.Hostname()
	return &Redis{client: client, ttl: cfg.TTL, retryDelay: cfg.RetryDelay, host: host}
}

func (r *Redis) TTL() time.Duration { return r.ttl }

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Acquire(ctx context.Context, name string) (Handle, error) {
	value, err := cbor.Marshal(Owner{
		Token:      uuid.NewString(),
		Host:       r.host,
		AcquiredAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	key := redisKeyPrefix + name

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		ok, err := r.client.SetNX(ctx, key, value, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis lock %s: %w", name, err)
		}
		if ok {
			return &redisHandle{r: r, name: name, key: key, value: value}, nil
		}
		timer.Reset(r.retryDelay)
	}
}

func (r *Redis) TryAcquire(ctx context.Context, name string, timeout time.Duration) (Handle, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h, err := r.Acquire(tctx, name)
	if err == nil {
		return h, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, ErrNotAcquired
	}
	return nil, err
}

// Inspect 读取当前持有者，锁空闲时返回 (nil, nil)
func (r *Redis) Inspect(ctx context.Context, name string) (*Owner, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var o Owner
	if err := cbor.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode lock owner: %w", err)
	}
	return &o, nil
}

type redisHandle struct {
	r     *Redis
	name  string
	key   string
	value []byte

	once       sync.Once
	releaseErr error
}

func (h *redisHandle) Name() string { return h.name }

func (h *redisHandle) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, h.r.client, []string{h.key}, h.value, h.r.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew %s: %w", h.name, err)
	}
	if n == 0 {
		return fmt.Errorf("renew %s: %w", h.name, ErrLockLost)
	}
	return nil
}

func (h *redisHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		n, err := releaseScript.Run(ctx, h.r.client, []string{h.key}, h.value).Int64()
		switch {
		case err != nil:
			h.releaseErr = fmt.Errorf("release %s: %w", h.name, err)
		case n == 0:
			h.releaseErr = fmt.Errorf("release %s: %w", h.name, ErrLockLost)
		}
	})
	return h.releaseErr
}
