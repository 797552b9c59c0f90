package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coldvault/pkg/storage"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// CachedBackend 是一个装饰器，为底层 storage.Backend 的 Exists 添加 Redis 缓存层
// 只缓存 "存在" 这一事实，对象数据和取回状态一律透传
type CachedBackend struct {
	storage.Backend               // 被装饰的底层存储 (如 Glacier)
	client          *redis.Client // Redis 客户端
	ttl             time.Duration // 缓存过期时间 (例如 24h)
}

type Config struct {
	RedisURL string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
}

func NewCachedBackend(backend storage.Backend, cfg Config) (*CachedBackend, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(backend, client, cfg.TTL), nil
}

func NewWithClient(backend storage.Backend, client *redis.Client, ttl time.Duration) *CachedBackend {
	return &CachedBackend{Backend: backend, client: client, ttl: ttl}
}

func (s *CachedBackend) cacheKey(key string) string {
	return "cv:obj:" + key
}

// Exists 优先查 Redis
func (s *CachedBackend) Exists(ctx context.Context, key string) (bool, error) {
	ck := s.cacheKey(key)

	// 1. 查 Redis，故障时降级为无缓存模式
	val, err := s.client.Exists(ctx, ck).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis exists lookup failed, falling back to storage")
	} else if val > 0 {
		return true, nil
	}

	// 2. 缓存未命中，查底层存储
	found, err := s.Backend.Exists(ctx, key)
	if err != nil {
		return false, err
	}

	// 3. 异步回填，不阻塞主流程
	if found {
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.client.Set(fillCtx, ck, "1", s.ttl).Err(); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("exists cache fill failed")
			}
		}()
	}
	return found, nil
}

// Store 上传成功后才写缓存
func (s *CachedBackend) Store(ctx context.Context, key, localPath, md5hex string, size int64) error {
	if err := s.Backend.Store(ctx, key, localPath, md5hex, size); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.cacheKey(key), "1", s.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("exists cache fill failed")
	}
	return nil
}

// Delete 先失效缓存再删除，避免删除后仍命中旧的 "存在"
func (s *CachedBackend) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.cacheKey(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		log.Warn().Err(err).Str("key", key).Msg("exists cache invalidation failed")
	}
	return s.Backend.Delete(ctx, key)
}

func (s *CachedBackend) Close() error {
	return s.client.Close()
}
