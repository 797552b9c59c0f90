// pkg/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"coldvault/pkg/config"
	"coldvault/pkg/engine"
	"coldvault/pkg/ignore"
	"coldvault/pkg/lock"
	"coldvault/pkg/logging"
	"coldvault/pkg/meta"
	"coldvault/pkg/metrics"
	"coldvault/pkg/storage"
	"coldvault/pkg/storage/cache"
	"coldvault/pkg/storage/disk"
	"coldvault/pkg/storage/s3"

	"github.com/danjacques/gofslock/fslock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const workspaceLockFile = ".cv.lock"

// App 是整个应用程序的依赖容器
// 它持有所有单例服务
type App struct {
	Engine  *engine.Engine
	Backend storage.Backend
	Locks   lock.Service
	Ledger  *meta.Ledger
	Metrics *metrics.Metrics

	closers []io.Closer
}

// NewApp 按 viper 配置组装引擎，不知道具体的 CLI 命令
// registry 为 nil 时不导出指标
func NewApp(ctx context.Context, registry prometheus.Registerer) (*App, error) {
	a := &App{}
	if registry != nil {
		a.Metrics = metrics.Init(registry)
	}

	// 1. 存储层
	backend, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	backend, err = a.wrapExistsCache(backend)
	if err != nil {
		return nil, err
	}
	a.Backend = backend

	// 2. 锁
	locks, err := a.initLocks(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Locks = locks

	// 3. 账本
	db, err := meta.NewDB(ctx, databaseConfig())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to init ledger: %w", err)
	}
	a.closers = append(a.closers, db)
	a.Ledger = meta.NewLedger(meta.NewRepository(db), viper.GetString("storage.name"), logging.Component("ledger"))

	// 4. 引擎
	cfg, err := config.EngineConfig()
	if err != nil {
		a.Close()
		return nil, err
	}
	matcher, err := ignore.NewMatcher(cfg.WorkspacePath, viper.GetStringSlice("archive.ignore")...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load ignore rules: %w", err)
	}
	e, err := engine.New(cfg, a.Backend, a.Locks,
		engine.WithLogger(logging.Component("engine")),
		engine.WithMetrics(a.Metrics),
		engine.WithIgnore(matcher),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = e
	return a, nil
}

// initStore 根据 storage.type 选择后端
func initStore(ctx context.Context) (storage.Backend, error) {
	storeType := viper.GetString("storage.type")

	switch storeType {
	case "disk", "":
		path := viper.GetString("storage.path")
		if path == "" {
			return nil, errors.New("storage path not set")
		}
		log.Debug().Str("path", path).Msg("Using disk storage")
		store, err := disk.NewAdapter(path)
		if err != nil {
			return nil, fmt.Errorf("failed to init storage: %w", err)
		}
		return store, nil

	case "s3":
		cfg := s3.Config{
			Endpoint:             viper.GetString("s3.endpoint"),
			Region:               viper.GetString("s3.region"),
			Bucket:               viper.GetString("s3.bucket"),
			AccessKeyID:          viper.GetString("s3.access_key"),
			SecretAccessKey:      viper.GetString("s3.secret_key"),
			StorageClass:         viper.GetString("s3.storage_class"),
			StandardStorageClass: viper.GetString("s3.standard_storage_class"),
			RestoreDays:          viper.GetInt32("s3.restore_days"),
		}
		if cfg.Bucket == "" {
			return nil, errors.New("s3 bucket is required")
		}
		log.Debug().Str("endpoint", cfg.Endpoint).Str("bucket", cfg.Bucket).Msg("Using S3 storage")
		store, err := s3.NewAdapter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to init storage: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storeType)
	}
}

// wrapExistsCache 在 redis.exists_cache 打开时给后端加一层 Exists 缓存
func (a *App) wrapExistsCache(backend storage.Backend) (storage.Backend, error) {
	if !viper.GetBool("redis.exists_cache") {
		return backend, nil
	}
	ttl, err := config.Duration("redis.cache_ttl")
	if err != nil {
		return nil, err
	}
	cached, err := cache.NewCachedBackend(backend, cache.Config{
		RedisURL: viper.GetString("redis.url"),
		TTL:      ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init exists cache: %w", err)
	}
	a.closers = append(a.closers, cached)
	return cached, nil
}

func (a *App) initLocks(ctx context.Context) (lock.Service, error) {
	ttl, err := config.Duration("lock.ttl")
	if err != nil {
		return nil, err
	}

	switch backend := viper.GetString("lock.backend"); backend {
	case "memory", "":
		return lock.NewMemory(ttl), nil
	case "redis":
		retry, err := config.Duration("lock.retry_delay")
		if err != nil {
			return nil, err
		}
		r, err := lock.NewRedis(ctx, lock.RedisConfig{
			URL:        viper.GetString("redis.url"),
			TTL:        ttl,
			RetryDelay: retry,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init lock service: %w", err)
		}
		a.closers = append(a.closers, r)
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported lock backend: %s", backend)
	}
}

func databaseConfig() meta.Config {
	return meta.Config{
		Driver:   viper.GetString("database.driver"),
		DSN:      viper.GetString("database.dsn"),
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		DBName:   viper.GetString("database.dbname"),
		SSLMode:  viper.GetString("database.sslmode"),
		Debug:    viper.GetBool("database.debug"),
	}
}

// Progress 返回持久化进度的 sink，extra 会一起收到回调
func (a *App) Progress(extra ...engine.Progress) engine.Progress {
	return append(engine.Fanout{a.Ledger}, extra...)
}

// Close 逆序关闭所有资源
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ErrWorkspaceBusy: 另一个进程持有工作区锁
var ErrWorkspaceBusy = errors.New("workspace is in use by another process")

// Exclusive 在工作区文件锁内执行 fn
// 内存锁只在进程内有效，所以 memory 后端下同一个工作区只允许一个进程操作；
// redis 后端的锁本身跨进程，直接执行
func (a *App) Exclusive(fn func() error) error {
	if viper.GetString("lock.backend") == "redis" {
		return fn()
	}
	path := filepath.Join(a.Engine.Config().WorkspacePath, workspaceLockFile)
	err := fslock.With(path, fn)
	if errors.Is(err, fslock.ErrLockHeld) {
		return fmt.Errorf("%w: %s", ErrWorkspaceBusy, a.Engine.Config().WorkspacePath)
	}
	return err
}
