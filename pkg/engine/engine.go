// Package engine 把大量小文件打包成 zip 归档后写入冷存储 (Glacier 类)。
//
// 工作区布局:
//
//	<workspace>/zip/<node>/rs_zip_<stamp>[_current]/<member>   构建目录 (待上传)
//	<workspace>/tmp/<node>/<stamp>.zip                        取回的归档
//	<workspace>/tmp/<node>/rs_zip_<stamp>/<member>            解压后的缓存
//
// 对构建目录的修改都在节点的 STORE 锁下进行，
// 对缓存和远端归档的修改都在归档的 RESTORE 锁下进行。
// 需要两把锁时总是先 RESTORE 后 STORE。
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"coldvault/pkg/archive"
	"coldvault/pkg/ignore"
	"coldvault/pkg/lock"
	"coldvault/pkg/metrics"
	"coldvault/pkg/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Engine struct {
	cfg     Config
	backend storage.Backend
	locks   lock.Service
	ignore  *ignore.Matcher
	metrics *metrics.Metrics
	log     zerolog.Logger

	now   func() time.Time
	newID func() string
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithIgnore(m *ignore.Matcher) Option {
	return func(e *Engine) { e.ignore = m }
}

// WithClock 替换时间源 (测试用)
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(cfg Config, backend storage.Backend, locks lock.Service, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ws, err := filepath.Abs(cfg.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	cfg.WorkspacePath = ws

	e := &Engine{
		cfg:     cfg,
		backend: backend,
		locks:   locks,
		log:     log.With().Str("component", "engine").Logger(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ignore == nil {
		m, err := ignore.NewMatcher(ws)
		if err != nil {
			return nil, fmt.Errorf("load ignore rules: %w", err)
		}
		e.ignore = m
	}

	for _, dir := range []string{e.zipRoot(), e.tmpRoot()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("init workspace: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Store 并发处理一批存储请求，每个请求恰好触发一次 progress 回调
func (e *Engine) Store(ctx context.Context, reqs []StoreRequest, p StorageProgress) {
	e.runBatch(ctx, opStore, e.cfg.StoreWorkers, len(reqs), func(i int) taskSpec {
		req := reqs[i]
		return taskSpec{
			requestID: req.ID,
			run:       func(ctx context.Context) error { return e.storeOne(ctx, req, p) },
			fail:      func(kind FailureKind, cause error) { p.StorageFailed(req, kind, cause) },
		}
	})
}

func (e *Engine) Retrieve(ctx context.Context, reqs []RetrieveRequest, p RestoreProgress) {
	e.runBatch(ctx, opRestore, e.cfg.RestoreWorkers, len(reqs), func(i int) taskSpec {
		req := reqs[i]
		return taskSpec{
			requestID: req.ID,
			run:       func(ctx context.Context) error { return e.retrieveOne(ctx, req, p) },
			fail:      func(kind FailureKind, cause error) { p.RestoreFailed(req, kind, cause) },
		}
	})
}

func (e *Engine) Delete(ctx context.Context, reqs []DeleteRequest, p DeletionProgress) {
	e.runBatch(ctx, opDelete, e.cfg.RestoreWorkers, len(reqs), func(i int) taskSpec {
		req := reqs[i]
		return taskSpec{
			requestID: req.ID,
			run:       func(ctx context.Context) error { return e.deleteOne(ctx, req, p) },
			fail:      func(kind FailureKind, cause error) { p.DeletionFailed(req, kind, cause) },
		}
	})
}

// withLock 在具名锁内执行 fn，并把锁名写入 ctx 中的 logger
func (e *Engine) withLock(ctx context.Context, kind archive.LockKind, target string, fn func(ctx context.Context, h lock.Handle) error) error {
	name := e.lockName(kind, target)
	start := e.now()
	return lock.Run(ctx, e.locks, name, func(ctx context.Context, h lock.Handle) error {
		e.metrics.ObserveLockWait(string(kind), e.now().Sub(start).Seconds())
		l := zerolog.Ctx(ctx).With().Str("lock", name).Logger()
		return fn(l.WithContext(ctx), h)
	})
}

// tryWithLock 是 withLock 的非阻塞版本，拿不到锁返回 (false, nil)
func (e *Engine) tryWithLock(ctx context.Context, kind archive.LockKind, target string, timeout time.Duration, fn func(ctx context.Context, h lock.Handle) error) (bool, error) {
	name := e.lockName(kind, target)
	return lock.TryRun(ctx, e.locks, name, timeout, func(ctx context.Context, h lock.Handle) error {
		l := zerolog.Ctx(ctx).With().Str("lock", name).Logger()
		return fn(l.WithContext(ctx), h)
	})
}

func (e *Engine) lockName(kind archive.LockKind, target string) string {
	return archive.LockName(kind, e.cfg.RootPath, e.cfg.WorkspacePath, target)
}
