package engine

import (
	"context"
	"runtime/debug"

	"coldvault/pkg/tenant"

	"golang.org/x/sync/errgroup"
)

// taskSpec 描述一个工作单元:
// run 成功时自己负责上报成功回调，失败时由 runTask 调用 fail
type taskSpec struct {
	requestID string
	run       func(ctx context.Context) error
	fail      func(kind FailureKind, cause error)
}

// runBatch 在固定大小的池中执行 n 个任务并等待全部完成
func (e *Engine) runBatch(ctx context.Context, op operation, workers, n int, spec func(i int) taskSpec) {
	// 租户只在批次开始时读取一次，然后显式挂到每个任务的 ctx 上
	tn := tenant.From(ctx)

	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		t := spec(i)
		g.Go(func() error {
			taskCtx := tenant.With(ctx, tn)
			l := e.log.With().Str("tenant", tn).Str("request", t.requestID).Str("op", string(op)).Logger()
			e.runTask(l.WithContext(taskCtx), op, t)
			return nil
		})
	}
	_ = g.Wait()
}

// runTask 保证任何错误和 panic 都终止在任务边界内
func (e *Engine) runTask(ctx context.Context, op operation, t taskSpec) {
	err := e.safeRun(ctx, t.run)
	if err == nil {
		e.metrics.RecordTask(string(op), "success")
		return
	}
	kind, cause := describe(op, err)
	e.metrics.RecordTask(string(op), kind.String())

	l := loggerFrom(ctx)
	switch kind {
	case KindUnexpected:
		var pe *panicError
		if asPanic(err, &pe) {
			l.Error().Interface("panic", pe.value).Bytes("stack", pe.stack).Msg("task panicked")
		} else {
			l.Error().Err(err).Msg("task failed unexpectedly")
		}
	case KindInterrupted:
		l.Warn().Err(err).Msg("task interrupted")
	default:
		l.Error().Err(err).Str("kind", kind.String()).Msg("task failed")
	}
	t.fail(kind, cause)
}

func (e *Engine) safeRun(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	// 尚未开始就已经取消 (关闭中): 直接按中断处理
	if ctx.Err() != nil {
		return ctx.Err()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}
