package engine

import (
	"context"
	"errors"
	"fmt"

	"coldvault/pkg/lock"
	"coldvault/pkg/storage"
)

// restoreAndDownload 发起取回，轮询直到可读后下载到 dest
// 调用方必须持有 h (RESTORE 锁)，等待期间会为它续期
func (e *Engine) restoreAndDownload(ctx context.Context, h lock.Handle, key, dest string) error {
	return e.awaitAndDownload(ctx, h, key, dest, e.backend.Restore(ctx, key))
}

// awaitAndDownload 处理一个已经发出的取回请求的结果
func (e *Engine) awaitAndDownload(ctx context.Context, h lock.Handle, key, dest string, resp storage.RestoreResponse) error {
	resp = resp.Normalize()
	switch resp.Status {
	case storage.RestoreKeyNotFound:
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	case storage.RestoreClientException:
		return ioErr("restore "+key, resp.Err)
	case storage.RestoreSuccess:
		if err := e.pollUntilAvailable(ctx, h, key); err != nil {
			return err
		}
	}

	if err := e.backend.Download(ctx, key, dest); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("download %s: %w", key, err)
		}
		return ioErr("download "+key, err)
	}
	return nil
}

// pollUntilAvailable 按指数退避轮询 Status
//   - 间隔从 InitialPollDelay 开始翻倍，不超过 MaxPollInterval 和剩余的 AccessTimeout
//   - 连续 MaxUnreachableAttempts 次不可达后放弃
func (e *Engine) pollUntilAvailable(ctx context.Context, h lock.Handle, key string) error {
	l := loggerFrom(ctx)
	deadline := e.now().Add(e.cfg.AccessTimeout)
	waiter := lock.NewWaitingLock(h, e.locks.TTL(), e.cfg.RenewCallDuration, lock.RenewedAt(h))
	delay := e.cfg.InitialPollDelay
	unreachable := 0

	for {
		status, err := e.backend.Status(ctx, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("%s: %w", key, err)
		case err != nil:
			unreachable++
			e.metrics.RecordRestorePoll("UNREACHABLE")
			l.Warn().Err(err).Str("archive", key).Int("attempt", unreachable).Msg("storage server unreachable while polling")
			if unreachable >= e.cfg.MaxUnreachableAttempts {
				return ioErr(fmt.Sprintf("poll %s (%d attempts)", key, unreachable), err)
			}
		default:
			unreachable = 0
			e.metrics.RecordRestorePoll(status.String())
			switch status {
			case storage.StatusAvailable:
				return nil
			case storage.StatusExpired:
				return fmt.Errorf("%s: %w", key, ErrRestoreExpired)
			case storage.StatusNotAvailable:
				return fmt.Errorf("%s: %w", key, ErrNotAvailable)
			}
			l.Debug().Str("archive", key).Dur("next", delay).Msg("restore pending")
		}

		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			return ErrRestoreTimeout
		}
		if err := waiter.WaitAndRenew(ctx, min(delay, remaining)); err != nil {
			return err
		}
		delay = min(delay*2, e.cfg.MaxPollInterval)
	}
}
