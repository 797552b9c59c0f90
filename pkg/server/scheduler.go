package server

import (
	"context"
	"errors"
	"time"

	"coldvault/pkg/engine"
	"coldvault/pkg/logging"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Maintainer 是调度器需要的引擎能力
type Maintainer interface {
	RunPeriodicAction(ctx context.Context, p engine.PeriodicProgress) error
	CheckPendingActions(ctx context.Context, refs []engine.FileReference, p engine.PeriodicProgress) error
}

// PendingSource 提供仍有待办动作的文件引用 (通常是账本)
type PendingSource interface {
	PendingReferences(ctx context.Context) ([]engine.FileReference, error)
}

type SchedulerConfig struct {
	// Interval 是 RunPeriodicAction 的周期
	Interval time.Duration
	// CheckPendingInterval 是一致性检查的周期，0 表示关闭
	CheckPendingInterval time.Duration
}

// Scheduler 串行执行维护动作，同一时刻只有一个动作在跑
type Scheduler struct {
	m        Maintainer
	pending  PendingSource
	progress engine.PeriodicProgress
	health   *health.Server
	cfg      SchedulerConfig
	log      zerolog.Logger
}

func NewScheduler(m Maintainer, pending PendingSource, p engine.PeriodicProgress, hs *health.Server, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scheduler{
		m:        m,
		pending:  pending,
		progress: p,
		health:   hs,
		cfg:      cfg,
		log:      logging.Component("scheduler"),
	}
}

// Run 阻塞直到 ctx 结束，返回时没有正在执行的动作
func (s *Scheduler) Run(ctx context.Context) error {
	periodic := time.NewTicker(s.cfg.Interval)
	defer periodic.Stop()

	var checkC <-chan time.Time
	if s.cfg.CheckPendingInterval > 0 && s.pending != nil {
		check := time.NewTicker(s.cfg.CheckPendingInterval)
		defer check.Stop()
		checkC = check.C
	}

	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("check_pending_interval", s.cfg.CheckPendingInterval).
		Msg("Scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduler stopped")
			return nil
		case <-periodic.C:
			s.report("periodic", s.RunOnce(ctx))
		case <-checkC:
			s.report("check_pending", s.CheckOnce(ctx))
		}
	}
}

func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.m.RunPeriodicAction(ctx, s.progress)
}

func (s *Scheduler) CheckOnce(ctx context.Context) error {
	refs, err := s.pending.PendingReferences(ctx)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}
	return s.m.CheckPendingActions(ctx, refs, s.progress)
}

func (s *Scheduler) report(action string, err error) {
	if err == nil {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
		s.log.Debug().Str("action", action).Msg("Maintenance succeeded")
		return
	}
	// 关机时被打断不算失败
	if errors.Is(err, context.Canceled) {
		return
	}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	s.log.Error().Err(err).Str("action", action).Msg("Maintenance failed")
}

func (s *Scheduler) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	if s.health != nil {
		s.health.SetServingStatus(MaintenanceService, st)
	}
}
