// Package scheduler — периодический триггер плановых аудитов и уборка зависших run.
// Плановый запуск идет через тот же Submit, что и ручной: те же допуск и запрет дублей.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/engine"
	"github.com/xela07ax/siteaudit/internal/infra"
)

const TriggerSource = "scheduler"

type Targets interface {
	DueTargets(ctx context.Context, now time.Time, limit int) ([]domain.Target, error)
}

type Engine interface {
	Submit(ctx context.Context, req engine.CreateRequest) (*domain.AuditRun, error)
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type Config struct {
	Interval   time.Duration
	BatchSize  int
	StaleAfter time.Duration // running/pending дольше этого закрываются как stale
	LockTTL    time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.Interval
	}
}

// SweepResult — итог одного прохода.
type SweepResult struct {
	Due        int
	Submitted  int
	InProgress int
	Denied     int
	Failed     int
}

type Scheduler struct {
	targets Targets
	engine  Engine
	locker  Locker
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

func New(targets Targets, eng Engine, locker Locker, cfg Config, logger *zap.Logger) *Scheduler {
	cfg.setDefaults()
	if locker == nil {
		locker = LocalLocker{}
	}
	return &Scheduler{
		targets: targets,
		engine:  eng,
		locker:  locker,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.Named("scheduler"),
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run крутит sweep и reclaim каждые Interval до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Reclaim(ctx); err != nil {
		s.logger.Error("reclaim failed", zap.Error(err))
	}
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
	}
}

// Sweep запускает аудиты целей, у которых подошел срок. На кластер выполняется
// одним инстансом: остальные видят занятую блокировку и пропускают проход.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	release, ok, err := s.locker.Acquire(ctx, infra.RedisKeyLockSweep, s.cfg.LockTTL)
	if err != nil || !ok {
		return res, err
	}
	defer release()

	due, err := s.targets.DueTargets(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Due = len(due)

	for _, t := range due {
		run, err := s.engine.Submit(ctx, engine.CreateRequest{
			TenantID:      t.TenantID,
			TargetID:      t.ID,
			Kind:          domain.KindScheduled,
			TriggerSource: TriggerSource,
		})
		switch {
		case err == nil:
			res.Submitted++
		case errors.Is(err, domain.ErrAuditAlreadyInProgress):
			res.InProgress++
		default:
			if reason, denied := domain.DenialOf(err); denied {
				res.Denied++
				s.logger.Info("scheduled audit denied",
					zap.String("target_id", t.ID), zap.String("tenant_id", t.TenantID),
					zap.String("reason", string(reason)))
				continue
			}
			res.Failed++
			fields := []zap.Field{zap.String("target_id", t.ID), zap.Error(err)}
			if run != nil {
				fields = append(fields, zap.String("run_id", run.ID))
			}
			s.logger.Error("scheduled audit submit failed", fields...)
		}
	}

	if res.Due > 0 {
		s.logger.Info("sweep finished",
			zap.Int("due", res.Due),
			zap.Int("submitted", res.Submitted),
			zap.Int("in_progress", res.InProgress),
			zap.Int("denied", res.Denied),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

// Reclaim закрывает зависшие run, чтобы они не держали слоты параллельности.
func (s *Scheduler) Reclaim(ctx context.Context) (int, error) {
	release, ok, err := s.locker.Acquire(ctx, infra.RedisKeyLockReclaim, s.cfg.LockTTL)
	if err != nil || !ok {
		return 0, err
	}
	defer release()
	return s.engine.ReclaimStale(ctx, s.cfg.StaleAfter)
}
