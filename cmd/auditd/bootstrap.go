package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/admission"
	"github.com/xela07ax/siteaudit/internal/collector"
	"github.com/xela07ax/siteaudit/internal/degradation"
	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/engine"
	"github.com/xela07ax/siteaudit/internal/infra"
	"github.com/xela07ax/siteaudit/internal/journal"
	"github.com/xela07ax/siteaudit/internal/notify"
	"github.com/xela07ax/siteaudit/internal/recommend"
	"github.com/xela07ax/siteaudit/internal/repository/memory"
	"github.com/xela07ax/siteaudit/internal/repository/postgres"
	"github.com/xela07ax/siteaudit/internal/scheduler"
	"github.com/xela07ax/siteaudit/internal/targets"
)

// storage — всё, что сервисы ждут от хранилища. Реализуют postgres.Store и memory.Store.
type storage interface {
	engine.Store
	admission.Store
	admission.PlanRepository
	degradation.Store
	recommend.Store
	targets.Store
	journal.Storage
	scheduler.Targets
	ListTransitions(ctx context.Context, runID string) ([]domain.TransitionEvent, error)
	Ping(ctx context.Context) error
	Close()
}

// openStorage: postgres при заданном database.url, иначе in-memory.
func openStorage(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (storage, error) {
	if cfg.Database.URL == "" {
		logger.Warn("database.url is empty, using in-memory storage")
		return memory.New(), nil
	}
	st, err := postgres.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// seedPlans записывает планы из конфига (upsert). Биллинг пишет в ту же таблицу.
func seedPlans(ctx context.Context, st storage, plans []infra.PlanConfig) error {
	for _, pc := range plans {
		p := domain.Plan{
			TenantID:         pc.TenantID,
			Name:             pc.Name,
			Active:           true,
			MaxWebsites:      pc.MaxWebsites,
			MonthlyAudits:    pc.MonthlyAudits,
			ConcurrentAudits: pc.ConcurrentAudits,
			HourlyAudits:     pc.HourlyAudits,
		}
		switch s := st.(type) {
		case *postgres.Store:
			if err := s.PutPlan(ctx, p); err != nil {
				return fmt.Errorf("seed plan %s: %w", p.TenantID, err)
			}
		case *memory.Store:
			s.PutPlan(p)
		}
	}
	return nil
}

// openRedis возвращает nil, если redis.addr не задан.
func openRedis(ctx context.Context, cfg infra.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// pipeline — собранное ядро: допуск, коллектор, журнал, движок и его потребители.
type pipeline struct {
	plans     *admission.PlanCache
	admission *admission.Controller
	engine    *engine.Engine
	followups *engine.Followups
	journal   *journal.Journal
	notifier  *notify.Notifier
	alerts    *degradation.Service
	recs      *recommend.Service
	rules     *recommend.RuleBook

	closers []func()
}

func buildPipeline(ctx context.Context, cfg *infra.Config, st storage, rdb *redis.Client, metrics *engine.Metrics, logger *zap.Logger) (*pipeline, error) {
	p := &pipeline{}

	// 1. Допуск: планы читаются из хранилища в RAM
	if err := seedPlans(ctx, st, cfg.Admission.Plans); err != nil {
		return nil, err
	}
	p.plans = admission.NewPlanCache(st, logger)
	if err := p.plans.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	p.admission = admission.NewController(p.plans, st, admission.Config{
		DefaultHourlyLimit: cfg.Admission.DefaultHourlyLimit,
	}, logger)

	// 2. Коллектор в обертке надежности
	coll, err := p.buildCollector(cfg.Collector, metrics, logger)
	if err != nil {
		return nil, err
	}

	// 3. Журнал переходов пишется пачками в фоне
	p.journal = journal.New(st, journal.Config{
		BufferSize:    cfg.Engine.JournalBufferSize,
		BatchSize:     cfg.Engine.JournalBatchSize,
		FlushInterval: cfg.Engine.JournalFlushInterval,
	}, logger)
	p.journal.OnBufferFill(func(n int) { metrics.JournalBufferFill.Set(float64(n)) })

	// 4. Уведомления об алертах
	var publishers []notify.Publisher
	if rdb != nil {
		publishers = append(publishers, notify.NewRedisPublisher(rdb, infra.RedisChanAlertsRaised))
	}
	if cfg.NATS.URL != "" {
		np, err := notify.NewNATSPublisher(cfg.NATS.URL, infra.NATSSubjectAlertsRaised)
		if err != nil {
			p.close()
			return nil, fmt.Errorf("nats %s: %w", cfg.NATS.URL, err)
		}
		publishers = append(publishers, np)
		p.closers = append(p.closers, np.Close)
	}
	p.notifier = notify.New(notify.Config{
		BufferSize:     cfg.Notify.BufferSize,
		PublishTimeout: cfg.Notify.PublishTimeout,
	}, logger, publishers...)

	// 5. Потребители завершенных run
	p.alerts = degradation.NewService(st, p.notifier, degradation.Config{
		Window:        cfg.Degradation.Window,
		MaxHistory:    cfg.Degradation.MaxHistory,
		DropThreshold: cfg.Degradation.DropThreshold,
		AbsoluteFloor: float64(cfg.Degradation.AbsoluteFloor),
		CriticalBelow: float64(cfg.Degradation.CriticalBelow),
	}, logger)

	rules := recommend.DefaultRules()
	if cfg.Recommend.RulesPath != "" {
		if rules, err = recommend.LoadRules(cfg.Recommend.RulesPath); err != nil {
			p.close()
			return nil, err
		}
	}
	p.rules = recommend.NewRuleBook(rules)
	p.recs = recommend.NewService(st, p.rules, logger)

	p.followups = engine.NewFollowups(engine.FollowupConfig{
		Attempts:    cfg.Engine.FollowupAttempts,
		Concurrency: cfg.Engine.FollowupConcurrency,
	}, metrics, logger, p.alerts, p.recs)

	// 6. Ядро
	p.engine = engine.New(st, p.admission, coll, p.journal, p.followups, metrics, engine.Config{
		Workers:        cfg.Engine.Workers,
		QueueSize:      cfg.Engine.QueueSize,
		CollectTimeout: cfg.Engine.CollectTimeout,
		Device:         cfg.Engine.Device,
		ReclaimBatch:   cfg.Engine.ReclaimBatch,
	}, logger)

	return p, nil
}

func (p *pipeline) buildCollector(cfg infra.CollectorConfig, metrics *engine.Metrics, logger *zap.Logger) (collector.Collector, error) {
	var (
		base collector.Collector
		name string
	)
	switch {
	case cfg.Synthetic:
		logger.Warn("using synthetic collector, scores are not real measurements")
		base, name = collector.NewSynthetic(), "synthetic"
	case cfg.Addr != "":
		conn, err := collector.Dial(cfg.Addr)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, func() { conn.Close() })
		base, name = collector.NewGRPCCollector(conn, ""), cfg.Addr
	default:
		return nil, errors.New("collector.addr is required (or set collector.synthetic=true)")
	}

	return engine.NewReliableCollector(name, base, engine.ReliabilityConfig{
		RatePerSecond:   cfg.RatePerSecond,
		Burst:           cfg.Burst,
		MaxAttempts:     cfg.MaxAttempts,
		BaseDelay:       cfg.BaseDelay,
		MaxDelay:        cfg.MaxDelay,
		AttemptTimeout:  cfg.AttemptTimeout,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}, metrics, logger), nil
}

func (p *pipeline) start() {
	p.journal.Start()
	p.notifier.Start()
	p.engine.Start()
}

// stop останавливает в порядке зависимостей: движок дочитывает очередь,
// потребители доделывают follow-up, журнал и уведомления сбрасывают буферы.
func (p *pipeline) stop(ctx context.Context) {
	p.engine.Stop(ctx)
	p.followups.Stop(ctx)
	p.journal.Stop()
	p.notifier.Stop()
	p.close()
}

func (p *pipeline) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}

func newScheduler(cfg infra.SchedulerConfig, st storage, eng *engine.Engine, rdb *redis.Client, logger *zap.Logger) *scheduler.Scheduler {
	var locker scheduler.Locker = scheduler.LocalLocker{}
	if rdb != nil {
		locker = scheduler.NewRedisLocker(rdb, logger)
	}
	return scheduler.New(st, eng, locker, scheduler.Config{
		Interval:   cfg.Interval,
		BatchSize:  cfg.BatchSize,
		StaleAfter: cfg.StaleAfter,
	}, logger)
}
