package engine

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// Consumer — независимый потребитель завершенного run (детектор деградации, рекомендации).
// Должен быть идемпотентным: его могут вызвать ноль или несколько раз.
type Consumer interface {
	Name() string
	Handle(ctx context.Context, run *domain.AuditRun) error
}

type FollowupConfig struct {
	Attempts    uint
	Delay       time.Duration
	Timeout     time.Duration
	Concurrency int
}

// Followups асинхронно раздает терминальные run потребителям.
// Ошибка потребителя логируется и ретраится, но никогда не трогает сам run.
type Followups struct {
	consumers []Consumer
	cfg       FollowupConfig
	sem       chan struct{}
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	metrics   *Metrics
	logger    *zap.Logger
}

func NewFollowups(cfg FollowupConfig, metrics *Metrics, logger *zap.Logger, consumers ...Consumer) *Followups {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Followups{
		consumers: consumers,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.Concurrency),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   metrics,
		logger:    logger.Named("followups"),
	}
}

// Dispatch не блокирует вызывающего.
func (f *Followups) Dispatch(run domain.AuditRun) {
	for _, c := range f.consumers {
		f.wg.Add(1)
		go f.deliver(c, run)
	}
}

func (f *Followups) deliver(c Consumer, run domain.AuditRun) {
	defer f.wg.Done()

	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	case <-f.ctx.Done():
		return
	}

	log := f.logger.With(zap.String("consumer", c.Name()), zap.String("run_id", run.ID))
	err := retry.New(
		retry.Context(f.ctx),
		retry.Attempts(f.cfg.Attempts),
		retry.Delay(f.cfg.Delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("followup failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(func() error {
		ctx, cancel := context.WithTimeout(f.ctx, f.cfg.Timeout)
		defer cancel()
		return c.Handle(ctx, &run)
	})
	if err != nil {
		f.metrics.FollowupErrors.WithLabelValues(c.Name()).Inc()
		log.Error("followup gave up", zap.Error(err))
	}
}

// Stop ждет завершения доставок; по истечении ctx отменяет оставшиеся.
func (f *Followups) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		f.cancel()
		<-done
	}
	f.cancel()
}

// Wait блокирует до завершения уже отправленных доставок (тесты, CLI sweep).
func (f *Followups) Wait() {
	f.wg.Wait()
}
