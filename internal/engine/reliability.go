package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/siteaudit/internal/collector"
	"github.com/xela07ax/siteaudit/internal/domain"
)

type ReliabilityConfig struct {
	RatePerSecond   float64
	Burst           int
	MaxAttempts     uint
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	AttemptTimeout  time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (c *ReliabilityConfig) setDefaults() {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 20 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// ReliableCollector оборачивает коллектор: rate limiter -> circuit breaker -> retry с бэкоффом.
// Ретраятся только транзиентные ошибки; ValidationError уходит наверх с первой попытки
// и не размыкает предохранитель.
type ReliableCollector struct {
	next    collector.Collector
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
	metrics *Metrics
	logger  *zap.Logger
}

func NewReliableCollector(name string, next collector.Collector, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliableCollector {
	cfg.setDefaults()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger = logger.Named("collector").With(zap.String("collector", name))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout, // через сколько CB попробует полуоткрыться
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// Плохой URL — не повод считать коллектор больным
			return err == nil || !collector.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &ReliableCollector{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Measure реализует collector.Collector.
func (w *ReliableCollector) Measure(ctx context.Context, url string, opts collector.Options) (domain.RawMetricBag, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		if ctx.Err() == nil {
			// Wait отказывает сразу, если токен не успеет до дедлайна: для run это таймаут
			return nil, fmt.Errorf("collector rate limit: %w (%v)", context.DeadlineExceeded, err)
		}
		return nil, fmt.Errorf("collector rate limit: %w", err)
	}

	result, err := w.cb.Execute(func() (interface{}, error) {
		var bag domain.RawMetricBag

		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.MaxAttempts),
			retry.Delay(w.cfg.BaseDelay),
			retry.MaxDelay(w.cfg.MaxDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(collector.IsTransient),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Коллектор сам сказал, сколько ждать
				var tErr *collector.ThrottleError
				if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
			retry.OnRetry(func(n uint, err error) {
				w.logger.Warn("collector attempt failed, retrying",
					zap.Uint("attempt", n+1), zap.String("url", url), zap.Error(err))
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
			defer cancel()

			b, callErr := w.next.Measure(tCtx, url, opts)
			if callErr != nil {
				w.metrics.CollectorErrors.WithLabelValues(errorType(callErr)).Inc()
				return callErr
			}
			bag = b
			return nil
		})

		return bag, retryErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			w.metrics.CollectorErrors.WithLabelValues("breaker_open").Inc()
			return nil, &collector.TransientError{Op: "collector.breaker", Cause: err}
		}
		return nil, err
	}

	return result.(domain.RawMetricBag), nil
}

func errorType(err error) string {
	var (
		v  *collector.ValidationError
		th *collector.ThrottleError
	)
	switch {
	case errors.As(err, &v):
		return "validation"
	case errors.As(err, &th):
		return "throttle"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "transient"
}
