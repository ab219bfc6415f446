// Package collector — граница с внешним измерителем страниц.
// Движок не знает, как собираются метрики: браузер, синтетический HTTP-зонд или что-то еще.
package collector

import (
	"context"
	"time"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// Options — параметры одного измерения.
type Options struct {
	Profile domain.ScoreProfile
	Device  string // mobile | desktop
	// Timeout — подсказка коллектору; жесткий таймаут ставит вызывающая сторона через ctx.
	Timeout time.Duration
}

// Collector измеряет страницу и возвращает плоский набор метрик.
type Collector interface {
	Measure(ctx context.Context, url string, opts Options) (domain.RawMetricBag, error)
}

// Func — адаптер функции к Collector.
type Func func(ctx context.Context, url string, opts Options) (domain.RawMetricBag, error)

func (f Func) Measure(ctx context.Context, url string, opts Options) (domain.RawMetricBag, error) {
	return f(ctx, url, opts)
}
