package collector

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// Fake — детерминированный коллектор для тестов и локального запуска.
// Для каждого URL можно задать набор метрик и очередь ошибок: ошибки отдаются
// по одной на вызов, после их исчерпания возвращается набор.
type Fake struct {
	mu     sync.Mutex
	bags   map[string]domain.RawMetricBag
	errs   map[string][]error
	calls  map[string]int
	delay  time.Duration
	gate   chan struct{}
	synth  bool
	hookFn func(url string)
}

func NewFake() *Fake {
	return &Fake{
		bags:  make(map[string]domain.RawMetricBag),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

// NewSynthetic — Fake, который для незнакомых URL строит стабильный набор по хешу URL.
func NewSynthetic() *Fake {
	f := NewFake()
	f.synth = true
	return f
}

func (f *Fake) Set(url string, bag domain.RawMetricBag) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bags[url] = bag.Clone()
	return f
}

// FailWith ставит ошибки в очередь для URL.
func (f *Fake) FailWith(url string, errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = append(f.errs[url], errs...)
	return f
}

// WithDelay имитирует время измерения (уважает ctx).
func (f *Fake) WithDelay(d time.Duration) *Fake {
	f.delay = d
	return f
}

// Gate блокирует Measure до закрытия канала или отмены ctx.
func (f *Fake) Gate(ch chan struct{}) *Fake {
	f.gate = ch
	return f
}

// OnCall вызывается в начале каждого Measure.
func (f *Fake) OnCall(fn func(url string)) *Fake {
	f.hookFn = fn
	return f
}

// Calls — сколько раз коллектор вызывали для URL.
func (f *Fake) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *Fake) Measure(ctx context.Context, url string, _ Options) (domain.RawMetricBag, error) {
	f.mu.Lock()
	f.calls[url]++
	var err error
	if q := f.errs[url]; len(q) > 0 {
		err, f.errs[url] = q[0], q[1:]
	}
	bag, ok := f.bags[url]
	hook := f.hookFn
	f.mu.Unlock()

	if hook != nil {
		hook(url)
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}
	if ok {
		return bag.Clone(), nil
	}
	if f.synth {
		return synthesize(url), nil
	}
	return nil, Invalid("no fixture for %s", url)
}

// synthesize строит правдоподобный набор из хеша URL: один и тот же URL — один и тот же результат.
func synthesize(url string) domain.RawMetricBag {
	h := fnv.New64a()
	_, _ = h.Write([]byte(url))
	seed := h.Sum64()

	pick := func(shift uint, lo, span float64) float64 {
		return lo + float64((seed>>shift)%1000)/1000*span
	}
	return domain.RawMetricBag{
		"lcp_ms":              float64(int(pick(0, 1200, 4000))),
		"inp_ms":              float64(int(pick(8, 80, 500))),
		"cls_score":           float64(int(pick(16, 0, 300))) / 1000,
		"ttfb_ms":             float64(int(pick(24, 150, 1800))),
		"fcp_ms":              float64(int(pick(32, 800, 2800))),
		"seo_score":           float64(int(pick(40, 55, 45))),
		"security_score":      float64(int(pick(48, 50, 50))),
		"accessibility_score": float64(int(pick(56, 45, 55))),
		"https_enabled":       seed%7 != 0,
		"images_without_alt":  float64(seed % 13),
	}
}
