package scoring

import (
	"fmt"
	"strings"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// Direction задает, в какую сторону значение метрики "лучше".
type Direction int

const (
	LowerIsBetter Direction = iota
	HigherIsBetter
)

// Threshold — пара границ (good, poor) для одной метрики.
type Threshold struct {
	Good      float64
	Poor      float64
	Direction Direction
	Unit      string
}

var thresholds = map[domain.MetricType]Threshold{
	domain.MetricLCP:               {Good: 2500, Poor: 4000, Direction: LowerIsBetter, Unit: "ms"},
	domain.MetricFID:               {Good: 100, Poor: 300, Direction: LowerIsBetter, Unit: "ms"},
	domain.MetricINP:               {Good: 200, Poor: 500, Direction: LowerIsBetter, Unit: "ms"},
	domain.MetricCLS:               {Good: 0.10, Poor: 0.25, Direction: LowerIsBetter, Unit: "score"},
	domain.MetricTTFB:              {Good: 800, Poor: 1800, Direction: LowerIsBetter, Unit: "ms"},
	domain.MetricFCP:               {Good: 1800, Poor: 3000, Direction: LowerIsBetter, Unit: "ms"},
	domain.MetricSpeedIndex:        {Good: 3400, Poor: 5800, Direction: LowerIsBetter, Unit: "ms"},
	domain.MetricTotalBlockingTime: {Good: 200, Poor: 600, Direction: LowerIsBetter, Unit: "ms"},

	// Категорийные оценки (Lighthouse-подобные), 0..100
	domain.MetricPerformanceScore:   {Good: 90, Poor: 50, Direction: HigherIsBetter, Unit: "points"},
	domain.MetricSEOScore:           {Good: 90, Poor: 50, Direction: HigherIsBetter, Unit: "points"},
	domain.MetricSecurityScore:      {Good: 90, Poor: 50, Direction: HigherIsBetter, Unit: "points"},
	domain.MetricAccessibilityScore: {Good: 90, Poor: 50, Direction: HigherIsBetter, Unit: "points"},
	domain.MetricBestPracticesScore: {Good: 90, Poor: 50, Direction: HigherIsBetter, Unit: "points"},
}

// ThresholdFor возвращает пороги метрики.
func ThresholdFor(metric domain.MetricType) (Threshold, error) {
	t, ok := thresholds[metric]
	if !ok {
		return Threshold{}, fmt.Errorf("%w: %q", domain.ErrUnknownMetricType, metric)
	}
	return t, nil
}

// KnownMetrics — все метрики, которые понимает классификатор, в стабильном порядке.
func KnownMetrics() []domain.MetricType {
	return []domain.MetricType{
		domain.MetricLCP, domain.MetricFID, domain.MetricINP, domain.MetricCLS,
		domain.MetricTTFB, domain.MetricFCP, domain.MetricSpeedIndex, domain.MetricTotalBlockingTime,
		domain.MetricPerformanceScore, domain.MetricSEOScore, domain.MetricSecurityScore,
		domain.MetricAccessibilityScore, domain.MetricBestPracticesScore,
	}
}

// bagKeys — ключи RawMetricBag, которые маппятся на метрики.
var bagKeys = map[string]domain.MetricType{
	"lcp_ms":                 domain.MetricLCP,
	"fid_ms":                 domain.MetricFID,
	"inp_ms":                 domain.MetricINP,
	"cls_score":              domain.MetricCLS,
	"ttfb_ms":                domain.MetricTTFB,
	"fcp_ms":                 domain.MetricFCP,
	"speed_index_ms":         domain.MetricSpeedIndex,
	"total_blocking_time_ms": domain.MetricTotalBlockingTime,
	"tbt_ms":                 domain.MetricTotalBlockingTime,
	"performance_score":      domain.MetricPerformanceScore,
	"seo_score":              domain.MetricSEOScore,
	"security_score":         domain.MetricSecurityScore,
	"accessibility_score":    domain.MetricAccessibilityScore,
	"best_practices_score":   domain.MetricBestPracticesScore,
}

// MetricForKey разбирает ключ сырого набора.
// known=false без ошибки — вспомогательный сигнал (https_enabled, images_without_alt, ...).
// Ключ "в форме метрики" (_ms, _score), которого нет в таблице, — ErrUnknownMetricType:
// это рассинхрон версий коллектора и классификатора, молча пропускать его нельзя.
func MetricForKey(key string) (metric domain.MetricType, known bool, err error) {
	if m, ok := bagKeys[key]; ok {
		return m, true, nil
	}
	if strings.HasSuffix(key, "_ms") || strings.HasSuffix(key, "_score") {
		return "", false, fmt.Errorf("%w: bag key %q", domain.ErrUnknownMetricType, key)
	}
	return "", false, nil
}
