package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// MetricType — закрытый перечень метрик, которые умеет оценивать классификатор.
type MetricType string

const (
	MetricLCP                MetricType = "lcp"
	MetricFID                MetricType = "fid"
	MetricINP                MetricType = "inp"
	MetricCLS                MetricType = "cls"
	MetricTTFB               MetricType = "ttfb"
	MetricFCP                MetricType = "fcp"
	MetricSpeedIndex         MetricType = "speed_index"
	MetricTotalBlockingTime  MetricType = "total_blocking_time"
	MetricPerformanceScore   MetricType = "performance_score"
	MetricSEOScore           MetricType = "seo_score"
	MetricSecurityScore      MetricType = "security_score"
	MetricAccessibilityScore MetricType = "accessibility_score"
	MetricBestPracticesScore MetricType = "best_practices_score"
)

// Grade — трехуровневая оценка одной метрики.
type Grade string

const (
	GradeGood             Grade = "good"
	GradeNeedsImprovement Grade = "needs_improvement"
	GradePoor             Grade = "poor"
)

// Rank упорядочивает оценки от лучшей к худшей (0 — good).
func (g Grade) Rank() int {
	switch g {
	case GradeGood:
		return 0
	case GradeNeedsImprovement:
		return 1
	case GradePoor:
		return 2
	}
	return -1
}

// MetricSample — классифицированное измерение, принадлежащее AuditRun.
type MetricSample struct {
	RunID        string     `json:"run_id"`
	Type         MetricType `json:"type"`
	Key          string     `json:"key"`
	Value        float64    `json:"value"`
	Unit         string     `json:"unit"`
	Grade        Grade      `json:"grade"`
	Contribution float64    `json:"contribution"`
}

// RawMetricBag — плоская карта key -> number|bool от коллектора.
// Движок не знает, как именно собирались данные.
type RawMetricBag map[string]any

// Number возвращает числовое значение ключа. bool не считается числом.
func (b RawMetricBag) Number(key string) (float64, bool) {
	v, ok := b[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// Bool возвращает булево значение ключа.
func (b RawMetricBag) Bool(key string) (bool, bool) {
	v, ok := b[key].(bool)
	return v, ok
}

// Keys возвращает ключи в стабильном порядке.
func (b RawMetricBag) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate отсекает "битые" ответы коллектора: допустимы только числа и bool,
// числа должны быть конечными, ключи непустыми.
func (b RawMetricBag) Validate() error {
	for _, key := range b.Keys() {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: empty key", ErrMalformedMetricBag)
		}
		switch v := b[key].(type) {
		case bool:
		case float64, float32, int, int32, int64:
			n, _ := b.Number(key)
			if math.IsNaN(n) || math.IsInf(n, 0) {
				return fmt.Errorf("%w: %s is not finite", ErrMalformedMetricBag, key)
			}
		default:
			return fmt.Errorf("%w: %s has unsupported type %T", ErrMalformedMetricBag, key, v)
		}
	}
	return nil
}

// Clone — глубокая копия (значения скалярные).
func (b RawMetricBag) Clone() RawMetricBag {
	if b == nil {
		return nil
	}
	out := make(RawMetricBag, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
