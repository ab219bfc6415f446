package scoring

import (
	"fmt"
	"math"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// Classify оценивает одно значение метрики.
// Для lower-is-better: value <= good -> good, value >= poor -> poor, иначе needs_improvement.
// Для higher-is-better сравнения зеркальные.
func Classify(metric domain.MetricType, value float64) (domain.Grade, error) {
	t, err := ThresholdFor(metric)
	if err != nil {
		return "", err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return "", fmt.Errorf("%w: %s=%v", domain.ErrMalformedMetricBag, metric, value)
	}

	switch t.Direction {
	case HigherIsBetter:
		switch {
		case value >= t.Good:
			return domain.GradeGood, nil
		case value <= t.Poor:
			return domain.GradePoor, nil
		}
	default:
		switch {
		case value <= t.Good:
			return domain.GradeGood, nil
		case value >= t.Poor:
			return domain.GradePoor, nil
		}
	}
	return domain.GradeNeedsImprovement, nil
}
