package scoring

import (
	"fmt"
	"math"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// Домены итоговой оценки.
const (
	DomainPerformance   = "performance"
	DomainSEO           = "seo"
	DomainSecurity      = "security"
	DomainAccessibility = "accessibility"
)

// Штрафы Core Web Vitals к доменной оценке performance.
var cwvPenalties = map[domain.MetricType]struct{ NeedsImprovement, Poor float64 }{
	domain.MetricLCP: {NeedsImprovement: 25, Poor: 50},
	domain.MetricINP: {NeedsImprovement: 15, Poor: 30},
	domain.MetricFID: {NeedsImprovement: 15, Poor: 30},
	domain.MetricCLS: {NeedsImprovement: 10, Poor: 20},
}

// Weights — веса доменов в итоговой оценке.
type Weights struct {
	Performance   float64
	SEO           float64
	Security      float64
	Accessibility float64
}

func (w Weights) of(name string) float64 {
	switch name {
	case DomainPerformance:
		return w.Performance
	case DomainSEO:
		return w.SEO
	case DomainSecurity:
		return w.Security
	case DomainAccessibility:
		return w.Accessibility
	}
	return 0
}

// WeightsFor возвращает веса профиля.
func WeightsFor(profile domain.ScoreProfile) (Weights, error) {
	switch profile {
	case domain.ProfileComprehensive, "":
		return Weights{Performance: 0.4, SEO: 0.2, Security: 0.2, Accessibility: 0.2}, nil
	case domain.ProfileCore:
		return Weights{Performance: 0.4, SEO: 0.3, Security: 0.3}, nil
	}
	return Weights{}, fmt.Errorf("unknown score profile %q", profile)
}

// categoryDomains — категорийная метрика, которая напрямую задает доменную оценку.
var categoryDomains = map[domain.MetricType]string{
	domain.MetricSEOScore:           DomainSEO,
	domain.MetricSecurityScore:      DomainSecurity,
	domain.MetricAccessibilityScore: DomainAccessibility,
}

// Result — результат агрегации одного набора метрик.
type Result struct {
	Overall     int
	LetterGrade string
	// Domains содержит только домены, для которых были данные.
	Domains map[string]int
	Samples []domain.MetricSample
}

// Aggregate классифицирует все метрики набора и считает итоговый балл.
// Отсутствующий домен дает 0, но его вес сохраняется: неизвестное считаем плохим.
func Aggregate(bag domain.RawMetricBag, profile domain.ScoreProfile) (*Result, error) {
	weights, err := WeightsFor(profile)
	if err != nil {
		return nil, err
	}
	if err := bag.Validate(); err != nil {
		return nil, err
	}

	samples := make([]domain.MetricSample, 0, len(bag))
	index := make(map[domain.MetricType]int, len(bag))

	for _, key := range bag.Keys() {
		metric, known, err := MetricForKey(key)
		if err != nil {
			return nil, err
		}
		if !known {
			continue
		}
		if _, dup := index[metric]; dup {
			// tbt_ms — алиас total_blocking_time_ms; первый по порядку ключей выигрывает
			continue
		}
		value, ok := bag.Number(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be numeric", domain.ErrMalformedMetricBag, key)
		}
		grade, err := Classify(metric, value)
		if err != nil {
			return nil, err
		}
		t, _ := ThresholdFor(metric)
		index[metric] = len(samples)
		samples = append(samples, domain.MetricSample{
			Type:  metric,
			Key:   key,
			Value: value,
			Unit:  t.Unit,
			Grade: grade,
		})
	}

	domains := make(map[string]int, 4)

	// performance: 100 - штрафы CWV; INP важнее FID, если есть оба
	cwv := []domain.MetricType{domain.MetricLCP, domain.MetricINP, domain.MetricCLS}
	if _, hasINP := index[domain.MetricINP]; !hasINP {
		cwv[1] = domain.MetricFID
	}
	perf, hasCWV := 100.0, false
	for _, m := range cwv {
		i, ok := index[m]
		if !ok {
			continue
		}
		hasCWV = true
		p := penalty(m, samples[i].Grade)
		perf -= p
		samples[i].Contribution = -p
	}
	if hasCWV {
		domains[DomainPerformance] = int(math.Max(perf, 0))
	} else if i, ok := index[domain.MetricPerformanceScore]; ok {
		s := clampScore(samples[i].Value)
		domains[DomainPerformance] = s
		samples[i].Contribution = weights.Performance * float64(s)
	}

	for metric, name := range categoryDomains {
		i, ok := index[metric]
		if !ok {
			continue
		}
		s := clampScore(samples[i].Value)
		domains[name] = s
		samples[i].Contribution = weights.of(name) * float64(s)
	}

	var total float64
	for _, name := range []string{DomainPerformance, DomainSEO, DomainSecurity, DomainAccessibility} {
		total += weights.of(name) * float64(domains[name])
	}
	overall := clampScore(total)

	return &Result{
		Overall:     overall,
		LetterGrade: LetterGrade(overall),
		Domains:     domains,
		Samples:     samples,
	}, nil
}

func penalty(metric domain.MetricType, grade domain.Grade) float64 {
	p := cwvPenalties[metric]
	switch grade {
	case domain.GradePoor:
		return p.Poor
	case domain.GradeNeedsImprovement:
		return p.NeedsImprovement
	}
	return 0
}

// clampScore округляет половину от нуля и зажимает в [0,100].
func clampScore(v float64) int {
	r := math.Round(v)
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return int(r)
}

// LetterGrade: A >= 90, B >= 80, C >= 70, D >= 60, иначе F.
func LetterGrade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	}
	return "F"
}
