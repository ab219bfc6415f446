package degradation

import (
	"fmt"
	"math"
	"time"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// Config — пороги детектора. Все значения переопределяются конфигом.
type Config struct {
	Window        time.Duration // окно истории (30 дней)
	MaxHistory    int           // сколько последних run брать в базовую линию
	DropThreshold float64       // падение относительно среднего, баллов
	AbsoluteFloor float64       // ниже этого — алерт независимо от падения
	CriticalBelow float64       // ниже этого — critical
}

func DefaultConfig() Config {
	return Config{
		Window:        30 * 24 * time.Hour,
		MaxHistory:    50,
		DropThreshold: 20,
		AbsoluteFloor: 50,
		CriticalBelow: 30,
	}
}

// Detect сравнивает завершенный run с историей цели.
// history — предыдущие completed run той же цели (без самого run).
// Без истории базовой линии нет, алерт не поднимается даже ниже пола.
func Detect(run *domain.AuditRun, samples []domain.MetricSample, history []domain.AuditRun, cfg Config) *domain.Alert {
	if run == nil || run.State != domain.StateCompleted || run.Score == nil {
		return nil
	}

	scores := make([]float64, 0, len(history))
	for _, h := range history {
		if h.ID == run.ID || h.Score == nil || h.TargetID != run.TargetID {
			continue
		}
		scores = append(scores, float64(*h.Score))
		if cfg.MaxHistory > 0 && len(scores) >= cfg.MaxHistory {
			break
		}
	}
	if len(scores) == 0 {
		return nil
	}

	score := float64(*run.Score)
	mean := Mean(scores)
	drop := mean - score

	var reasons []string
	if score < mean-cfg.DropThreshold {
		reasons = append(reasons, fmt.Sprintf("score dropped %.1f points below baseline %.1f (threshold %.0f)", drop, mean, cfg.DropThreshold))
	}
	if score < cfg.AbsoluteFloor {
		reasons = append(reasons, fmt.Sprintf("score %d is below floor %.0f", *run.Score, cfg.AbsoluteFloor))
	}
	if len(reasons) == 0 {
		return nil
	}

	severity := domain.SeverityHigh
	if score < cfg.CriticalBelow {
		severity = domain.SeverityCritical
	}

	var poor []domain.PoorMetric
	for _, s := range samples {
		if s.Grade == domain.GradePoor {
			poor = append(poor, domain.PoorMetric{Type: s.Type, Value: s.Value, Unit: s.Unit})
		}
	}

	return &domain.Alert{
		TenantID: run.TenantID,
		TargetID: run.TargetID,
		RunID:    run.ID,
		Severity: severity,
		Status:   domain.AlertActive,
		Payload: domain.AlertPayload{
			Score:          *run.Score,
			BaselineMean:   round1(mean),
			BaselineStdDev: round1(StdDev(scores, false)),
			BaselineRuns:   len(scores),
			Drop:           round1(drop),
			Reasons:        reasons,
			PoorMetrics:    poor,
		},
	}
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func StdDev(values []float64, population bool) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	denom := float64(len(values))
	if !population {
		if len(values) < 2 {
			return 0
		}
		denom = float64(len(values) - 1)
	}
	return math.Sqrt(sum / denom)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
