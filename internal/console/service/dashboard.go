package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// DashboardRepository — чтение данных тенанта для сводки.
type DashboardRepository interface {
	ListTargets(ctx context.Context, tenantID string) ([]domain.Target, error)
	GetTarget(ctx context.Context, id string) (*domain.Target, error)
	ListRuns(ctx context.Context, tenantID, targetID string, limit int) ([]domain.AuditRun, error)
	ListAlerts(ctx context.Context, tenantID string, status domain.AlertStatus, limit int) ([]domain.Alert, error)
	Quota(ctx context.Context, tenantID string) (*domain.TenantQuota, error)
}

type PlanSource interface {
	PlanFor(ctx context.Context, tenantID string) (*domain.Plan, error)
}

type DashboardConfig struct {
	RunSample  int // сколько последних run брать в статистику
	AlertLimit int
}

type DashboardService struct {
	repo   DashboardRepository
	plans  PlanSource
	cfg    DashboardConfig
	now    func() time.Time
	logger *zap.Logger
}

func NewDashboardService(repo DashboardRepository, plans PlanSource, cfg DashboardConfig, logger *zap.Logger) *DashboardService {
	if cfg.RunSample <= 0 {
		cfg.RunSample = 200
	}
	if cfg.AlertLimit <= 0 {
		cfg.AlertLimit = 500
	}
	return &DashboardService{
		repo:   repo,
		plans:  plans,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Named("dashboard-service"),
	}
}

func (s *DashboardService) WithClock(now func() time.Time) *DashboardService {
	s.now = now
	return s
}

// Tenant собирает сводку. Отсутствие плана — не ошибка: консоль показывает пустой тариф.
func (s *DashboardService) Tenant(ctx context.Context, tenantID string) (*domain.TenantDashboard, error) {
	now := s.now()
	d := &domain.TenantDashboard{TenantID: tenantID, GeneratedAt: now}

	plan, err := s.plans.PlanFor(ctx, tenantID)
	switch {
	case err == nil:
		if plan.IsActiveAt(now) {
			d.Plan = plan
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("dashboard: plan: %w", err)
	}

	quota, err := s.repo.Quota(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("dashboard: quota: %w", err)
	}
	d.Quota = *quota
	// период еще не сброшен допуском: показываем ноль, а не прошлый месяц
	if d.Quota.PeriodStart.Before(domain.MonthStart(now)) {
		d.Quota.MonthlyUsed = 0
	}

	targets, err := s.repo.ListTargets(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("dashboard: targets: %w", err)
	}
	for _, t := range targets {
		d.Targets.Total++
		if t.Active {
			d.Targets.Active++
			if t.MonitoringInterval > 0 {
				d.Targets.Scheduled++
			}
		}
	}

	runs, err := s.repo.ListRuns(ctx, tenantID, "", s.cfg.RunSample)
	if err != nil {
		return nil, fmt.Errorf("dashboard: runs: %w", err)
	}
	d.Runs = runStats(runs)

	var open []domain.Alert
	for _, status := range []domain.AlertStatus{domain.AlertActive, domain.AlertAcknowledged} {
		alerts, err := s.repo.ListAlerts(ctx, tenantID, status, s.cfg.AlertLimit)
		if err != nil {
			return nil, fmt.Errorf("dashboard: %s alerts: %w", status, err)
		}
		open = append(open, alerts...)
	}
	d.Alerts = alertStats(open)

	s.logger.Debug("dashboard built",
		zap.String("tenant_id", tenantID),
		zap.Int("runs_sampled", d.Runs.Sampled),
		zap.Int("active_alerts", d.Alerts.Active))
	return d, nil
}

// TargetHistory — баллы завершенных run цели, от старых к новым.
func (s *DashboardService) TargetHistory(ctx context.Context, tenantID, targetID string, limit int) ([]domain.ScorePoint, error) {
	t, err := s.repo.GetTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if t.TenantID != tenantID {
		return nil, fmt.Errorf("dashboard: target %s: %w", targetID, domain.ErrNotFound)
	}

	runs, err := s.repo.ListRuns(ctx, tenantID, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("dashboard: runs of %s: %w", targetID, err)
	}
	points := make([]domain.ScorePoint, 0, len(runs))
	for _, r := range runs {
		if r.State != domain.StateCompleted || r.Score == nil || r.CompletedAt == nil {
			continue
		}
		points = append(points, domain.ScorePoint{
			RunID:       r.ID,
			Score:       *r.Score,
			Grade:       r.LetterGrade,
			CompletedAt: *r.CompletedAt,
		})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].CompletedAt.Before(points[j].CompletedAt)
	})
	return points, nil
}

func runStats(runs []domain.AuditRun) domain.RunStats {
	st := domain.RunStats{
		Sampled:     len(runs),
		ByState:     make(map[domain.RunState]int),
		GradeCounts: make(map[string]int),
	}
	var sum, n int
	for _, r := range runs {
		st.ByState[r.State]++
		if r.State == domain.StateCompleted && r.Score != nil {
			sum += *r.Score
			n++
			st.GradeCounts[r.LetterGrade]++
		}
	}
	if n > 0 {
		avg := float64(sum) / float64(n)
		st.AverageScore = &avg
	}
	return st
}

func alertStats(alerts []domain.Alert) domain.AlertStats {
	st := domain.AlertStats{BySeverity: make(map[domain.Severity]int)}
	for _, a := range alerts {
		switch a.Status {
		case domain.AlertActive:
			st.Active++
		case domain.AlertAcknowledged:
			st.Acknowledged++
		default:
			continue
		}
		st.BySeverity[a.Severity]++
	}
	return st
}
