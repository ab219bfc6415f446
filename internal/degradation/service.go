// Package degradation сравнивает завершенный аудит с базовой линией цели
// и поднимает алерты о регрессии. Алерт создается только здесь; дальше его
// статус меняет только оператор.
package degradation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
)

type Store interface {
	CompletedHistory(ctx context.Context, targetID, excludeRunID string, since, until time.Time, limit int) ([]domain.AuditRun, error)
	ListSamples(ctx context.Context, runID string) ([]domain.MetricSample, error)
	CreateAlert(ctx context.Context, a *domain.Alert) (*domain.Alert, bool, error)
	GetAlert(ctx context.Context, id string) (*domain.Alert, error)
	ListAlerts(ctx context.Context, tenantID string, status domain.AlertStatus, limit int) ([]domain.Alert, error)
	UpdateAlertStatus(ctx context.Context, id string, from []domain.AlertStatus, to domain.AlertStatus, actorID string, at time.Time) (*domain.Alert, error)
}

// Notifier получает только что созданные алерты. Не должен блокировать.
type Notifier interface {
	AlertRaised(alert domain.Alert)
}

type Service struct {
	store    Store
	notifier Notifier
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(store Store, notifier Notifier, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("degradation"),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Name() string { return "degradation" }

// Handle — потребитель followup движка.
func (s *Service) Handle(ctx context.Context, run *domain.AuditRun) error {
	_, err := s.Evaluate(ctx, run)
	return err
}

// Evaluate идемпотентен по (target, run): повторный вызов вернет уже существующий алерт
// и не отправит событие второй раз.
func (s *Service) Evaluate(ctx context.Context, run *domain.AuditRun) (*domain.Alert, error) {
	if run.State != domain.StateCompleted || run.Score == nil {
		return nil, nil
	}

	// база — только запуски до этого: повторная или запоздалая оценка дает тот же результат
	until := s.now()
	if run.CompletedAt != nil {
		until = *run.CompletedAt
	}
	history, err := s.store.CompletedHistory(ctx, run.TargetID, run.ID, until.Add(-s.cfg.Window), until, s.cfg.MaxHistory)
	if err != nil {
		return nil, fmt.Errorf("degradation: load history: %w", err)
	}
	samples, err := s.store.ListSamples(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("degradation: load samples: %w", err)
	}

	candidate := Detect(run, samples, history, s.cfg)
	if candidate == nil {
		return nil, nil
	}

	now := s.now()
	candidate.ID = uuid.New().String()
	candidate.CreatedAt = now
	candidate.UpdatedAt = now

	alert, created, err := s.store.CreateAlert(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("degradation: create alert: %w", err)
	}
	if !created {
		s.logger.Debug("alert already exists", zap.String("run_id", run.ID), zap.String("alert_id", alert.ID))
		return alert, nil
	}

	s.logger.Warn("degradation detected",
		zap.String("alert_id", alert.ID),
		zap.String("tenant_id", alert.TenantID),
		zap.String("target_id", alert.TargetID),
		zap.String("severity", string(alert.Severity)),
		zap.Int("score", alert.Payload.Score),
		zap.Float64("baseline", alert.Payload.BaselineMean))
	if s.notifier != nil {
		s.notifier.AlertRaised(*alert)
	}
	return alert, nil
}

// Apply выполняет действие оператора над алертом тенанта.
func (s *Service) Apply(ctx context.Context, tenantID, alertID string, action domain.AlertAction, actorID string) (*domain.Alert, error) {
	to, from, err := action.Target()
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.TenantID != tenantID {
		return nil, fmt.Errorf("degradation: alert %s: %w", alertID, domain.ErrNotFound)
	}
	updated, err := s.store.UpdateAlertStatus(ctx, alertID, from, to, actorID, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("alert status changed",
		zap.String("alert_id", alertID), zap.String("status", string(to)), zap.String("actor", actorID))
	return updated, nil
}

func (s *Service) Acknowledge(ctx context.Context, tenantID, alertID, actorID string) (*domain.Alert, error) {
	return s.Apply(ctx, tenantID, alertID, domain.ActionAcknowledge, actorID)
}

func (s *Service) Resolve(ctx context.Context, tenantID, alertID, actorID string) (*domain.Alert, error) {
	return s.Apply(ctx, tenantID, alertID, domain.ActionResolve, actorID)
}

func (s *Service) Dismiss(ctx context.Context, tenantID, alertID, actorID string) (*domain.Alert, error) {
	return s.Apply(ctx, tenantID, alertID, domain.ActionDismiss, actorID)
}

func (s *Service) List(ctx context.Context, tenantID string, status domain.AlertStatus, limit int) ([]domain.Alert, error) {
	return s.store.ListAlerts(ctx, tenantID, status, limit)
}

func (s *Service) Get(ctx context.Context, tenantID, alertID string) (*domain.Alert, error) {
	a, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.TenantID != tenantID {
		return nil, fmt.Errorf("degradation: alert %s: %w", alertID, domain.ErrNotFound)
	}
	return a, nil
}
