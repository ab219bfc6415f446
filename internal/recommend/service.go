// Package recommend превращает сырой набор метрик в ранжированный список рекомендаций.
//
// Проблемы находит декларативная таблица правил (rules.yaml, может быть
// переопределена файлом с горячей перезагрузкой), ранжирует Prioritize.
// Набор рекомендаций запуска всегда заменяется целиком.
package recommend

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
)

type Store interface {
	GetRun(ctx context.Context, id string) (*domain.AuditRun, error)
	ReplaceRecommendations(ctx context.Context, runID string, recs []domain.Recommendation) error
	ListRecommendations(ctx context.Context, runID string) ([]domain.Recommendation, error)
	GetRecommendation(ctx context.Context, id string) (*domain.Recommendation, error)
	UpdateRecommendationStatus(ctx context.Context, id string, from, to domain.RecommendationStatus, at time.Time) (*domain.Recommendation, error)
}

// RuleBook хранит текущую таблицу правил; Swap вызывается при перезагрузке файла.
type RuleBook struct {
	current atomic.Pointer[RuleSet]
}

func NewRuleBook(rs *RuleSet) *RuleBook {
	b := &RuleBook{}
	b.current.Store(rs)
	return b
}

func (b *RuleBook) Rules() *RuleSet { return b.current.Load() }

func (b *RuleBook) Swap(rs *RuleSet) { b.current.Store(rs) }

type Service struct {
	store  Store
	rules  *RuleBook
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

func NewService(store Store, rules *RuleBook, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		rules:  rules,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
		logger: logger.Named("recommend"),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Name() string { return "recommendations" }

// Handle — потребитель followup движка.
func (s *Service) Handle(ctx context.Context, run *domain.AuditRun) error {
	if run.State != domain.StateCompleted {
		return nil
	}
	_, err := s.generate(ctx, run)
	return err
}

// Regenerate пересчитывает рекомендации завершенного run тенанта и заменяет набор целиком.
func (s *Service) Regenerate(ctx context.Context, tenantID, runID string) ([]domain.Recommendation, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.TenantID != tenantID {
		return nil, fmt.Errorf("recommend: run %s: %w", runID, domain.ErrNotFound)
	}
	if run.State != domain.StateCompleted {
		return nil, fmt.Errorf("recommend: run %s is %s: %w", runID, run.State, domain.ErrInvalidTransition)
	}
	return s.generate(ctx, run)
}

func (s *Service) generate(ctx context.Context, run *domain.AuditRun) ([]domain.Recommendation, error) {
	rules := s.rules.Rules()
	issues, err := rules.Evaluate(run.RawMetrics)
	if err != nil {
		return nil, err
	}
	ranked, err := Prioritize(issues)
	if err != nil {
		return nil, err
	}

	now := s.now()
	recs := make([]domain.Recommendation, len(ranked))
	for i, r := range ranked {
		recs[i] = domain.Recommendation{
			ID:            s.newID(),
			RunID:         run.ID,
			TargetID:      run.TargetID,
			TenantID:      run.TenantID,
			RuleID:        r.RuleID,
			Category:      r.Category,
			Title:         r.Title,
			Description:   r.Description,
			Impact:        r.Impact,
			Effort:        r.Effort,
			Urgency:       r.Urgency,
			PriorityScore: r.Score,
			Order:         r.Order,
			Rank:          r.Rank,
			Status:        domain.RecommendationPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}

	if err := s.store.ReplaceRecommendations(ctx, run.ID, recs); err != nil {
		return nil, fmt.Errorf("recommend: replace for run %s: %w", run.ID, err)
	}
	s.logger.Info("recommendations generated",
		zap.String("run_id", run.ID), zap.Int("count", len(recs)), zap.String("rules", rules.Version))
	return recs, nil
}

// List — набор рекомендаций run тенанта в порядке rank.
func (s *Service) List(ctx context.Context, tenantID, runID string) ([]domain.Recommendation, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.TenantID != tenantID {
		return nil, fmt.Errorf("recommend: run %s: %w", runID, domain.ErrNotFound)
	}
	return s.store.ListRecommendations(ctx, runID)
}

// UpdateStatus — действие оператора: pending -> in_progress -> completed, незавершенная -> dismissed.
func (s *Service) UpdateStatus(ctx context.Context, tenantID, recID string, next domain.RecommendationStatus) (*domain.Recommendation, error) {
	rec, err := s.store.GetRecommendation(ctx, recID)
	if err != nil {
		return nil, err
	}
	if rec.TenantID != tenantID {
		return nil, fmt.Errorf("recommend: recommendation %s: %w", recID, domain.ErrNotFound)
	}
	if err := rec.Status.CanTransitionTo(next); err != nil {
		return nil, err
	}
	return s.store.UpdateRecommendationStatus(ctx, recID, rec.Status, next, s.now())
}
