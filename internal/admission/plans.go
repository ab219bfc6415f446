package admission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// PlanRepository — постоянное хранилище планов (postgres tenant_plans).
type PlanRepository interface {
	ListPlans(ctx context.Context) ([]domain.Plan, error)
}

// PlanCache — in-memory кэш планов. Горячий путь допуска читает только RAM,
// Refresh перезагружает всё из репозитория (при старте и по сигналу об изменении тарифа).
type PlanCache struct {
	mu    sync.RWMutex
	plans map[string]domain.Plan

	repo   PlanRepository
	logger *zap.Logger
}

func NewPlanCache(repo PlanRepository, logger *zap.Logger) *PlanCache {
	return &PlanCache{
		plans:  make(map[string]domain.Plan),
		repo:   repo,
		logger: logger.Named("plans"),
	}
}

// PlanFor реализует PlanSource. Нет плана — domain.ErrNotFound (Default Deny).
func (c *PlanCache) PlanFor(_ context.Context, tenantID string) (*domain.Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.plans[tenantID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

// Refresh выполняет холодную загрузку всех планов.
func (c *PlanCache) Refresh(ctx context.Context) error {
	list, err := c.repo.ListPlans(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]domain.Plan, len(list))
	for _, p := range list {
		next[p.TenantID] = p
	}

	c.mu.Lock()
	c.plans = next
	c.mu.Unlock()

	c.logger.Info("plan cache refreshed", zap.Int("count", len(next)))
	return nil
}

// Run периодически перечитывает планы до отмены ctx. Ошибка не сбрасывает кэш.
func (c *PlanCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("plan refresh failed, keeping cached plans", zap.Error(err))
			}
		}
	}
}

// StaticPlans — планы из конфигурации (локальная разработка, тесты).
type StaticPlans []domain.Plan

func (s StaticPlans) ListPlans(context.Context) ([]domain.Plan, error) {
	return s, nil
}

func (s StaticPlans) PlanFor(_ context.Context, tenantID string) (*domain.Plan, error) {
	for i := range s {
		if s[i].TenantID == tenantID {
			p := s[i]
			return &p, nil
		}
	}
	return nil, domain.ErrNotFound
}
