package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// PlanSource — источник лимитов тарифа (внешний биллинг). Только чтение.
type PlanSource interface {
	PlanFor(ctx context.Context, tenantID string) (*domain.Plan, error)
}

// Store выполняет проверки 2-4, инкремент квоты и CAS pending -> running
// одним атомарным шагом. Отказ возвращается как *domain.DenialError.
type Store interface {
	AdmitRun(ctx context.Context, runID string, check domain.AdmissionCheck) (*domain.AuditRun, error)
}

type Config struct {
	// DefaultHourlyLimit применяется, если в плане не задан часовой лимит.
	DefaultHourlyLimit int
}

type Controller struct {
	plans  PlanSource
	store  Store
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

func NewController(plans PlanSource, store Store, cfg Config, logger *zap.Logger) *Controller {
	if cfg.DefaultHourlyLimit <= 0 {
		cfg.DefaultHourlyLimit = 20
	}
	return &Controller{
		plans:  plans,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.Named("admission"),
	}
}

// WithClock подменяет часы (тесты, детерминированные сценарии).
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Admit решает, может ли run тенанта перейти в running.
// Порядок проверок: план -> месячная квота -> параллельность -> часовой троттлинг.
// При успехе run уже в running, счетчики увеличены.
func (c *Controller) Admit(ctx context.Context, tenantID, runID string) (*domain.AuditRun, error) {
	now := c.now().UTC()

	plan, err := c.activePlan(ctx, tenantID, now)
	if err != nil {
		return nil, err
	}

	hourly := plan.HourlyAudits
	if hourly <= 0 {
		hourly = c.cfg.DefaultHourlyLimit
	}

	run, err := c.store.AdmitRun(ctx, runID, domain.AdmissionCheck{
		TenantID:         tenantID,
		MonthlyLimit:     plan.MonthlyAudits,
		ConcurrencyLimit: plan.ConcurrentAudits,
		HourlyLimit:      hourly,
		PeriodStart:      domain.MonthStart(now),
		Now:              now,
	})
	if err != nil {
		if reason, ok := domain.DenialOf(err); ok {
			c.logger.Info("admission denied",
				zap.String("tenant_id", tenantID),
				zap.String("run_id", runID),
				zap.String("reason", string(reason)))
		}
		return nil, err
	}

	c.logger.Debug("admitted", zap.String("tenant_id", tenantID), zap.String("run_id", runID))
	return run, nil
}

// CheckWebsiteLimit проверяет лимит сайтов плана перед регистрацией новой цели.
func (c *Controller) CheckWebsiteLimit(ctx context.Context, tenantID string, registered int) error {
	plan, err := c.activePlan(ctx, tenantID, c.now().UTC())
	if err != nil {
		return err
	}
	if plan.MaxWebsites > 0 && registered >= plan.MaxWebsites {
		return fmt.Errorf("%w: %d of %d", domain.ErrWebsiteLimitExceeded, registered, plan.MaxWebsites)
	}
	return nil
}

func (c *Controller) activePlan(ctx context.Context, tenantID string, now time.Time) (*domain.Plan, error) {
	plan, err := c.plans.PlanFor(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.Deny(domain.DenialNoActivePlan, "tenant %s has no plan", tenantID)
		}
		return nil, fmt.Errorf("admission: load plan: %w", err)
	}
	if !plan.IsActiveAt(now) {
		return nil, domain.Deny(domain.DenialNoActivePlan, "plan %q is inactive or expired", plan.Name)
	}
	return plan, nil
}
