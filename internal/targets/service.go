// Package targets — регистрация сайтов под мониторинг с учетом лимита тарифа.
package targets

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
)

type Store interface {
	// RegisterTarget атомарно считает активные цели тенанта, вызывает check и вставляет t.
	RegisterTarget(ctx context.Context, t *domain.Target, check func(active int) error) error
	GetTarget(ctx context.Context, id string) (*domain.Target, error)
	ListTargets(ctx context.Context, tenantID string) ([]domain.Target, error)
}

// Limiter — проверка max_websites плана (admission.Controller).
type Limiter interface {
	CheckWebsiteLimit(ctx context.Context, tenantID string, registered int) error
}

type RegisterRequest struct {
	TenantID           string
	URL                string
	Profile            domain.ScoreProfile
	MonitoringInterval time.Duration // 0 — только ручные аудиты
}

// минимальный интервал планового аудита
const minInterval = 15 * time.Minute

type Service struct {
	store   Store
	limiter Limiter
	now     func() time.Time
	logger  *zap.Logger
}

func NewService(store Store, limiter Limiter, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		limiter: limiter,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.Named("targets"),
	}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*domain.Target, error) {
	u, err := normalizeURL(req.URL)
	if err != nil {
		return nil, err
	}
	profile := req.Profile
	if profile == "" {
		profile = domain.ProfileComprehensive
	}
	if !profile.Valid() {
		return nil, fmt.Errorf("targets: score profile %q: %w", profile, domain.ErrInvalidArgument)
	}
	if req.MonitoringInterval < 0 || (req.MonitoringInterval > 0 && req.MonitoringInterval < minInterval) {
		return nil, fmt.Errorf("targets: monitoring interval %s below %s: %w", req.MonitoringInterval, minInterval, domain.ErrInvalidArgument)
	}

	t := &domain.Target{
		ID:                 uuid.NewString(),
		TenantID:           req.TenantID,
		URL:                u,
		Profile:            profile,
		MonitoringInterval: req.MonitoringInterval,
		Active:             true,
		CreatedAt:          s.now(),
	}
	err = s.store.RegisterTarget(ctx, t, func(active int) error {
		return s.limiter.CheckWebsiteLimit(ctx, req.TenantID, active)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("target registered",
		zap.String("tenant_id", t.TenantID),
		zap.String("target_id", t.ID),
		zap.String("url", t.URL),
		zap.Duration("interval", t.MonitoringInterval))
	return t, nil
}

func (s *Service) List(ctx context.Context, tenantID string) ([]domain.Target, error) {
	return s.store.ListTargets(ctx, tenantID)
}

// Get — цель тенанта; чужая неотличима от несуществующей.
func (s *Service) Get(ctx context.Context, tenantID, targetID string) (*domain.Target, error) {
	t, err := s.store.GetTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if t.TenantID != tenantID {
		return nil, fmt.Errorf("targets: target %s: %w", targetID, domain.ErrNotFound)
	}
	return t, nil
}

func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("targets: url %q: %w", raw, domain.ErrInvalidArgument)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("targets: url %q must be absolute http(s): %w", raw, domain.ErrInvalidArgument)
	}
	u.Fragment = ""
	return u.String(), nil
}
