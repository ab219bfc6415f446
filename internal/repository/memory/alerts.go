package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// CreateAlert идемпотентен по (target, run): повтор возвращает created=false и существующий алерт.
func (s *Store) CreateAlert(_ context.Context, a *domain.Alert) (*domain.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := a.TargetID + ":" + a.RunID
	if id, ok := s.alertKey[key]; ok {
		existing := s.alerts[id]
		return &existing, false, nil
	}
	s.alerts[a.ID] = *a
	s.alertKey[key] = a.ID
	out := *a
	return &out, true, nil
}

func (s *Store) GetAlert(_ context.Context, id string) (*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("memory: alert %s: %w", id, domain.ErrNotFound)
	}
	return &a, nil
}

// ListAlerts — алерты тенанта, новые первыми. Пустой status — все.
func (s *Store) ListAlerts(_ context.Context, tenantID string, status domain.AlertStatus, limit int) ([]domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Alert
	for _, a := range s.alerts {
		if a.TenantID != tenantID || (status != "" && a.Status != status) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateAlertStatus — CAS статуса: меняет только если текущий статус входит в from.
func (s *Store) UpdateAlertStatus(_ context.Context, id string, from []domain.AlertStatus, to domain.AlertStatus, actorID string, at time.Time) (*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("memory: alert %s: %w", id, domain.ErrNotFound)
	}
	if !slices.Contains(from, a.Status) {
		return nil, fmt.Errorf("memory: alert %s %s -> %s: %w", id, a.Status, to, domain.ErrInvalidTransition)
	}
	a.Status = to
	a.ActorID = &actorID
	a.UpdatedAt = at
	s.alerts[id] = a
	return &a, nil
}
