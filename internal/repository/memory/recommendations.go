package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// ReplaceRecommendations целиком заменяет набор рекомендаций запуска.
func (s *Store) ReplaceRecommendations(_ context.Context, runID string, recs []domain.Recommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Recommendation, len(recs))
	copy(out, recs)
	s.recs[runID] = out
	return nil
}

// ListRecommendations — набор запуска в порядке rank.
func (s *Store) ListRecommendations(_ context.Context, runID string) ([]domain.Recommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Recommendation, len(s.recs[runID]))
	copy(out, s.recs[runID])
	return out, nil
}

func (s *Store) GetRecommendation(_ context.Context, id string) (*domain.Recommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, run := s.findRecommendation(id); i >= 0 {
		r := s.recs[run][i]
		return &r, nil
	}
	return nil, fmt.Errorf("memory: recommendation %s: %w", id, domain.ErrNotFound)
}

// UpdateRecommendationStatus — CAS статуса рекомендации.
func (s *Store) UpdateRecommendationStatus(_ context.Context, id string, from, to domain.RecommendationStatus, at time.Time) (*domain.Recommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, run := s.findRecommendation(id)
	if i < 0 {
		return nil, fmt.Errorf("memory: recommendation %s: %w", id, domain.ErrNotFound)
	}
	r := s.recs[run][i]
	if r.Status != from {
		return nil, fmt.Errorf("memory: recommendation %s is %s, not %s: %w", id, r.Status, from, domain.ErrInvalidTransition)
	}
	r.Status = to
	r.UpdatedAt = at
	s.recs[run][i] = r
	return &r, nil
}

func (s *Store) findRecommendation(id string) (int, string) {
	for run, list := range s.recs {
		for i := range list {
			if list[i].ID == id {
				return i, run
			}
		}
	}
	return -1, ""
}

// WriteBatch дописывает события журнала переходов.
func (s *Store) WriteBatch(_ context.Context, events []domain.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, events...)
	return nil
}

// ListTransitions — журнал переходов одного запуска в порядке записи.
func (s *Store) ListTransitions(_ context.Context, runID string) ([]domain.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TransitionEvent
	for _, e := range s.journal {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}
