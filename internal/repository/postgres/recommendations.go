package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/siteaudit/internal/domain"
)

const recColumns = `id, run_id, target_id, tenant_id, rule_id, category, title, description,
	impact, effort, urgency, priority_score, impl_order, rank, status, created_at, updated_at`

// ReplaceRecommendations атомарно заменяет набор рекомендаций запуска.
func (s *Store) ReplaceRecommendations(ctx context.Context, runID string, recs []domain.Recommendation) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM recommendations WHERE run_id = $1`, runID); err != nil {
			return mapErr(err, "clear recommendations %s", runID)
		}
		if len(recs) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, r := range recs {
			batch.Queue(`INSERT INTO recommendations (`+recColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
				r.ID, runID, r.TargetID, r.TenantID, r.RuleID, string(r.Category), r.Title, r.Description,
				string(r.Impact), string(r.Effort), string(r.Urgency), r.PriorityScore, string(r.Order), r.Rank,
				string(r.Status), r.CreatedAt, r.UpdatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return mapErr(err, "insert recommendations %s", runID)
		}
		return nil
	})
}

// ListRecommendations — набор запуска в порядке rank.
func (s *Store) ListRecommendations(ctx context.Context, runID string) ([]domain.Recommendation, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+recColumns+` FROM recommendations WHERE run_id = $1 ORDER BY rank`, runID)
	if err != nil {
		return nil, mapErr(err, "list recommendations %s", runID)
	}
	defer rows.Close()

	var out []domain.Recommendation
	for rows.Next() {
		r, err := scanRecommendation(rows)
		if err != nil {
			return nil, mapErr(err, "scan recommendation")
		}
		out = append(out, *r)
	}
	return out, mapErr(rows.Err(), "list recommendations %s", runID)
}

func (s *Store) GetRecommendation(ctx context.Context, id string) (*domain.Recommendation, error) {
	r, err := scanRecommendation(s.Pool.QueryRow(ctx, `SELECT `+recColumns+` FROM recommendations WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "recommendation %s", id)
	}
	return r, nil
}

// UpdateRecommendationStatus — CAS статуса рекомендации.
func (s *Store) UpdateRecommendationStatus(ctx context.Context, id string, from, to domain.RecommendationStatus, at time.Time) (*domain.Recommendation, error) {
	r, err := scanRecommendation(s.Pool.QueryRow(ctx, `
		UPDATE recommendations SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+recColumns, id, string(from), string(to), at))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapErr(err, "update recommendation %s", id)
	}
	current, err := s.GetRecommendation(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("postgres: recommendation %s is %s, not %s: %w", id, current.Status, from, domain.ErrInvalidTransition)
}

func scanRecommendation(row scanner) (*domain.Recommendation, error) {
	var (
		r                                                domain.Recommendation
		category, impact, effort, urgency, order, status string
	)
	err := row.Scan(&r.ID, &r.RunID, &r.TargetID, &r.TenantID, &r.RuleID, &category, &r.Title, &r.Description,
		&impact, &effort, &urgency, &r.PriorityScore, &order, &r.Rank, &status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Category = domain.Category(category)
	r.Impact = domain.Level(impact)
	r.Effort = domain.Level(effort)
	r.Urgency = domain.Level(urgency)
	r.Order = domain.ImplementationOrder(order)
	r.Status = domain.RecommendationStatus(status)
	return &r, nil
}

// WriteBatch — пакетная запись журнала переходов через COPY.
func (s *Store) WriteBatch(ctx context.Context, events []domain.TransitionEvent) error {
	if len(events) == 0 {
		return nil
	}
	_, err := s.Pool.CopyFrom(ctx, pgx.Identifier{"run_transitions"},
		[]string{"id", "run_id", "tenant_id", "target_id", "from_state", "to_state", "kind", "reason", "duration_ms", "ts"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{e.ID, e.RunID, e.TenantID, e.TargetID, string(e.From), string(e.To),
				string(e.Kind), e.Reason, e.DurationMs, e.Timestamp}, nil
		}))
	return mapErr(err, "write %d transitions", len(events))
}

// ListTransitions — журнал одного запуска в хронологическом порядке.
func (s *Store) ListTransitions(ctx context.Context, runID string) ([]domain.TransitionEvent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, run_id, tenant_id, target_id, from_state, to_state, kind, reason, duration_ms, ts
		FROM run_transitions WHERE run_id = $1 ORDER BY ts, id`, runID)
	if err != nil {
		return nil, mapErr(err, "list transitions %s", runID)
	}
	defer rows.Close()

	var out []domain.TransitionEvent
	for rows.Next() {
		var (
			e              domain.TransitionEvent
			from, to, kind string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.TenantID, &e.TargetID, &from, &to, &kind, &e.Reason, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, mapErr(err, "scan transition")
		}
		e.From = domain.RunState(from)
		e.To = domain.RunState(to)
		e.Kind = domain.FailureKind(kind)
		out = append(out, e)
	}
	return out, mapErr(rows.Err(), "list transitions %s", runID)
}
