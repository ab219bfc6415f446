package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/siteaudit/internal/domain"
)

const alertColumns = `id, tenant_id, target_id, run_id, severity, status, payload, actor_id, created_at, updated_at`

// CreateAlert идемпотентен по (target_id, run_id): при конфликте возвращается уже существующий алерт.
func (s *Store) CreateAlert(ctx context.Context, a *domain.Alert) (*domain.Alert, bool, error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: marshal alert payload: %w", err)
	}

	created, err := scanAlert(s.Pool.QueryRow(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (target_id, run_id) DO NOTHING
		RETURNING `+alertColumns,
		a.ID, a.TenantID, a.TargetID, a.RunID, string(a.Severity), string(a.Status), payload, a.ActorID, a.CreatedAt, a.UpdatedAt))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, mapErr(err, "create alert for run %s", a.RunID)
	}

	existing, err := scanAlert(s.Pool.QueryRow(ctx, `
		SELECT `+alertColumns+` FROM alerts WHERE target_id = $1 AND run_id = $2`, a.TargetID, a.RunID))
	if err != nil {
		return nil, false, mapErr(err, "alert for run %s", a.RunID)
	}
	return existing, false, nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	a, err := scanAlert(s.Pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "alert %s", id)
	}
	return a, nil
}

// ListAlerts — алерты тенанта, новые первыми. Пустой status — все.
func (s *Store) ListAlerts(ctx context.Context, tenantID string, status domain.AlertStatus, limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3`, tenantID, string(status), limit)
	if err != nil {
		return nil, mapErr(err, "list alerts")
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, mapErr(err, "scan alert")
		}
		out = append(out, *a)
	}
	return out, mapErr(rows.Err(), "list alerts")
}

// UpdateAlertStatus — CAS: меняет статус, только если текущий входит в from.
func (s *Store) UpdateAlertStatus(ctx context.Context, id string, from []domain.AlertStatus, to domain.AlertStatus, actorID string, at time.Time) (*domain.Alert, error) {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	a, err := scanAlert(s.Pool.QueryRow(ctx, `
		UPDATE alerts SET status = $3, actor_id = $4, updated_at = $5
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+alertColumns, id, allowed, string(to), actorID, at))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapErr(err, "update alert %s", id)
	}

	current, err := s.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("postgres: alert %s %s -> %s: %w", id, current.Status, to, domain.ErrInvalidTransition)
}

func scanAlert(row scanner) (*domain.Alert, error) {
	var (
		a                domain.Alert
		severity, status string
		payload          []byte
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.TargetID, &a.RunID, &severity, &status, &payload, &a.ActorID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Severity = domain.Severity(severity)
	a.Status = domain.AlertStatus(status)
	if err := json.Unmarshal(payload, &a.Payload); err != nil {
		return nil, fmt.Errorf("decode alert payload: %w", err)
	}
	return &a, nil
}
