package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/siteaudit/internal/domain"
)

const targetColumns = `id, tenant_id, url, profile, monitoring_interval, active, last_audited_at, created_at`

// ListPlans читает tenant_plans, которые пишет биллинг.
func (s *Store) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT tenant_id, name, active, expires_at, max_websites, monthly_audits, concurrent_audits, hourly_audits
		FROM tenant_plans`)
	if err != nil {
		return nil, mapErr(err, "list plans")
	}
	defer rows.Close()

	var out []domain.Plan
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.TenantID, &p.Name, &p.Active, &p.ExpiresAt,
			&p.MaxWebsites, &p.MonthlyAudits, &p.ConcurrentAudits, &p.HourlyAudits); err != nil {
			return nil, mapErr(err, "scan plan")
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err(), "list plans")
}

// PutPlan — upsert плана (сидинг из конфига и тесты).
func (s *Store) PutPlan(ctx context.Context, p domain.Plan) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO tenant_plans (tenant_id, name, active, expires_at, max_websites, monthly_audits, concurrent_audits, hourly_audits, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			name = EXCLUDED.name, active = EXCLUDED.active, expires_at = EXCLUDED.expires_at,
			max_websites = EXCLUDED.max_websites, monthly_audits = EXCLUDED.monthly_audits,
			concurrent_audits = EXCLUDED.concurrent_audits, hourly_audits = EXCLUDED.hourly_audits,
			updated_at = NOW()`,
		p.TenantID, p.Name, p.Active, p.ExpiresAt, p.MaxWebsites, p.MonthlyAudits, p.ConcurrentAudits, p.HourlyAudits)
	return mapErr(err, "put plan %s", p.TenantID)
}

func (s *Store) CreateTarget(ctx context.Context, t *domain.Target) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO targets (`+targetColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.TenantID, t.URL, string(t.Profile), int64(t.MonitoringInterval), t.Active, t.LastAuditedAt, t.CreatedAt)
	return mapErr(err, "create target %s", t.ID)
}

func (s *Store) GetTarget(ctx context.Context, id string) (*domain.Target, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	t, err := scanTarget(row)
	if err != nil {
		return nil, mapErr(err, "target %s", id)
	}
	return t, nil
}

func (s *Store) ListTargets(ctx context.Context, tenantID string) ([]domain.Target, error) {
	return s.queryTargets(ctx, `SELECT `+targetColumns+` FROM targets WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
}

// RegisterTarget вставляет цель, если check пропускает текущее число активных целей тенанта.
// Регистрации одного тенанта сериализуются advisory-локом транзакции:
// без него две параллельные вставки обе увидят свободное место.
func (s *Store) RegisterTarget(ctx context.Context, t *domain.Target, check func(active int) error) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "targets:"+t.TenantID); err != nil {
			return mapErr(err, "lock targets %s", t.TenantID)
		}
		var n int
		err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM targets WHERE tenant_id = $1 AND active`, t.TenantID).Scan(&n)
		if err != nil {
			return mapErr(err, "count targets")
		}
		if err := check(n); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO targets (`+targetColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.ID, t.TenantID, t.URL, string(t.Profile), int64(t.MonitoringInterval), t.Active, t.LastAuditedAt, t.CreatedAt)
		return mapErr(err, "create target %s", t.ID)
	})
}

// DueTargets — активные цели с подошедшим сроком; никогда не аудированные идут первыми.
func (s *Store) DueTargets(ctx context.Context, now time.Time, limit int) ([]domain.Target, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryTargets(ctx, `
		SELECT `+targetColumns+` FROM targets
		WHERE active AND monitoring_interval > 0
		  AND (last_audited_at IS NULL OR last_audited_at + monitoring_interval * INTERVAL '1 microsecond' / 1000 <= $1)
		ORDER BY COALESCE(last_audited_at + monitoring_interval * INTERVAL '1 microsecond' / 1000, '-infinity'::timestamptz), id
		LIMIT $2`, now, limit)
}

func (s *Store) queryTargets(ctx context.Context, query string, args ...any) ([]domain.Target, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "query targets")
	}
	defer rows.Close()

	var out []domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, mapErr(err, "scan target")
		}
		out = append(out, *t)
	}
	return out, mapErr(rows.Err(), "query targets")
}

func scanTarget(row scanner) (*domain.Target, error) {
	var (
		t        domain.Target
		profile  string
		interval int64
	)
	if err := row.Scan(&t.ID, &t.TenantID, &t.URL, &profile, &interval, &t.Active, &t.LastAuditedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Profile = domain.ScoreProfile(profile)
	t.MonitoringInterval = time.Duration(interval)
	return &t, nil
}
