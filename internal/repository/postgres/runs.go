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

const runColumns = `id, target_id, tenant_id, target_url, kind, trigger_source, profile, state, attempt,
	raw_metrics, score, letter_grade, domain_scores, failure_kind, failure_reason,
	created_at, started_at, completed_at, updated_at`

// CreateRun вставляет pending run. Частичный уникальный индекс не дает завести второй активный run на цель.
func (s *Store) CreateRun(ctx context.Context, run *domain.AuditRun) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO audit_runs (id, target_id, tenant_id, target_url, kind, trigger_source, profile, state, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.TargetID, run.TenantID, run.TargetURL, string(run.Kind), run.TriggerSource,
		string(run.Profile), string(run.State), run.Attempt, run.CreatedAt, run.UpdatedAt)
	return mapErr(err, "create run for target %s", run.TargetID)
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.AuditRun, error) {
	run, err := scanRun(s.Pool.QueryRow(ctx, `SELECT `+runColumns+` FROM audit_runs WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "run %s", id)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, tenantID, targetID string, limit int) ([]domain.AuditRun, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM audit_runs
		WHERE tenant_id = $1 AND ($2 = '' OR target_id = $2)
		ORDER BY created_at DESC
		LIMIT $3`, tenantID, targetID, limit)
}

// AdmitRun — проверки квоты и CAS pending -> running в одной транзакции.
// Строка квоты блокируется FOR UPDATE, поэтому параллельные допуски одного тенанта сериализуются.
func (s *Store) AdmitRun(ctx context.Context, runID string, check domain.AdmissionCheck) (*domain.AuditRun, error) {
	var admitted *domain.AuditRun
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		var (
			tenantID string
			state    string
		)
		err := tx.QueryRow(ctx, `SELECT tenant_id, state FROM audit_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&tenantID, &state)
		if err != nil {
			return mapErr(err, "run %s", runID)
		}
		if tenantID != check.TenantID {
			return fmt.Errorf("postgres: run %s: %w", runID, domain.ErrTenantMismatch)
		}
		if domain.RunState(state) != domain.StatePending {
			return fmt.Errorf("postgres: admit run %s (%s): %w", runID, state, domain.ErrInvalidTransition)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO tenant_quotas (tenant_id, period_start, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id) DO NOTHING`, check.TenantID, check.PeriodStart, check.Now); err != nil {
			return mapErr(err, "init quota %s", check.TenantID)
		}
		var q domain.TenantQuota
		err = tx.QueryRow(ctx, `
			SELECT period_start, monthly_used, running_count FROM tenant_quotas
			WHERE tenant_id = $1 FOR UPDATE`, check.TenantID).Scan(&q.PeriodStart, &q.MonthlyUsed, &q.RunningCount)
		if err != nil {
			return mapErr(err, "quota %s", check.TenantID)
		}
		if q.PeriodStart.Before(check.PeriodStart) {
			q.PeriodStart = check.PeriodStart
			q.MonthlyUsed = 0
		}

		if q.MonthlyUsed >= check.MonthlyLimit {
			return domain.Deny(domain.DenialMonthlyQuotaExceeded, "%d of %d used", q.MonthlyUsed, check.MonthlyLimit)
		}
		if q.RunningCount >= check.ConcurrencyLimit {
			return domain.Deny(domain.DenialConcurrencyLimitExceeded, "%d of %d running", q.RunningCount, check.ConcurrencyLimit)
		}
		var started int
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM audit_runs WHERE tenant_id = $1 AND started_at > $2`,
			check.TenantID, check.Now.Add(-time.Hour)).Scan(&started)
		if err != nil {
			return mapErr(err, "hourly count %s", check.TenantID)
		}
		if started >= check.HourlyLimit {
			return domain.Deny(domain.DenialThrottled, "%d started in the last hour", started)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE tenant_quotas SET period_start = $2, monthly_used = $3, running_count = $4, updated_at = $5
			WHERE tenant_id = $1`,
			check.TenantID, q.PeriodStart, q.MonthlyUsed+1, q.RunningCount+1, check.Now); err != nil {
			return mapErr(err, "update quota %s", check.TenantID)
		}

		admitted, err = scanRun(tx.QueryRow(ctx, `
			UPDATE audit_runs SET state = 'running', started_at = $2, attempt = attempt + 1, updated_at = $2
			WHERE id = $1 AND state = 'pending'
			RETURNING `+runColumns, runID, check.Now))
		return mapErr(err, "admit run %s", runID)
	})
	if err != nil {
		return nil, err
	}
	return admitted, nil
}

// CompleteRun — CAS running -> completed, сэмплы, освобождение слота и last_audited_at цели.
func (s *Store) CompleteRun(ctx context.Context, runID string, res domain.RunResult) (*domain.AuditRun, error) {
	raw, err := json.Marshal(res.RawMetrics)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal metrics: %w", err)
	}
	scores, err := json.Marshal(res.DomainScores)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal domain scores: %w", err)
	}

	var completed *domain.AuditRun
	err = pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		run, err := scanRun(tx.QueryRow(ctx, `
			UPDATE audit_runs
			SET state = 'completed', raw_metrics = $2, score = $3, letter_grade = $4, domain_scores = $5,
			    completed_at = $6, updated_at = $6
			WHERE id = $1 AND state = 'running'
			RETURNING `+runColumns, runID, raw, res.Score, res.LetterGrade, scores, res.CompletedAt))
		if err != nil {
			return s.casError(ctx, tx, err, runID, "complete")
		}

		if len(res.Samples) > 0 {
			rows := make([][]any, len(res.Samples))
			for i, smp := range res.Samples {
				rows[i] = []any{runID, string(smp.Type), smp.Key, smp.Value, smp.Unit, string(smp.Grade), smp.Contribution}
			}
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"metric_samples"},
				[]string{"run_id", "metric_type", "metric_key", "value", "unit", "grade", "contribution"},
				pgx.CopyFromRows(rows)); err != nil {
				return mapErr(err, "insert samples %s", runID)
			}
		}

		if err := releaseSlot(ctx, tx, run.TenantID, res.CompletedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE targets SET last_audited_at = $2 WHERE id = $1`, run.TargetID, res.CompletedAt); err != nil {
			return mapErr(err, "touch target %s", run.TargetID)
		}
		completed = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// FailRun — CAS pending|running -> failed. Балл и сэмплы не пишутся.
func (s *Store) FailRun(ctx context.Context, runID string, failure domain.Failure, at time.Time) (*domain.AuditRun, error) {
	return s.finish(ctx, runID, domain.StateFailed, &failure, at)
}

// CancelRun — CAS pending|running -> cancelled.
func (s *Store) CancelRun(ctx context.Context, runID, reason string, at time.Time) (*domain.AuditRun, error) {
	var f *domain.Failure
	if reason != "" {
		f = &domain.Failure{Reason: reason}
	}
	return s.finish(ctx, runID, domain.StateCancelled, f, at)
}

func (s *Store) finish(ctx context.Context, runID string, to domain.RunState, failure *domain.Failure, at time.Time) (*domain.AuditRun, error) {
	var kind, reason *string
	if failure != nil {
		if failure.Kind != "" {
			k := string(failure.Kind)
			kind = &k
		}
		reason = &failure.Reason
	}

	var finished *domain.AuditRun
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		// прежнее состояние нужно, чтобы понять, занят ли слот конкурентности
		var prev string
		err := tx.QueryRow(ctx, `SELECT state FROM audit_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&prev)
		if err != nil {
			return mapErr(err, "run %s", runID)
		}
		if err := domain.RunState(prev).CanTransitionTo(to); err != nil {
			return fmt.Errorf("postgres: run %s: %w", runID, err)
		}

		run, err := scanRun(tx.QueryRow(ctx, `
			UPDATE audit_runs
			SET state = $2, failure_kind = $3, failure_reason = $4, completed_at = $5, updated_at = $5
			WHERE id = $1
			RETURNING `+runColumns, runID, string(to), kind, reason, at))
		if err != nil {
			return mapErr(err, "finish run %s", runID)
		}

		if domain.RunState(prev) == domain.StateRunning {
			if err := releaseSlot(ctx, tx, run.TenantID, at); err != nil {
				return err
			}
		}
		// отказ допуска не сдвигает расписание: цель повторится на следующем тике
		if to == domain.StateFailed && (failure == nil || failure.Kind != domain.FailureAdmission) {
			if _, err := tx.Exec(ctx, `UPDATE targets SET last_audited_at = $2 WHERE id = $1`, run.TargetID, at); err != nil {
				return mapErr(err, "touch target %s", run.TargetID)
			}
		}
		finished = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return finished, nil
}

// casError уточняет, почему условный UPDATE не нашел строку: ее нет или состояние не то.
func (s *Store) casError(ctx context.Context, tx pgx.Tx, err error, runID, op string) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return mapErr(err, "%s run %s", op, runID)
	}
	var state string
	if err := tx.QueryRow(ctx, `SELECT state FROM audit_runs WHERE id = $1`, runID).Scan(&state); err != nil {
		return mapErr(err, "run %s", runID)
	}
	return fmt.Errorf("postgres: %s run %s (%s): %w", op, runID, state, domain.ErrInvalidTransition)
}

func releaseSlot(ctx context.Context, tx pgx.Tx, tenantID string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE tenant_quotas SET running_count = GREATEST(running_count - 1, 0), updated_at = $2
		WHERE tenant_id = $1`, tenantID, at)
	return mapErr(err, "release slot %s", tenantID)
}

// StaleRunning — running дольше cutoff (воркер умер, процесс перезапущен).
func (s *Store) StaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]domain.AuditRun, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM audit_runs
		WHERE state = 'running' AND started_at < $1
		ORDER BY started_at
		LIMIT $2`, startedBefore, limit)
}

// PendingRuns — pending, которые никто не подхватил.
func (s *Store) PendingRuns(ctx context.Context, createdBefore time.Time, limit int) ([]domain.AuditRun, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM audit_runs
		WHERE state = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, createdBefore, limit)
}

// CompletedHistory — база для детектора деградации: завершенные запуски цели в [since, until), новые первыми.
func (s *Store) CompletedHistory(ctx context.Context, targetID, excludeRunID string, since, until time.Time, limit int) ([]domain.AuditRun, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM audit_runs
		WHERE target_id = $1 AND id <> $2 AND state = 'completed' AND score IS NOT NULL AND completed_at >= $3 AND completed_at < $4
		ORDER BY completed_at DESC
		LIMIT $5`, targetID, excludeRunID, since, until, limit)
}

func (s *Store) ListSamples(ctx context.Context, runID string) ([]domain.MetricSample, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT run_id, metric_type, metric_key, value, unit, grade, contribution
		FROM metric_samples WHERE run_id = $1 ORDER BY metric_type`, runID)
	if err != nil {
		return nil, mapErr(err, "list samples %s", runID)
	}
	defer rows.Close()

	var out []domain.MetricSample
	for rows.Next() {
		var (
			smp          domain.MetricSample
			mtype, grade string
		)
		if err := rows.Scan(&smp.RunID, &mtype, &smp.Key, &smp.Value, &smp.Unit, &grade, &smp.Contribution); err != nil {
			return nil, mapErr(err, "scan sample")
		}
		smp.Type = domain.MetricType(mtype)
		smp.Grade = domain.Grade(grade)
		out = append(out, smp)
	}
	return out, mapErr(rows.Err(), "list samples %s", runID)
}

func (s *Store) Quota(ctx context.Context, tenantID string) (*domain.TenantQuota, error) {
	q := domain.TenantQuota{TenantID: tenantID}
	err := s.Pool.QueryRow(ctx, `
		SELECT period_start, monthly_used, running_count, updated_at FROM tenant_quotas WHERE tenant_id = $1`,
		tenantID).Scan(&q.PeriodStart, &q.MonthlyUsed, &q.RunningCount, &q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &q, nil
	}
	if err != nil {
		return nil, mapErr(err, "quota %s", tenantID)
	}
	return &q, nil
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]domain.AuditRun, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "query runs")
	}
	defer rows.Close()

	var out []domain.AuditRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, mapErr(err, "scan run")
		}
		out = append(out, *run)
	}
	return out, mapErr(rows.Err(), "query runs")
}

func scanRun(row scanner) (*domain.AuditRun, error) {
	var (
		r                          domain.AuditRun
		kind, profile, state       string
		raw, scores                []byte
		failureKind, failureReason *string
	)
	err := row.Scan(&r.ID, &r.TargetID, &r.TenantID, &r.TargetURL, &kind, &r.TriggerSource, &profile, &state, &r.Attempt,
		&raw, &r.Score, &r.LetterGrade, &scores, &failureKind, &failureReason,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Kind = domain.AuditKind(kind)
	r.Profile = domain.ScoreProfile(profile)
	r.State = domain.RunState(state)

	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &r.RawMetrics); err != nil {
			return nil, fmt.Errorf("decode raw_metrics: %w", err)
		}
	}
	if len(scores) > 0 && string(scores) != "null" {
		if err := json.Unmarshal(scores, &r.DomainScores); err != nil {
			return nil, fmt.Errorf("decode domain_scores: %w", err)
		}
	}
	if failureKind != nil || failureReason != nil {
		r.Failure = &domain.Failure{}
		if failureKind != nil {
			r.Failure.Kind = domain.FailureKind(*failureKind)
		}
		if failureReason != nil {
			r.Failure.Reason = *failureReason
		}
	}
	return &r, nil
}
