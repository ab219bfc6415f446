// Package memory — in-process реализация хранилища с теми же гарантиями,
// что и postgres: CAS переходов, атомарный допуск, идемпотентные алерты.
// Используется в тестах и в локальной разработке (пустой database.url).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/siteaudit/internal/domain"
)

type Store struct {
	mu sync.Mutex

	targets  map[string]domain.Target
	runs     map[string]domain.AuditRun
	samples  map[string][]domain.MetricSample
	quotas   map[string]domain.TenantQuota
	alerts   map[string]domain.Alert
	alertKey map[string]string // target:run -> alert id
	recs     map[string][]domain.Recommendation
	journal  []domain.TransitionEvent
	plans    []domain.Plan
}

func New() *Store {
	return &Store{
		targets:  make(map[string]domain.Target),
		runs:     make(map[string]domain.AuditRun),
		samples:  make(map[string][]domain.MetricSample),
		quotas:   make(map[string]domain.TenantQuota),
		alerts:   make(map[string]domain.Alert),
		alertKey: make(map[string]string),
		recs:     make(map[string][]domain.Recommendation),
	}
}

// Ping и Close — для совместимости с postgres.Store в /ready и при остановке.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

// --- plans ---

// PutPlan заменяет план тенанта (аналог записи биллинга в tenant_plans).
func (s *Store) PutPlan(p domain.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.plans {
		if s.plans[i].TenantID == p.TenantID {
			s.plans[i] = p
			return
		}
	}
	s.plans = append(s.plans, p)
}

func (s *Store) ListPlans(context.Context) ([]domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Plan, len(s.plans))
	copy(out, s.plans)
	return out, nil
}

// --- targets ---

func (s *Store) CreateTarget(_ context.Context, t *domain.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[t.ID]; ok {
		return fmt.Errorf("memory: target %s already exists", t.ID)
	}
	s.targets[t.ID] = *t
	return nil
}

func (s *Store) GetTarget(_ context.Context, id string) (*domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, fmt.Errorf("memory: target %s: %w", id, domain.ErrNotFound)
	}
	return &t, nil
}

func (s *Store) ListTargets(_ context.Context, tenantID string) ([]domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Target
	for _, t := range s.targets {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RegisterTarget вставляет цель, если check пропускает текущее число активных целей тенанта.
// Подсчет и вставка идут под одним мьютексом.
func (s *Store) RegisterTarget(_ context.Context, t *domain.Target, check func(active int) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[t.ID]; ok {
		return fmt.Errorf("memory: target %s already exists", t.ID)
	}
	n := 0
	for _, tg := range s.targets {
		if tg.TenantID == t.TenantID && tg.Active {
			n++
		}
	}
	if err := check(n); err != nil {
		return err
	}
	s.targets[t.ID] = *t
	return nil
}

// DueTargets — активные цели, у которых подошел срок планового аудита.
func (s *Store) DueTargets(_ context.Context, now time.Time, limit int) ([]domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Target
	for _, t := range s.targets {
		if t.Active && t.MonitoringInterval > 0 && !t.DueAt().After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt().Equal(out[j].DueAt()) {
			return out[i].DueAt().Before(out[j].DueAt())
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- runs ---

// CreateRun сохраняет pending run. Для цели может быть только один pending/running.
func (s *Store) CreateRun(_ context.Context, run *domain.AuditRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.TargetID == run.TargetID && r.State.InProgress() {
			return fmt.Errorf("memory: target %s: %w", run.TargetID, domain.ErrAuditAlreadyInProgress)
		}
	}
	s.runs[run.ID] = cloneRun(*run)
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*domain.AuditRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("memory: run %s: %w", id, domain.ErrNotFound)
	}
	r = cloneRun(r)
	return &r, nil
}

// ListRuns — последние запуски тенанта (опционально по цели), новые первыми.
func (s *Store) ListRuns(_ context.Context, tenantID, targetID string, limit int) ([]domain.AuditRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditRun
	for _, r := range s.runs {
		if r.TenantID != tenantID || (targetID != "" && r.TargetID != targetID) {
			continue
		}
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AdmitRun — атомарный допуск: проверки квоты под мьютексом + CAS pending -> running.
func (s *Store) AdmitRun(_ context.Context, runID string, check domain.AdmissionCheck) (*domain.AuditRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("memory: run %s: %w", runID, domain.ErrNotFound)
	}
	if run.TenantID != check.TenantID {
		return nil, fmt.Errorf("memory: run %s: %w", runID, domain.ErrTenantMismatch)
	}
	if run.State != domain.StatePending {
		return nil, fmt.Errorf("memory: admit run %s (%s): %w", runID, run.State, domain.ErrInvalidTransition)
	}

	q := s.quotas[check.TenantID]
	q.TenantID = check.TenantID
	if q.PeriodStart.Before(check.PeriodStart) {
		q.PeriodStart = check.PeriodStart
		q.MonthlyUsed = 0
	}

	if q.MonthlyUsed >= check.MonthlyLimit {
		return nil, domain.Deny(domain.DenialMonthlyQuotaExceeded, "%d of %d used", q.MonthlyUsed, check.MonthlyLimit)
	}
	if q.RunningCount >= check.ConcurrencyLimit {
		return nil, domain.Deny(domain.DenialConcurrencyLimitExceeded, "%d of %d running", q.RunningCount, check.ConcurrencyLimit)
	}
	hourAgo := check.Now.Add(-time.Hour)
	started := 0
	for _, r := range s.runs {
		if r.TenantID == check.TenantID && r.StartedAt != nil && r.StartedAt.After(hourAgo) {
			started++
		}
	}
	if started >= check.HourlyLimit {
		return nil, domain.Deny(domain.DenialThrottled, "%d started in the last hour", started)
	}

	q.MonthlyUsed++
	q.RunningCount++
	q.UpdatedAt = check.Now
	s.quotas[check.TenantID] = q

	now := check.Now
	run.State = domain.StateRunning
	run.StartedAt = &now
	run.Attempt++
	run.UpdatedAt = now
	s.runs[runID] = run

	out := cloneRun(run)
	return &out, nil
}

// CompleteRun — CAS running -> completed вместе с сэмплами и баллом.
func (s *Store) CompleteRun(_ context.Context, runID string, res domain.RunResult) (*domain.AuditRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("memory: run %s: %w", runID, domain.ErrNotFound)
	}
	if run.State != domain.StateRunning {
		return nil, fmt.Errorf("memory: complete run %s (%s): %w", runID, run.State, domain.ErrInvalidTransition)
	}

	score := res.Score
	completed := res.CompletedAt
	run.State = domain.StateCompleted
	run.RawMetrics = res.RawMetrics.Clone()
	run.Score = &score
	run.LetterGrade = res.LetterGrade
	run.DomainScores = copyScores(res.DomainScores)
	run.CompletedAt = &completed
	run.UpdatedAt = completed
	s.runs[runID] = run

	samples := make([]domain.MetricSample, len(res.Samples))
	for i, smp := range res.Samples {
		smp.RunID = runID
		samples[i] = smp
	}
	s.samples[runID] = samples

	s.releaseSlot(run.TenantID, completed)
	if t, ok := s.targets[run.TargetID]; ok {
		t.LastAuditedAt = &completed
		s.targets[run.TargetID] = t
	}

	out := cloneRun(run)
	return &out, nil
}

// FailRun — CAS pending|running -> failed. Балл и сэмплы не пишутся.
func (s *Store) FailRun(_ context.Context, runID string, failure domain.Failure, at time.Time) (*domain.AuditRun, error) {
	return s.finish(runID, domain.StateFailed, &failure, at)
}

// CancelRun — CAS pending|running -> cancelled.
func (s *Store) CancelRun(_ context.Context, runID, reason string, at time.Time) (*domain.AuditRun, error) {
	var f *domain.Failure
	if reason != "" {
		f = &domain.Failure{Reason: reason}
	}
	return s.finish(runID, domain.StateCancelled, f, at)
}

func (s *Store) finish(runID string, to domain.RunState, failure *domain.Failure, at time.Time) (*domain.AuditRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("memory: run %s: %w", runID, domain.ErrNotFound)
	}
	if err := run.State.CanTransitionTo(to); err != nil {
		return nil, fmt.Errorf("memory: run %s: %w", runID, err)
	}

	wasRunning := run.State == domain.StateRunning
	run.State = to
	run.Failure = failure
	run.CompletedAt = &at
	run.UpdatedAt = at
	s.runs[runID] = run

	if wasRunning {
		s.releaseSlot(run.TenantID, at)
	}
	// неудачная попытка тоже сдвигает расписание, иначе sweep будет долбить цель каждый тик;
	// отказ допуска — нет: цель повторится на следующем тике
	if t, ok := s.targets[run.TargetID]; ok && touchesSchedule(to, failure) {
		t.LastAuditedAt = &at
		s.targets[run.TargetID] = t
	}
	out := cloneRun(run)
	return &out, nil
}

func touchesSchedule(to domain.RunState, failure *domain.Failure) bool {
	return to == domain.StateFailed && (failure == nil || failure.Kind != domain.FailureAdmission)
}

// StaleRunning — running дольше cutoff (воркер умер, процесс перезапущен).
func (s *Store) StaleRunning(_ context.Context, startedBefore time.Time, limit int) ([]domain.AuditRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditRun
	for _, r := range s.runs {
		if r.State == domain.StateRunning && r.StartedAt != nil && r.StartedAt.Before(startedBefore) {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PendingRuns — pending без воркера (например, очередь была потеряна при рестарте).
func (s *Store) PendingRuns(_ context.Context, createdBefore time.Time, limit int) ([]domain.AuditRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditRun
	for _, r := range s.runs {
		if r.State == domain.StatePending && r.CreatedAt.Before(createdBefore) {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CompletedHistory — завершенные запуски цели в [since, until), новые первыми, без excludeRunID.
func (s *Store) CompletedHistory(_ context.Context, targetID, excludeRunID string, since, until time.Time, limit int) ([]domain.AuditRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditRun
	for _, r := range s.runs {
		if r.TargetID != targetID || r.ID == excludeRunID || r.State != domain.StateCompleted {
			continue
		}
		if r.CompletedAt == nil || r.CompletedAt.Before(since) || !r.CompletedAt.Before(until) || r.Score == nil {
			continue
		}
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(*out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListSamples(_ context.Context, runID string) ([]domain.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MetricSample, len(s.samples[runID]))
	copy(out, s.samples[runID])
	return out, nil
}

func (s *Store) Quota(_ context.Context, tenantID string) (*domain.TenantQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[tenantID]
	if !ok {
		return &domain.TenantQuota{TenantID: tenantID}, nil
	}
	return &q, nil
}

func (s *Store) releaseSlot(tenantID string, at time.Time) {
	q := s.quotas[tenantID]
	if q.RunningCount > 0 {
		q.RunningCount--
	}
	q.UpdatedAt = at
	s.quotas[tenantID] = q
}

func cloneRun(r domain.AuditRun) domain.AuditRun {
	r.RawMetrics = r.RawMetrics.Clone()
	r.DomainScores = copyScores(r.DomainScores)
	if r.Score != nil {
		v := *r.Score
		r.Score = &v
	}
	if r.Failure != nil {
		f := *r.Failure
		r.Failure = &f
	}
	return r
}

func copyScores(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
