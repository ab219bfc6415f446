package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/collector"
	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/journal"
	"github.com/xela07ax/siteaudit/internal/scoring"
)

// Store — переходы конечного автомата. Все изменения состояния — CAS на стороне хранилища.
type Store interface {
	GetTarget(ctx context.Context, id string) (*domain.Target, error)
	CreateRun(ctx context.Context, run *domain.AuditRun) error
	GetRun(ctx context.Context, id string) (*domain.AuditRun, error)
	ListRuns(ctx context.Context, tenantID, targetID string, limit int) ([]domain.AuditRun, error)
	ListSamples(ctx context.Context, runID string) ([]domain.MetricSample, error)
	CompleteRun(ctx context.Context, runID string, res domain.RunResult) (*domain.AuditRun, error)
	FailRun(ctx context.Context, runID string, failure domain.Failure, at time.Time) (*domain.AuditRun, error)
	CancelRun(ctx context.Context, runID, reason string, at time.Time) (*domain.AuditRun, error)
	StaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]domain.AuditRun, error)
	PendingRuns(ctx context.Context, createdBefore time.Time, limit int) ([]domain.AuditRun, error)
}

// Admitter — контроллер допуска: атомарно переводит pending -> running.
type Admitter interface {
	Admit(ctx context.Context, tenantID, runID string) (*domain.AuditRun, error)
}

// Dispatcher получает терминальные run для асинхронных потребителей.
type Dispatcher interface {
	Dispatch(run domain.AuditRun)
}

type Config struct {
	Workers        int
	QueueSize      int
	CollectTimeout time.Duration // жесткий таймаут сбора, по истечении run -> failed(timeout)
	Device         string
	ReclaimBatch   int
}

// CreateRequest — единая точка входа для всех триггеров (manual, scheduled, api).
type CreateRequest struct {
	TenantID      string
	TargetID      string
	Kind          domain.AuditKind
	TriggerSource string
	Profile       domain.ScoreProfile // пусто — профиль цели
}

type Engine struct {
	store     Store
	admission Admitter
	collector collector.Collector
	journal   journal.Recorder
	followups Dispatcher
	metrics   *Metrics
	pool      *Pool
	cfg       Config
	now       func() time.Time
	newID     func() string
	logger    *zap.Logger
}

func New(store Store, adm Admitter, coll collector.Collector, rec journal.Recorder, followups Dispatcher, metrics *Metrics, cfg Config, logger *zap.Logger) *Engine {
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = 45 * time.Second
	}
	if cfg.ReclaimBatch <= 0 {
		cfg.ReclaimBatch = 100
	}
	if rec == nil {
		rec = journal.Discard{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	e := &Engine{
		store:     store,
		admission: adm,
		collector: coll,
		journal:   rec,
		followups: followups,
		metrics:   metrics,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
		logger:    logger.Named("engine"),
	}
	e.pool = NewPool(cfg.Workers, cfg.QueueSize, e.handleJob, metrics, e.logger)
	return e
}

// WithClock подменяет часы.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Start запускает воркеры.
func (e *Engine) Start() {
	e.pool.Start()
}

// Stop дочитывает очередь. В-полете run после истечения ctx получают отмену.
func (e *Engine) Stop(ctx context.Context) {
	e.pool.Stop(ctx)
}

// Submit = create + admit + enqueue. Возвращает run в его текущем состоянии
// (при отказе допуска — уже failed) и ошибку допуска, если она была.
func (e *Engine) Submit(ctx context.Context, req CreateRequest) (*domain.AuditRun, error) {
	run, err := e.CreateRun(ctx, req)
	if err != nil {
		return nil, err
	}

	started, err := e.StartRun(ctx, req.TenantID, run.ID)
	if err != nil {
		if failed, getErr := e.store.GetRun(ctx, run.ID); getErr == nil {
			return failed, err
		}
		return run, err
	}

	if err := e.pool.Enqueue(ctx, Job{RunID: started.ID, TenantID: started.TenantID}); err != nil {
		// run уже занял слот: освобождаем его, иначе цель заблокирована до reclaim
		failed, failErr := e.fail(context.Background(), started, domain.FailureInternal, "enqueue: "+err.Error())
		if failErr != nil {
			return started, fmt.Errorf("engine: enqueue run %s: %w", started.ID, err)
		}
		return failed, fmt.Errorf("engine: enqueue run %s: %w", started.ID, err)
	}
	return started, nil
}

// CreateRun создает run в pending. Второй in-progress run для цели — ErrAuditAlreadyInProgress.
func (e *Engine) CreateRun(ctx context.Context, req CreateRequest) (*domain.AuditRun, error) {
	if req.TenantID == "" || req.TargetID == "" {
		return nil, fmt.Errorf("engine: tenant and target are required: %w", domain.ErrInvalidArgument)
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("engine: audit kind %q: %w", req.Kind, domain.ErrInvalidArgument)
	}

	target, err := e.store.GetTarget(ctx, req.TargetID)
	if err != nil {
		return nil, err
	}
	if target.TenantID != req.TenantID {
		// чужая цель неотличима от несуществующей
		return nil, fmt.Errorf("engine: target %s: %w", req.TargetID, domain.ErrNotFound)
	}
	if !target.Active {
		return nil, fmt.Errorf("engine: target %s: %w", req.TargetID, domain.ErrTargetInactive)
	}

	profile := req.Profile
	if profile == "" {
		profile = target.Profile
	}
	if profile == "" {
		profile = domain.ProfileComprehensive
	}
	if !profile.Valid() {
		return nil, fmt.Errorf("engine: score profile %q: %w", profile, domain.ErrInvalidArgument)
	}

	now := e.now()
	run := &domain.AuditRun{
		ID:            e.newID(),
		TargetID:      target.ID,
		TenantID:      req.TenantID,
		TargetURL:     target.URL,
		Kind:          req.Kind,
		TriggerSource: req.TriggerSource,
		Profile:       profile,
		State:         domain.StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	e.record(run, "", domain.StatePending, nil, now)
	e.logger.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("tenant_id", run.TenantID),
		zap.String("target_id", run.TargetID),
		zap.String("kind", string(run.Kind)),
		zap.String("trigger", run.TriggerSource))
	return run, nil
}

// StartRun переводит pending -> running только через контроллер допуска.
// Отказ допуска переводит run в failed(admission), чтобы цель не оставалась заблокированной.
func (e *Engine) StartRun(ctx context.Context, tenantID, runID string) (*domain.AuditRun, error) {
	run, err := e.admission.Admit(ctx, tenantID, runID)
	if err != nil {
		reason, denied := domain.DenialOf(err)
		if !denied {
			return nil, err
		}
		e.metrics.AdmissionDenied.WithLabelValues(string(reason)).Inc()

		pending, getErr := e.store.GetRun(ctx, runID)
		if getErr != nil {
			return nil, err
		}
		if _, failErr := e.fail(ctx, pending, domain.FailureAdmission, err.Error()); failErr != nil {
			e.logger.Error("failed to close denied run", zap.String("run_id", runID), zap.Error(failErr))
		}
		return nil, err
	}

	e.record(run, domain.StatePending, domain.StateRunning, nil, e.now())
	return run, nil
}

func (e *Engine) handleJob(ctx context.Context, job Job) {
	if err := e.Execute(ctx, job.RunID); err != nil {
		e.logger.Error("run execution failed", zap.String("run_id", job.RunID), zap.Error(err))
	}
}

// Execute исполняет running run: Collector -> Classifier -> Aggregator -> completed|failed.
// Ошибка возвращается только если не удалось записать терминальное состояние.
func (e *Engine) Execute(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("engine: load run %s: %w", runID, err)
	}
	if run.State != domain.StateRunning {
		// отменен до того, как воркер до него дошел
		e.logger.Info("skip run: not running", zap.String("run_id", runID), zap.String("state", string(run.State)))
		return nil
	}
	log := e.logger.With(zap.String("run_id", run.ID), zap.String("target_id", run.TargetID))

	collectCtx, cancel := context.WithTimeout(ctx, e.cfg.CollectTimeout)
	bag, err := e.collector.Measure(collectCtx, run.TargetURL, collector.Options{
		Profile: run.Profile,
		Device:  e.cfg.Device,
		Timeout: e.cfg.CollectTimeout,
	})
	kind := classifyFailure(collectCtx, err)
	cancel()

	if err != nil {
		if ctx.Err() != nil && kind != domain.FailureTimeout {
			// остановка процесса, а не сбой коллектора
			return e.failExecution(context.Background(), log, run, domain.FailureInternal, "interrupted: "+ctx.Err().Error())
		}
		log.Warn("collection failed", zap.String("kind", string(kind)), zap.Error(err))
		return e.failExecution(ctx, log, run, kind, "collector: "+err.Error())
	}

	res, err := scoring.Aggregate(bag, run.Profile)
	if err != nil {
		// рассинхрон версий коллектора и классификатора — громко
		log.Error("classification failed", zap.Error(err), zap.Strings("keys", bag.Keys()))
		return e.failExecution(ctx, log, run, domain.FailureClassification, err.Error())
	}
	if len(res.Samples) == 0 {
		return e.failExecution(ctx, log, run, domain.FailureValidation,
			"collector returned no scorable metrics: "+strings.Join(bag.Keys(), ","))
	}

	now := e.now()
	completed, err := e.store.CompleteRun(ctx, run.ID, domain.RunResult{
		RawMetrics:   bag,
		Samples:      res.Samples,
		Score:        res.Overall,
		LetterGrade:  res.LetterGrade,
		DomainScores: res.Domains,
		CompletedAt:  now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// run отменили, пока коллектор работал: результат выбрасываем
			log.Info("collector result discarded: run is no longer running")
			return nil
		}
		return fmt.Errorf("engine: complete run %s: %w", run.ID, err)
	}

	e.record(completed, domain.StateRunning, domain.StateCompleted, nil, now)
	e.observeTerminal(completed)
	log.Info("run completed", zap.Int("score", res.Overall), zap.String("grade", res.LetterGrade))

	e.dispatch(completed)
	return nil
}

// CancelRun — явная отмена оператором/API. Идущий вызов коллектора не прерывается,
// его результат будет отброшен CAS-ом в CompleteRun.
func (e *Engine) CancelRun(ctx context.Context, tenantID, runID, reason string) (*domain.AuditRun, error) {
	run, err := e.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by request"
	}

	now := e.now()
	cancelled, err := e.store.CancelRun(ctx, run.ID, reason, now)
	if err != nil {
		return nil, err
	}
	e.record(cancelled, run.State, domain.StateCancelled, cancelled.Failure, now)
	e.observeTerminal(cancelled)
	e.logger.Info("run cancelled", zap.String("run_id", runID), zap.String("reason", reason))
	return cancelled, nil
}

// GetRun возвращает run тенанта; чужой run — ErrNotFound.
func (e *Engine) GetRun(ctx context.Context, tenantID, runID string) (*domain.AuditRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.TenantID != tenantID {
		return nil, fmt.Errorf("engine: run %s: %w", runID, domain.ErrNotFound)
	}
	return run, nil
}

// RunDetails — run вместе с его сэмплами.
func (e *Engine) RunDetails(ctx context.Context, tenantID, runID string) (*domain.AuditRun, []domain.MetricSample, error) {
	run, err := e.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, nil, err
	}
	samples, err := e.store.ListSamples(ctx, run.ID)
	if err != nil {
		return nil, nil, err
	}
	return run, samples, nil
}

func (e *Engine) ListRuns(ctx context.Context, tenantID, targetID string, limit int) ([]domain.AuditRun, error) {
	return e.store.ListRuns(ctx, tenantID, targetID, limit)
}

// ReclaimStale закрывает run, зависшие в running дольше olderThan (воркер умер),
// и pending, которые так и не дошли до допуска. Слоты параллельности освобождаются.
func (e *Engine) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := e.now().Add(-olderThan)

	running, err := e.store.StaleRunning(ctx, cutoff, e.cfg.ReclaimBatch)
	if err != nil {
		return 0, fmt.Errorf("engine: list stale running: %w", err)
	}
	pending, err := e.store.PendingRuns(ctx, cutoff, e.cfg.ReclaimBatch)
	if err != nil {
		return 0, fmt.Errorf("engine: list stale pending: %w", err)
	}

	reclaimed := 0
	for _, run := range append(running, pending...) {
		reason := fmt.Sprintf("stale: %s since before %s", run.State, cutoff.Format(time.RFC3339))
		if _, err := e.fail(ctx, &run, domain.FailureStale, reason); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue // успел завершиться сам
			}
			return reclaimed, err
		}
		reclaimed++
	}
	if reclaimed > 0 {
		e.logger.Warn("stale runs reclaimed", zap.Int("count", reclaimed))
	}
	return reclaimed, nil
}

func (e *Engine) fail(ctx context.Context, run *domain.AuditRun, kind domain.FailureKind, reason string) (*domain.AuditRun, error) {
	now := e.now()
	failure := domain.Failure{Kind: kind, Reason: reason}
	failed, err := e.store.FailRun(ctx, run.ID, failure, now)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			e.logger.Debug("fail skipped: run already terminal", zap.String("run_id", run.ID))
		}
		return nil, err
	}
	e.record(failed, run.State, domain.StateFailed, &failure, now)
	e.observeTerminal(failed)
	if run.State == domain.StateRunning {
		e.dispatch(failed)
	}
	return failed, nil
}

// failExecution закрывает run ошибкой исполнения. Если run уже отменили, итог
// коллектора выбрасывается так же, как успешный результат в CompleteRun.
func (e *Engine) failExecution(ctx context.Context, log *zap.Logger, run *domain.AuditRun, kind domain.FailureKind, reason string) error {
	_, err := e.fail(ctx, run, kind, reason)
	if errors.Is(err, domain.ErrInvalidTransition) {
		log.Debug("collector outcome discarded: run is no longer running", zap.String("kind", string(kind)))
		return nil
	}
	return err
}

func (e *Engine) dispatch(run *domain.AuditRun) {
	if e.followups != nil {
		e.followups.Dispatch(*run)
	}
}

func (e *Engine) observeTerminal(run *domain.AuditRun) {
	e.metrics.RunsTotal.WithLabelValues(string(run.Kind), string(run.State)).Inc()
	if run.StartedAt != nil && run.CompletedAt != nil {
		e.metrics.RunDuration.WithLabelValues(string(run.Kind), string(run.State)).
			Observe(run.CompletedAt.Sub(*run.StartedAt).Seconds())
	}
}

func (e *Engine) record(run *domain.AuditRun, from, to domain.RunState, failure *domain.Failure, at time.Time) {
	ev := domain.TransitionEvent{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		TenantID:  run.TenantID,
		TargetID:  run.TargetID,
		From:      from,
		To:        to,
		Timestamp: at,
	}
	if failure != nil {
		ev.Kind = failure.Kind
		ev.Reason = failure.Reason
	}
	if run.StartedAt != nil && to.IsTerminal() {
		ev.DurationMs = at.Sub(*run.StartedAt).Milliseconds()
	}
	e.journal.Record(ev)
}
