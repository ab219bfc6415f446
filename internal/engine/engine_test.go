package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xela07ax/siteaudit/internal/admission"
	"github.com/xela07ax/siteaudit/internal/collector"
	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/repository/memory"
)

const siteURL = "https://example.com"

var healthyBag = domain.RawMetricBag{
	"lcp_ms":              2000.0,
	"inp_ms":              150.0,
	"cls_score":           0.05,
	"seo_score":           90.0,
	"security_score":      80.0,
	"accessibility_score": 70.0,
	"https_enabled":       true,
}

type recordingDispatcher struct {
	mu   sync.Mutex
	runs []domain.AuditRun
}

func (d *recordingDispatcher) Dispatch(run domain.AuditRun) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runs = append(d.runs, run)
}

func (d *recordingDispatcher) Runs() []domain.AuditRun {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.AuditRun(nil), d.runs...)
}

type recordingJournal struct {
	mu     sync.Mutex
	events []domain.TransitionEvent
}

func (j *recordingJournal) Record(ev domain.TransitionEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
}

func (j *recordingJournal) For(runID string) []domain.TransitionEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.TransitionEvent
	for _, ev := range j.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	store   *memory.Store
	fake    *collector.Fake
	metrics *Metrics
	disp    *recordingDispatcher
	journal *recordingJournal
	eng     *Engine
}

type harnessOpts struct {
	plan     domain.Plan
	cfg      Config
	reliable bool
	logger   *zap.Logger
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.plan.TenantID == "" {
		opts.plan = domain.Plan{TenantID: "t1", Name: "pro", Active: true, MaxWebsites: 10, MonthlyAudits: 100, ConcurrentAudits: 5, HourlyAudits: 100}
	}

	h := &harness{
		store:   memory.New(),
		fake:    collector.NewFake(),
		metrics: NewMetrics(prometheus.NewRegistry()),
		disp:    &recordingDispatcher{},
		journal: &recordingJournal{},
	}
	ctx := context.Background()
	for _, id := range []string{"site", "site2"} {
		if err := h.store.CreateTarget(ctx, &domain.Target{ID: id, TenantID: "t1", URL: siteURL, Active: true}); err != nil {
			t.Fatalf("CreateTarget: %v", err)
		}
	}

	var coll collector.Collector = h.fake
	if opts.reliable {
		coll = NewReliableCollector("test", h.fake, ReliabilityConfig{
			RatePerSecond:  1000,
			Burst:          100,
			MaxAttempts:    3,
			BaseDelay:      time.Millisecond,
			MaxDelay:       5 * time.Millisecond,
			AttemptTimeout: time.Second,
		}, h.metrics, zap.NewNop())
	}

	adm := admission.NewController(admission.StaticPlans{opts.plan}, h.store, admission.Config{}, zap.NewNop())
	logger := opts.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h.eng = New(h.store, adm, coll, h.journal, h.disp, h.metrics, opts.cfg, logger)
	return h
}

func (h *harness) startRun(t *testing.T, targetID string) *domain.AuditRun {
	t.Helper()
	ctx := context.Background()
	run, err := h.eng.CreateRun(ctx, CreateRequest{TenantID: "t1", TargetID: targetID, Kind: domain.KindAPI, TriggerSource: "test"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	started, err := h.eng.StartRun(ctx, "t1", run.ID)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	return started
}

func (h *harness) run(t *testing.T, id string) *domain.AuditRun {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	return run
}

func TestExecute_Completes(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.fake.Set(siteURL, healthyBag)
	run := h.startRun(t, "site")

	if err := h.eng.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := h.run(t, run.ID)
	if got.State != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if got.Score == nil || *got.Score != 88 || got.LetterGrade != "B" {
		t.Fatalf("score = %v grade = %s, want 88/B", got.Score, got.LetterGrade)
	}
	if got.DomainScores["performance"] != 100 || got.DomainScores["seo"] != 90 {
		t.Errorf("domains = %v", got.DomainScores)
	}
	if got.Profile != domain.ProfileComprehensive {
		t.Errorf("profile = %s, want comprehensive by default", got.Profile)
	}

	_, samples, err := h.eng.RunDetails(context.Background(), "t1", run.ID)
	if err != nil {
		t.Fatalf("RunDetails: %v", err)
	}
	if len(samples) != 6 {
		t.Errorf("samples = %d, want 6 (auxiliary keys are not scored)", len(samples))
	}

	events := h.journal.For(run.ID)
	wantTo := []domain.RunState{domain.StatePending, domain.StateRunning, domain.StateCompleted}
	if len(events) != len(wantTo) {
		t.Fatalf("journal = %+v", events)
	}
	for i, ev := range events {
		if ev.To != wantTo[i] {
			t.Errorf("event %d: to = %s, want %s", i, ev.To, wantTo[i])
		}
	}

	if runs := h.disp.Runs(); len(runs) != 1 || runs[0].State != domain.StateCompleted {
		t.Errorf("dispatched = %+v", runs)
	}
	if v := testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("api", "completed")); v != 1 {
		t.Errorf("runs_total{completed} = %v", v)
	}

	quota, _ := h.store.Quota(context.Background(), "t1")
	if quota.RunningCount != 0 || quota.MonthlyUsed != 1 {
		t.Errorf("quota = %+v", quota)
	}
}

func TestExecute_Failures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *collector.Fake)
		cfg       Config
		wantKind  domain.FailureKind
		wantCalls int
	}{
		{
			name:      "validation is not retried",
			setup:     func(f *collector.Fake) { f.FailWith(siteURL, collector.Invalid("unreachable host")) },
			wantKind:  domain.FailureValidation,
			wantCalls: 1,
		},
		{
			name: "transient exhausted",
			setup: func(f *collector.Fake) {
				for i := 0; i < 3; i++ {
					f.FailWith(siteURL, &collector.TransientError{Op: "measure", Cause: errors.New("503")})
				}
			},
			wantKind:  domain.FailureCollection,
			wantCalls: 3,
		},
		{
			name:      "hard timeout",
			setup:     func(f *collector.Fake) { f.Set(siteURL, healthyBag).WithDelay(time.Second) },
			cfg:       Config{CollectTimeout: 20 * time.Millisecond},
			wantKind:  domain.FailureTimeout,
			wantCalls: 1,
		},
		{
			name:      "unknown metric",
			setup:     func(f *collector.Fake) { f.Set(siteURL, domain.RawMetricBag{"lcp_ms": 1000.0, "foo_ms": 12.0}) },
			wantKind:  domain.FailureClassification,
			wantCalls: 1,
		},
		{
			name:      "no scorable metrics",
			setup:     func(f *collector.Fake) { f.Set(siteURL, domain.RawMetricBag{"https_enabled": true}) },
			wantKind:  domain.FailureValidation,
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{cfg: tt.cfg, reliable: true})
			tt.setup(h.fake)
			run := h.startRun(t, "site")

			if err := h.eng.Execute(context.Background(), run.ID); err != nil {
				t.Fatalf("Execute: %v", err)
			}

			got := h.run(t, run.ID)
			if got.State != domain.StateFailed || got.Failure == nil || got.Failure.Kind != tt.wantKind {
				t.Fatalf("run = %+v failure = %+v, want failed(%s)", got, got.Failure, tt.wantKind)
			}
			if got.Score != nil || got.LetterGrade != "" {
				t.Errorf("failed run must not carry a score: %v %q", got.Score, got.LetterGrade)
			}
			if samples, _ := h.store.ListSamples(context.Background(), run.ID); len(samples) != 0 {
				t.Errorf("failed run has %d samples", len(samples))
			}
			if calls := h.fake.Calls(siteURL); calls != tt.wantCalls {
				t.Errorf("collector calls = %d, want %d", calls, tt.wantCalls)
			}
			// failed из running отдается потребителям
			if runs := h.disp.Runs(); len(runs) != 1 || runs[0].State != domain.StateFailed {
				t.Errorf("dispatched = %+v", runs)
			}
		})
	}
}

func TestExecute_TransientRecovered(t *testing.T) {
	h := newHarness(t, harnessOpts{reliable: true})
	h.fake.Set(siteURL, healthyBag).
		FailWith(siteURL,
			&collector.TransientError{Op: "measure", Cause: errors.New("connection reset")},
			&collector.ThrottleError{RetryAfter: 5 * time.Millisecond, Cause: errors.New("429")})
	run := h.startRun(t, "site")

	if err := h.eng.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := h.run(t, run.ID); got.State != domain.StateCompleted {
		t.Fatalf("state = %s, failure = %+v", got.State, got.Failure)
	}
	if calls := h.fake.Calls(siteURL); calls != 3 {
		t.Errorf("collector calls = %d, want 3", calls)
	}
	if v := testutil.ToFloat64(h.metrics.CollectorErrors.WithLabelValues("throttle")); v != 1 {
		t.Errorf("collector_errors{throttle} = %v", v)
	}
}

func TestCancelRun_DiscardsInFlightResult(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	gate := make(chan struct{})
	called := make(chan struct{})
	var once sync.Once
	h.fake.Set(siteURL, healthyBag).Gate(gate).OnCall(func(string) { once.Do(func() { close(called) }) })
	run := h.startRun(t, "site")

	done := make(chan error, 1)
	go func() { done <- h.eng.Execute(context.Background(), run.ID) }()
	<-called

	cancelled, err := h.eng.CancelRun(context.Background(), "t1", run.ID, "operator request")
	if err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if cancelled.State != domain.StateCancelled {
		t.Fatalf("state = %s", cancelled.State)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Execute after cancel: %v", err)
	}

	got := h.run(t, run.ID)
	if got.State != domain.StateCancelled || got.Score != nil {
		t.Fatalf("run after late result = %+v", got)
	}
	if samples, _ := h.store.ListSamples(context.Background(), run.ID); len(samples) != 0 {
		t.Errorf("late result was persisted: %d samples", len(samples))
	}
	if runs := h.disp.Runs(); len(runs) != 0 {
		t.Errorf("cancelled run dispatched: %+v", runs)
	}

	if _, err := h.eng.CancelRun(context.Background(), "t1", run.ID, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("second cancel: err = %v", err)
	}
}

func TestCancelRun_LateCollectorFailureIsExpected(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := newHarness(t, harnessOpts{logger: zap.New(core)})
	gate := make(chan struct{})
	called := make(chan struct{})
	var once sync.Once
	// без фикстуры коллектор после gate вернет ValidationError
	h.fake.Gate(gate).OnCall(func(string) { once.Do(func() { close(called) }) })
	run := h.startRun(t, "site")

	done := make(chan struct{})
	go func() {
		h.eng.handleJob(context.Background(), Job{RunID: run.ID})
		close(done)
	}()
	<-called

	if _, err := h.eng.CancelRun(context.Background(), "t1", run.ID, "operator request"); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	close(gate)
	<-done

	if n := logs.FilterLevelExact(zap.ErrorLevel).Len(); n != 0 {
		t.Errorf("error logs = %d: %+v", n, logs.FilterLevelExact(zap.ErrorLevel).All())
	}
	if logs.FilterMessage("collector outcome discarded: run is no longer running").Len() != 1 {
		t.Error("discarded outcome not logged")
	}
	got := h.run(t, run.ID)
	if got.State != domain.StateCancelled || got.Failure == nil || got.Failure.Reason != "operator request" {
		t.Fatalf("run = %+v", got)
	}
}

func TestReliableCollector_RateWaitPastDeadlineIsTimeout(t *testing.T) {
	fake := collector.NewFake().Set(siteURL, healthyBag)
	rc := NewReliableCollector("test", fake, ReliabilityConfig{
		RatePerSecond:  0.01,
		Burst:          1,
		MaxAttempts:    1,
		AttemptTimeout: time.Second,
	}, nil, zap.NewNop())

	if _, err := rc.Measure(context.Background(), siteURL, collector.Options{}); err != nil {
		t.Fatalf("first measure: %v", err)
	}

	// следующий токен через 100s, дедлайн раньше: лимитер откажет не дожидаясь
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := rc.Measure(ctx, siteURL, collector.Options{})
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	if kind := classifyFailure(ctx, err); kind != domain.FailureTimeout {
		t.Errorf("kind = %s, want timeout (%v)", kind, err)
	}
	if n := fake.Calls(siteURL); n != 1 {
		t.Errorf("collector calls = %d, want 1", n)
	}
}

func TestCreateRun_Validation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	_ = h.store.CreateTarget(ctx, &domain.Target{ID: "paused", TenantID: "t1", URL: siteURL})
	_ = h.store.CreateTarget(ctx, &domain.Target{ID: "foreign", TenantID: "t2", URL: siteURL, Active: true})

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"missing target", CreateRequest{TenantID: "t1", Kind: domain.KindAPI}, domain.ErrInvalidArgument},
		{"bad kind", CreateRequest{TenantID: "t1", TargetID: "site", Kind: "cron"}, domain.ErrInvalidArgument},
		{"bad profile", CreateRequest{TenantID: "t1", TargetID: "site", Kind: domain.KindAPI, Profile: "full"}, domain.ErrInvalidArgument},
		{"unknown target", CreateRequest{TenantID: "t1", TargetID: "nope", Kind: domain.KindAPI}, domain.ErrNotFound},
		{"foreign target", CreateRequest{TenantID: "t1", TargetID: "foreign", Kind: domain.KindAPI}, domain.ErrNotFound},
		{"inactive target", CreateRequest{TenantID: "t1", TargetID: "paused", Kind: domain.KindAPI}, domain.ErrTargetInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.eng.CreateRun(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateRun_DuplicatePrevention(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	req := CreateRequest{TenantID: "t1", TargetID: "site", Kind: domain.KindManual}

	if _, err := h.eng.CreateRun(ctx, req); err != nil {
		t.Fatalf("first CreateRun: %v", err)
	}
	if _, err := h.eng.CreateRun(ctx, req); !errors.Is(err, domain.ErrAuditAlreadyInProgress) {
		t.Fatalf("second CreateRun: err = %v", err)
	}
	req.Kind = domain.KindScheduled
	if _, err := h.eng.CreateRun(ctx, req); !errors.Is(err, domain.ErrAuditAlreadyInProgress) {
		t.Fatalf("scheduled duplicate: err = %v", err)
	}
}

func TestSubmit_AdmissionDenied(t *testing.T) {
	h := newHarness(t, harnessOpts{plan: domain.Plan{
		TenantID: "t1", Name: "starter", Active: true, MonthlyAudits: 10, ConcurrentAudits: 1, HourlyAudits: 10,
	}})
	ctx := context.Background()

	first, err := h.eng.Submit(ctx, CreateRequest{TenantID: "t1", TargetID: "site", Kind: domain.KindAPI})
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if first.State != domain.StateRunning {
		t.Fatalf("first state = %s", first.State)
	}

	second, err := h.eng.Submit(ctx, CreateRequest{TenantID: "t1", TargetID: "site2", Kind: domain.KindAPI})
	if reason, ok := domain.DenialOf(err); !ok || reason != domain.DenialConcurrencyLimitExceeded {
		t.Fatalf("second Submit: err = %v", err)
	}
	if second == nil || second.State != domain.StateFailed || second.Failure.Kind != domain.FailureAdmission {
		t.Fatalf("denied run = %+v", second)
	}
	if v := testutil.ToFloat64(h.metrics.AdmissionDenied.WithLabelValues(string(domain.DenialConcurrencyLimitExceeded))); v != 1 {
		t.Errorf("admission_denied = %v", v)
	}

	// отказ не блокирует цель
	if _, err := h.eng.CreateRun(ctx, CreateRequest{TenantID: "t1", TargetID: "site2", Kind: domain.KindAPI}); err != nil {
		t.Errorf("target stays blocked after denial: %v", err)
	}
	// отклоненный pending не отдается потребителям
	if runs := h.disp.Runs(); len(runs) != 0 {
		t.Errorf("dispatched = %+v", runs)
	}
}

func TestSubmit_ProcessedByPool(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{Workers: 2, QueueSize: 4}})
	h.fake.Set(siteURL, healthyBag)
	h.eng.Start()

	run, err := h.eng.Submit(context.Background(), CreateRequest{TenantID: "t1", TargetID: "site", Kind: domain.KindAPI})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := h.run(t, run.ID)
		if got.State == domain.StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run still %s", got.State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.eng.Stop(ctx)

	if _, err := h.eng.Submit(context.Background(), CreateRequest{TenantID: "t1", TargetID: "site2", Kind: domain.KindAPI}); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("Submit after stop: err = %v", err)
	}
	// слот освобожден: run после остановки пула закрыт как internal
	quota, _ := h.store.Quota(context.Background(), "t1")
	if quota.RunningCount != 0 {
		t.Errorf("running count = %d", quota.RunningCount)
	}
}

func TestGetRun_TenantIsolation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	run := h.startRun(t, "site")

	if _, err := h.eng.GetRun(context.Background(), "t2", run.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign GetRun: err = %v", err)
	}
	if _, err := h.eng.CancelRun(context.Background(), "t2", run.ID, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign CancelRun: err = %v", err)
	}
	if got, err := h.eng.GetRun(context.Background(), "t1", run.ID); err != nil || got.ID != run.ID {
		t.Errorf("own GetRun: %v %v", got, err)
	}
}

func TestReclaimStale(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	running := h.startRun(t, "site")
	pending, err := h.eng.CreateRun(ctx, CreateRequest{TenantID: "t1", TargetID: "site2", Kind: domain.KindScheduled})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if n, err := h.eng.ReclaimStale(ctx, time.Hour); err != nil || n != 0 {
		t.Fatalf("fresh runs reclaimed: n=%d err=%v", n, err)
	}

	h.eng.WithClock(func() time.Time { return time.Now().UTC().Add(2 * time.Hour) })
	n, err := h.eng.ReclaimStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if n != 2 {
		t.Fatalf("reclaimed = %d, want 2", n)
	}

	for _, id := range []string{running.ID, pending.ID} {
		got := h.run(t, id)
		if got.State != domain.StateFailed || got.Failure.Kind != domain.FailureStale {
			t.Errorf("run %s = %s %+v", id, got.State, got.Failure)
		}
	}
	quota, _ := h.store.Quota(ctx, "t1")
	if quota.RunningCount != 0 {
		t.Errorf("running count = %d after reclaim", quota.RunningCount)
	}
	if runs := h.disp.Runs(); len(runs) != 1 || runs[0].ID != running.ID {
		t.Errorf("dispatched = %+v, want only the run that was running", runs)
	}
}

func TestExecute_SkipsNonRunning(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.fake.Set(siteURL, healthyBag)
	run, err := h.eng.CreateRun(context.Background(), CreateRequest{TenantID: "t1", TargetID: "site", Kind: domain.KindAPI})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.eng.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if h.fake.Calls(siteURL) != 0 {
		t.Error("pending run must not reach the collector")
	}
}
