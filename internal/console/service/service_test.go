package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/admission"
	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/notify"
	"github.com/xela07ax/siteaudit/internal/repository/memory"
)

var now = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

// completeRuns проводит run через допуск и завершает с заданными баллами.
func completeRuns(t *testing.T, store *memory.Store, target string, scores ...int) {
	t.Helper()
	ctx := context.Background()
	for i, s := range scores {
		id := fmt.Sprintf("%s-%d", target, i)
		at := now.Add(-time.Duration(len(scores)-i) * time.Hour)
		check := domain.AdmissionCheck{TenantID: "t1", MonthlyLimit: 100, ConcurrencyLimit: 10, HourlyLimit: 100, Now: at, PeriodStart: domain.MonthStart(at)}
		if err := store.CreateRun(ctx, &domain.AuditRun{ID: id, TenantID: "t1", TargetID: target, State: domain.StatePending, CreatedAt: at}); err != nil {
			t.Fatal(err)
		}
		if _, err := store.AdmitRun(ctx, id, check); err != nil {
			t.Fatal(err)
		}
		grade := "A"
		if s < 90 {
			grade = "C"
		}
		if _, err := store.CompleteRun(ctx, id, domain.RunResult{Score: s, LetterGrade: grade, CompletedAt: at}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDashboard_Tenant(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for _, tg := range []domain.Target{
		{ID: "a", TenantID: "t1", URL: "https://a.example.com", Active: true, MonitoringInterval: time.Hour},
		{ID: "b", TenantID: "t1", URL: "https://b.example.com", Active: true},
		{ID: "c", TenantID: "t1", URL: "https://c.example.com"},
		{ID: "x", TenantID: "t2", URL: "https://x.example.com", Active: true},
	} {
		if err := store.CreateTarget(ctx, &tg); err != nil {
			t.Fatal(err)
		}
	}
	completeRuns(t, store, "a", 95, 75)
	for _, a := range []domain.Alert{
		{ID: "al1", TenantID: "t1", TargetID: "a", RunID: "a-1", Severity: domain.SeverityHigh, Status: domain.AlertActive, CreatedAt: now},
		{ID: "al2", TenantID: "t1", TargetID: "b", RunID: "b-0", Severity: domain.SeverityCritical, Status: domain.AlertActive, CreatedAt: now},
		{ID: "al3", TenantID: "t2", TargetID: "x", RunID: "x-0", Severity: domain.SeverityHigh, Status: domain.AlertActive, CreatedAt: now},
	} {
		if _, _, err := store.CreateAlert(ctx, &a); err != nil {
			t.Fatal(err)
		}
	}

	plans := admission.StaticPlans{{TenantID: "t1", Name: "pro", Active: true, MonthlyAudits: 10}}
	svc := NewDashboardService(store, plans, DashboardConfig{}, zap.NewNop()).
		WithClock(func() time.Time { return now })

	d, err := svc.Tenant(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Plan == nil || d.Plan.Name != "pro" {
		t.Errorf("plan = %+v", d.Plan)
	}
	if d.Targets != (domain.TargetStats{Total: 3, Active: 2, Scheduled: 1}) {
		t.Errorf("targets = %+v", d.Targets)
	}
	if d.Quota.MonthlyUsed != 2 || d.Quota.RunningCount != 0 {
		t.Errorf("quota = %+v", d.Quota)
	}
	if d.Runs.Sampled != 2 || d.Runs.ByState[domain.StateCompleted] != 2 {
		t.Errorf("runs = %+v", d.Runs)
	}
	if d.Runs.AverageScore == nil || *d.Runs.AverageScore != 85 {
		t.Errorf("average = %v", d.Runs.AverageScore)
	}
	if d.Runs.GradeCounts["A"] != 1 || d.Runs.GradeCounts["C"] != 1 {
		t.Errorf("grades = %v", d.Runs.GradeCounts)
	}
	if d.Alerts.Active != 2 || d.Alerts.BySeverity[domain.SeverityCritical] != 1 {
		t.Errorf("alerts = %+v", d.Alerts)
	}

	// без плана сводка строится, Plan пустой
	d2, err := svc.Tenant(ctx, "t2")
	if err != nil {
		t.Fatal(err)
	}
	if d2.Plan != nil || d2.Runs.AverageScore != nil || d2.Alerts.Active != 1 {
		t.Errorf("t2 dashboard = %+v", d2)
	}
}

func TestDashboard_StaleQuotaPeriod(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.CreateTarget(ctx, &domain.Target{ID: "a", TenantID: "t1", URL: "https://a.example.com", Active: true}); err != nil {
		t.Fatal(err)
	}
	completeRuns(t, store, "a", 80)

	nextMonth := now.AddDate(0, 1, 0)
	svc := NewDashboardService(store, admission.StaticPlans{}, DashboardConfig{}, zap.NewNop()).
		WithClock(func() time.Time { return nextMonth })
	d, err := svc.Tenant(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Quota.MonthlyUsed != 0 {
		t.Errorf("monthly used = %d, want 0 in a new period", d.Quota.MonthlyUsed)
	}
}

func TestDashboard_TargetHistory(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.CreateTarget(ctx, &domain.Target{ID: "a", TenantID: "t1", URL: "https://a.example.com", Active: true}); err != nil {
		t.Fatal(err)
	}
	completeRuns(t, store, "a", 70, 80, 90)

	svc := NewDashboardService(store, admission.StaticPlans{}, DashboardConfig{}, zap.NewNop())
	points, err := svc.TargetHistory(ctx, "t1", "a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 3 || points[0].Score != 70 || points[2].Score != 90 {
		t.Fatalf("points = %+v", points)
	}

	if _, err := svc.TargetHistory(ctx, "t2", "a", 10); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign tenant: %v", err)
	}
}

func TestAlertFeed_TenantIsolation(t *testing.T) {
	feed := NewAlertFeed(4, zap.NewNop())
	s1 := feed.Subscribe("t1")
	s2 := feed.Subscribe("t2")
	defer s2.Close()

	feed.Publish(notify.NewEvent(domain.Alert{ID: "al1", TenantID: "t1"}))

	select {
	case msg := <-s1.C:
		if msg.Resync || msg.Event.Alert.ID != "al1" {
			t.Errorf("msg = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("t1 subscriber got nothing")
	}
	select {
	case msg := <-s2.C:
		t.Fatalf("t2 got foreign alert: %+v", msg)
	default:
	}

	s1.Close()
	s1.Close()

	feed.Resync()
	if msg := <-s2.C; !msg.Resync {
		t.Errorf("expected resync, got %+v", msg)
	}
	if _, ok := <-s1.C; ok {
		t.Error("channel must be closed after Close")
	}
	if n := feed.Subscribers("t1"); n != 0 {
		t.Errorf("subscribers = %d", n)
	}
}

func TestAlertFeed_SlowSubscriberIsDropped(t *testing.T) {
	feed := NewAlertFeed(1, zap.NewNop())
	slow := feed.Subscribe("t1")
	defer slow.Close()
	other := feed.Subscribe("t2")
	defer other.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			feed.Publish(notify.NewEvent(domain.Alert{ID: fmt.Sprint(i), TenantID: "t1"}))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// буфер дочитывается, затем канал закрыт
	if msg := <-slow.C; msg.Event.Alert.ID != "0" {
		t.Errorf("first buffered = %s", msg.Event.Alert.ID)
	}
	if _, ok := <-slow.C; ok {
		t.Error("slow subscriber must be dropped")
	}
	if n := feed.Subscribers("t1"); n != 0 {
		t.Errorf("t1 subscribers = %d, want 0", n)
	}

	feed.Publish(notify.NewEvent(domain.Alert{ID: "x", TenantID: "t2"}))
	if msg := <-other.C; msg.Event.Alert.ID != "x" {
		t.Errorf("other tenant got %+v", msg)
	}
}
