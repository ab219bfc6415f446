package targets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/admission"
	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/repository/memory"
)

func newService(plans admission.StaticPlans) (*Service, *memory.Store) {
	store := memory.New()
	ctrl := admission.NewController(plans, store, admission.Config{}, zap.NewNop())
	return NewService(store, ctrl, zap.NewNop()), store
}

func TestRegister(t *testing.T) {
	svc, _ := newService(admission.StaticPlans{{TenantID: "t1", Name: "starter", Active: true, MaxWebsites: 2, MonthlyAudits: 10, ConcurrentAudits: 1}})
	ctx := context.Background()

	tg, err := svc.Register(ctx, RegisterRequest{TenantID: "t1", URL: " https://example.com/shop#top ", MonitoringInterval: time.Hour})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if tg.URL != "https://example.com/shop" || tg.Profile != domain.ProfileComprehensive || !tg.Active {
		t.Errorf("target = %+v", tg)
	}

	if _, err := svc.Register(ctx, RegisterRequest{TenantID: "t1", URL: "http://example.org"}); err != nil {
		t.Fatalf("second target: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{TenantID: "t1", URL: "http://example.net"}); !errors.Is(err, domain.ErrWebsiteLimitExceeded) {
		t.Fatalf("third target: want website limit, got %v", err)
	}

	list, err := svc.List(ctx, "t1")
	if err != nil || len(list) != 2 {
		t.Fatalf("List = %d, %v", len(list), err)
	}
	if _, err := svc.Get(ctx, "t2", tg.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign tenant Get: %v", err)
	}
}

func TestRegister_ConcurrentWebsiteLimit(t *testing.T) {
	svc, store := newService(admission.StaticPlans{{TenantID: "t1", Name: "starter", Active: true, MaxWebsites: 3, MonthlyAudits: 10, ConcurrentAudits: 1}})
	ctx := context.Background()

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, deny int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Register(ctx, RegisterRequest{TenantID: "t1", URL: fmt.Sprintf("https://site%d.example.com", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrWebsiteLimitExceeded):
				deny++
			default:
				t.Errorf("Register: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != 3 || deny != n-3 {
		t.Fatalf("registered = %d, denied = %d", ok, deny)
	}
	if list, _ := store.ListTargets(ctx, "t1"); len(list) != 3 {
		t.Fatalf("stored targets = %d, want 3", len(list))
	}
}

func TestRegister_Validation(t *testing.T) {
	svc, _ := newService(admission.StaticPlans{{TenantID: "t1", Name: "pro", Active: true, MonthlyAudits: 10, ConcurrentAudits: 1}})
	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"relative url", RegisterRequest{TenantID: "t1", URL: "example.com"}},
		{"ftp scheme", RegisterRequest{TenantID: "t1", URL: "ftp://example.com"}},
		{"bad profile", RegisterRequest{TenantID: "t1", URL: "https://example.com", Profile: "full"}},
		{"interval too short", RegisterRequest{TenantID: "t1", URL: "https://example.com", MonitoringInterval: time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Register(context.Background(), tt.req); !errors.Is(err, domain.ErrInvalidArgument) {
				t.Errorf("want ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestRegister_NoPlan(t *testing.T) {
	svc, _ := newService(admission.StaticPlans{})
	_, err := svc.Register(context.Background(), RegisterRequest{TenantID: "ghost", URL: "https://example.com"})
	if reason, ok := domain.DenialOf(err); !ok || reason != domain.DenialNoActivePlan {
		t.Fatalf("want no_active_plan denial, got %v", err)
	}
}
