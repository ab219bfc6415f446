package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/admission"
	"github.com/xela07ax/siteaudit/internal/console/handler"
	"github.com/xela07ax/siteaudit/internal/console/service"
	"github.com/xela07ax/siteaudit/internal/degradation"
	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/infra/auth"
	"github.com/xela07ax/siteaudit/internal/notify"
	"github.com/xela07ax/siteaudit/internal/repository/memory"
)

type harness struct {
	srv    *httptest.Server
	feed   *service.AlertFeed
	store  *memory.Store
	signer *auth.Signer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	logger := zap.NewNop()
	store := memory.New()
	feed := service.NewAlertFeed(8, logger)
	plans := admission.StaticPlans{{TenantID: "t1", Name: "pro", Active: true}}

	cs := NewConsoleServer(
		logger,
		auth.NewValidator(&key.PublicKey),
		store,
		handler.NewDashboardHandler(service.NewDashboardService(store, plans, service.DashboardConfig{}, logger), logger),
		handler.NewAlertStreamHandler(feed, degradation.NewService(store, nil, degradation.DefaultConfig(), logger), time.Hour, logger),
	)
	srv := httptest.NewServer(cs)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, feed: feed, store: store, signer: auth.NewSigner(key, time.Hour)}
}

func (h *harness) request(t *testing.T, ctx context.Context, path, tenant string, scopes ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header = h.token(t, tenant, scopes...)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (h *harness) token(t *testing.T, tenant string, scopes ...string) http.Header {
	t.Helper()
	header := http.Header{}
	if tenant != "" {
		tok, err := h.signer.Issue("op-1", tenant, scopes...)
		if err != nil {
			t.Fatal(err)
		}
		header.Set("Authorization", "Bearer "+tok.AccessToken)
	}
	return header
}

func (h *harness) dial(t *testing.T, tenant string, scopes ...string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.streamURL(), h.token(t, tenant, scopes...))
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) streamURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/alerts/stream"
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return f
}

func waitSubscribers(t *testing.T, feed *service.AlertFeed, tenant string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for feed.Subscribers(tenant) != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", feed.Subscribers(tenant), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAlertStream(t *testing.T) {
	h := newHarness(t)
	existing := domain.Alert{ID: "old", TenantID: "t1", TargetID: "a", RunID: "r0", Status: domain.AlertActive, Severity: domain.SeverityHigh, CreatedAt: time.Now()}
	if _, _, err := h.store.CreateAlert(context.Background(), &existing); err != nil {
		t.Fatal(err)
	}

	conn := h.dial(t, "t1", domain.ScopeAuditsRead)

	f := readFrame(t, conn)
	var snapshot []domain.Alert
	if err := json.Unmarshal(f.Data, &snapshot); err != nil || f.Event != "snapshot" || len(snapshot) != 1 {
		t.Fatalf("snapshot = %s %s (%v)", f.Event, f.Data, err)
	}

	// подписка уже зарегистрирована: snapshot отправлен после Subscribe
	h.feed.Publish(notify.NewEvent(domain.Alert{ID: "foreign", TenantID: "t2"}))
	h.feed.Publish(notify.NewEvent(domain.Alert{ID: "new", TenantID: "t1", Severity: domain.SeverityCritical}))

	f = readFrame(t, conn)
	var got domain.Alert
	if err := json.Unmarshal(f.Data, &got); err != nil || f.Event != "alert" || got.ID != "new" {
		t.Fatalf("alert frame = %s %s (%v)", f.Event, f.Data, err)
	}

	h.feed.Resync()
	if f = readFrame(t, conn); f.Event != "resync" {
		t.Fatalf("event = %s, want resync", f.Event)
	}

	conn.Close()
	waitSubscribers(t, h.feed, "t1", 0)
}

func TestAlertStream_AllClientsReceiveAlert(t *testing.T) {
	h := newHarness(t)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = h.dial(t, "t1", domain.ScopeAuditsRead)
		if f := readFrame(t, conns[i]); f.Event != "snapshot" || string(f.Data) != "[]" {
			t.Fatalf("client %d snapshot = %s %s", i, f.Event, f.Data)
		}
	}
	waitSubscribers(t, h.feed, "t1", 3)

	h.feed.Publish(notify.NewEvent(domain.Alert{ID: "al1", TenantID: "t1"}))
	for i, conn := range conns {
		f := readFrame(t, conn)
		var got domain.Alert
		if err := json.Unmarshal(f.Data, &got); err != nil || f.Event != "alert" || got.ID != "al1" {
			t.Errorf("client %d frame = %s %s (%v)", i, f.Event, f.Data, err)
		}
	}
}

func TestAlertStream_HandshakeRejected(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		tenant string
		scopes []string
		want   int
	}{
		{"no token", "", nil, http.StatusUnauthorized},
		{"missing scope", "t1", []string{domain.ScopeAlertsManage}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(h.streamURL(), h.token(t, tt.tenant, tt.scopes...))
			if err == nil {
				conn.Close()
				t.Fatal("handshake must fail")
			}
			if !errors.Is(err, websocket.ErrBadHandshake) || resp == nil || resp.StatusCode != tt.want {
				t.Fatalf("err = %v, resp = %+v, want status %d", err, resp, tt.want)
			}
		})
	}
	if n := h.feed.Subscribers("t1"); n != 0 {
		t.Errorf("rejected handshake left %d subscribers", n)
	}
}

func TestConsoleAuth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		path   string
		tenant string
		scopes []string
		want   int
	}{
		{"health is public", "/health", "", nil, http.StatusOK},
		{"ready is public", "/ready", "", nil, http.StatusOK},
		{"no token", "/v1/dashboard", "", nil, http.StatusUnauthorized},
		{"missing scope", "/v1/dashboard", "t1", []string{domain.ScopeAlertsManage}, http.StatusForbidden},
		{"dashboard", "/v1/dashboard", "t1", []string{domain.ScopeAuditsRead}, http.StatusOK},
		{"unknown target history", "/v1/targets/nope/history", "t1", []string{domain.ScopeAdmin}, http.StatusNotFound},
		{"bad history limit", "/v1/targets/nope/history?limit=0", "t1", []string{domain.ScopeAdmin}, http.StatusBadRequest},
		{"stream without upgrade", "/v1/alerts/stream", "t1", []string{domain.ScopeAuditsRead}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.request(t, ctx, tt.path, tt.tenant, tt.scopes...)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestDashboardEndpoint(t *testing.T) {
	h := newHarness(t)
	if err := h.store.CreateTarget(context.Background(), &domain.Target{ID: "a", TenantID: "t1", URL: "https://a.example.com", Active: true}); err != nil {
		t.Fatal(err)
	}

	resp := h.request(t, context.Background(), "/v1/dashboard", "t1", domain.ScopeAuditsRead)
	defer resp.Body.Close()
	var d domain.TenantDashboard
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatal(err)
	}
	if d.TenantID != "t1" || d.Targets.Total != 1 || d.Plan == nil {
		t.Errorf("dashboard = %+v", d)
	}
}
