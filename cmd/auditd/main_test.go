package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/engine"
	"github.com/xela07ax/siteaudit/internal/infra"
	"github.com/xela07ax/siteaudit/internal/infra/auth"
	"github.com/xela07ax/siteaudit/internal/repository/memory"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTokenCommand(t *testing.T) {
	dir := t.TempDir()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := writeFile(t, dir, "private.pem", pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	cfgPath := writeFile(t, dir, "config.yaml", []byte("auth:\n  private_key_path: "+keyPath+"\n  token_ttl: 10m\n"))

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "token", "--user", "op-7", "--tenant", "t1", "--scope", domain.ScopeAuditsRead})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("token: %v", err)
	}

	var tok domain.TokenResponse
	if err := json.Unmarshal(out.Bytes(), &tok); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	claims, err := auth.NewValidator(&key.PublicKey).VerifyToken(tok.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.TenantID != "t1" || claims.UserID != "op-7" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenCommand_RequiresTenant(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", []byte("logger:\n  level: info\n"))
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "token", "--user", "op"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without --tenant")
	}
}

func TestPipeline_SweepRunsDueTargets(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", []byte(`
collector:
  synthetic: true
admission:
  plans:
    - tenant_id: t1
      name: pro
      max_websites: 5
      monthly_audits: 100
      concurrent_audits: 2
engine:
  workers: 2
  journal_flush_interval: 5ms
`))
	cfg, err := infra.LoadConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	logger := zap.NewNop()
	ctx := context.Background()

	st := memory.New()
	for _, id := range []string{"a", "b"} {
		err := st.CreateTarget(ctx, &domain.Target{
			ID:                 id,
			TenantID:           "t1",
			URL:                "https://" + id + ".example.com",
			Profile:            domain.ProfileComprehensive,
			MonitoringInterval: 24 * time.Hour,
			Active:             true,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	p, err := buildPipeline(ctx, cfg, st, nil, engine.NewMetrics(nil), logger)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	p.start()

	res, err := newScheduler(cfg.Scheduler, st, p.engine, nil, logger).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Due != 2 || res.Submitted != 2 {
		t.Fatalf("sweep = %+v", res)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	p.stop(stopCtx)

	for _, id := range []string{"a", "b"} {
		runs, err := st.ListRuns(ctx, "t1", id, 10)
		if err != nil || len(runs) != 1 {
			t.Fatalf("runs of %s = %+v, %v", id, runs, err)
		}
		if runs[0].State != domain.StateCompleted || runs[0].Kind != domain.KindScheduled {
			t.Errorf("run of %s = %s/%s", id, runs[0].State, runs[0].Kind)
		}
	}
	// журнал сброшен при остановке
	events, err := st.ListTransitions(ctx, mustRunID(t, st, "a"))
	if err != nil || len(events) < 2 {
		t.Errorf("transitions = %d, %v", len(events), err)
	}
}

func TestBuildPipeline_RequiresCollector(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", []byte("logger:\n  level: info\n"))
	cfg, err := infra.LoadConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := buildPipeline(context.Background(), cfg, memory.New(), nil, engine.NewMetrics(nil), zap.NewNop()); err == nil {
		t.Fatal("expected error without collector.addr")
	}
}

func mustRunID(t *testing.T, st *memory.Store, targetID string) string {
	t.Helper()
	runs, err := st.ListRuns(context.Background(), "t1", targetID, 1)
	if err != nil || len(runs) == 0 {
		t.Fatalf("no runs for %s: %v", targetID, err)
	}
	return runs[0].ID
}
