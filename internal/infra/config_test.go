package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
server:
  port: 9000
database:
  url: postgres://audit@localhost/audit
engine:
  workers: 2
  collect_timeout: 30s
admission:
  plans:
    - tenant_id: t1
      name: pro
      monthly_audits: 500
      concurrent_audits: 3
scheduler:
  interval: 5m
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENGINE_WORKERS", "8")
	t.Setenv("AUTH_PUBLIC_KEY_DATA", "-----BEGIN PUBLIC KEY-----")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Port != 9000 || cfg.Server.Addr() != ":9000" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("workers = %d, env must override file", cfg.Engine.Workers)
	}
	if cfg.Engine.CollectTimeout != 30*time.Second || cfg.Scheduler.Interval != 5*time.Minute {
		t.Errorf("durations = %v / %v", cfg.Engine.CollectTimeout, cfg.Scheduler.Interval)
	}
	if len(cfg.Admission.Plans) != 1 || cfg.Admission.Plans[0].ConcurrentAudits != 3 {
		t.Errorf("plans = %+v", cfg.Admission.Plans)
	}
	if string(cfg.Auth.PublicKey) != "-----BEGIN PUBLIC KEY-----" {
		t.Errorf("public key = %q", cfg.Auth.PublicKey)
	}

	// дефолты
	d := cfg.Degradation
	if d.Window != 30*24*time.Hour || d.DropThreshold != 20 || d.AbsoluteFloor != 50 || d.CriticalBelow != 30 {
		t.Errorf("degradation defaults = %+v", d)
	}
	if cfg.Admission.DefaultHourlyLimit != 20 || cfg.Engine.QueueSize != 128 {
		t.Errorf("admission/engine defaults = %+v %+v", cfg.Admission, cfg.Engine)
	}
}

func TestLoadConfig_ExplicitPathMustExist(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing explicit config must fail")
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		if _, err := NewLogger(LoggerConfig{Level: "debug", Format: format}); err != nil {
			t.Errorf("format %q: %v", format, err)
		}
	}
	if _, err := NewLogger(LoggerConfig{Level: "loud"}); err == nil {
		t.Error("bad level accepted")
	}
	if _, err := NewLogger(LoggerConfig{Level: "info", Format: "xml"}); err == nil {
		t.Error("bad format accepted")
	}
}
