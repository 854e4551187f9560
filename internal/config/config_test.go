package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	insights "plant-insights/internal/insights/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.HTTPAddr)
	}
	if cfg.LedgerDriver != DriverSQLite || cfg.RangesSource != RangesYAML {
		t.Fatalf("expected embedded defaults, got %s/%s", cfg.LedgerDriver, cfg.RangesSource)
	}
	if cfg.PumpSchedule != "@every 30s" || cfg.StreamHeartbeat != 15*time.Second {
		t.Fatalf("unexpected pump/stream defaults: %+v", cfg)
	}
	if cfg.Severity != insights.DefaultSeverityPolicy() {
		t.Fatalf("unexpected severity policy %+v", cfg.Severity)
	}
	if cfg.NotifyMinSeverity != insights.SeverityMedium {
		t.Fatalf("unexpected notify severity %q", cfg.NotifyMinSeverity)
	}
}

func TestLoadDatabaseURLSelectsPostgres(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/insights")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LedgerDriver != DriverPostgres || cfg.RangesSource != RangesPostgres {
		t.Fatalf("expected postgres, got %s/%s", cfg.LedgerDriver, cfg.RangesSource)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LEDGER_DRIVER", "MEMORY")
	t.Setenv("PUMP_SCHEDULE", "@every 5s")
	t.Setenv("SEVERITY_MEDIUM_RATIO", "0.2")
	t.Setenv("SEVERITY_HIGH_RATIO", "0.5")
	t.Setenv("STREAM_HEARTBEAT", "2s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LedgerDriver != DriverMemory || cfg.PumpSchedule != "@every 5s" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Severity.MediumRatio != 0.2 || cfg.Severity.HighRatio != 0.5 {
		t.Fatalf("unexpected severity policy %+v", cfg.Severity)
	}
	if cfg.StreamHeartbeat != 2*time.Second {
		t.Fatalf("unexpected heartbeat %s", cfg.StreamHeartbeat)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "insights.yaml")
	if err := os.WriteFile(path, []byte("http_addr: \":9090\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CONFIG_FILE", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected file value, got %q", cfg.HTTPAddr)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"inverted cutoffs":  {"SEVERITY_MEDIUM_RATIO": "0.3", "SEVERITY_HIGH_RATIO": "0.2"},
		"zero heartbeat":    {"STREAM_HEARTBEAT": "0s"},
		"unknown driver":    {"LEDGER_DRIVER": "mongo"},
		"postgres no dsn":   {"LEDGER_DRIVER": "postgres"},
		"bad min severity":  {"INSIGHT_NOTIFY_MIN_SEVERITY": "urgent"},
		"negative capacity": {"BUFFER_CAPACITY": "-1"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			for key, value := range env {
				t.Setenv(key, value)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Config{LedgerDriver: DriverMemory, RangesSource: RangesYAML}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"HTTP_ADDR", "PUMP_SCHEDULE", "STREAM_HEARTBEAT", "RANGES_FILE"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %v", want, err)
		}
	}
}
