package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/mixtypes"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	if cfg.Scheduler.MaxConcurrent != 50 {
		t.Fatalf("expected max_concurrent=50, got %d", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Anonymity[mixtypes.AnonymityHigh].DelayMinutes != 720 {
		t.Fatalf("expected HIGH delay_minutes=720, got %d", cfg.Anonymity[mixtypes.AnonymityHigh].DelayMinutes)
	}
	if _, ok := cfg.Currencies[currency.BTC]; !ok {
		t.Fatalf("expected default currency config for BTC")
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
scheduler:
  max_concurrent: 10
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		t.Fatalf("loadFromFile: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Fatalf("expected server overrides applied, got %+v", cfg.Server)
	}
	if cfg.Scheduler.MaxConcurrent != 10 {
		t.Fatalf("expected scheduler.max_concurrent=10, got %d", cfg.Scheduler.MaxConcurrent)
	}
}

func TestLoadFromFileRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "unknown_top_level_key: true\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := New()
	if err := loadFromFile(path, cfg); err == nil {
		t.Fatalf("expected unknown config key to be rejected")
	}
}

func TestValidateRejectsUnknownCurrency(t *testing.T) {
	cfg := New()
	cfg.Currencies["DOGE"] = CurrencyConfig{}
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected validate to reject unknown currency")
	}
}
