package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with defaults should succeed: %v", err)
	}

	if cfg.Sampler.BaseRate != 0.2 {
		t.Fatalf("unexpected default base rate: %v", cfg.Sampler.BaseRate)
	}
	if cfg.Guard.TokenRateThreshold != 800 {
		t.Fatalf("unexpected default token rate threshold: %v", cfg.Guard.TokenRateThreshold)
	}
	if cfg.Report.Interval != time.Hour {
		t.Fatalf("unexpected default report interval: %v", cfg.Report.Interval)
	}
	if cfg.Server.Addr != ":8484" {
		t.Fatalf("unexpected default server addr: %v", cfg.Server.Addr)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
sampler:
  base_rate: 0.5
  high_risk_rate: 0.95
  low_risk_rate: 0.1
guard:
  budget_limit: 1000
evidence:
  active_key_version: v2
  keys:
    v1: old-secret
    v2: new-secret
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load should succeed: %v", err)
	}

	if cfg.Sampler.BaseRate != 0.5 {
		t.Fatalf("file value not applied: %v", cfg.Sampler.BaseRate)
	}
	if cfg.Guard.BudgetLimit != 1000 {
		t.Fatalf("budget limit not applied: %v", cfg.Guard.BudgetLimit)
	}
	if cfg.Evidence.ActiveKeyVersion != "v2" {
		t.Fatalf("active key version not applied: %v", cfg.Evidence.ActiveKeyVersion)
	}
	if cfg.Evidence.Keys["v1"] != "old-secret" {
		t.Fatalf("historical key missing: %#v", cfg.Evidence.Keys)
	}
}

func TestValidateRejectsBrokenRateOrdering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
sampler:
  base_rate: 0.9
  high_risk_rate: 0.5
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("high_risk_rate below base_rate should be rejected")
	}
}

func TestValidateRejectsUnknownActiveKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
evidence:
  active_key_version: v9
  keys:
    v1: secret
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("active key without matching secret should be rejected")
	}
}
