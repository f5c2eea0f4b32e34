package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFiles(t *testing.T, setting, env string) string {
	t.Helper()
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if setting != "" {
		if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
			t.Fatalf("write setting: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "botmeter.ini"), []byte(env), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}
	return tmp
}

func TestLoadMergesBaseAndEnvWithEnvVarPrecedence(t *testing.T) {
	setting := "environment=dev\nlog_file=/tmp/base.log\nlog_level=debug\nkey_pepper=base-pepper\n"
	env := "port=9090\nledger_path=/tmp/custom-ledger.db\nkey_pepper=env-file-pepper\nadmin_token=file-token\n"
	tmp := writeFiles(t, setting, env)

	os.Setenv("BOTMETER_KEY_PEPPER", "env-var-pepper")
	t.Cleanup(func() { os.Unsetenv("BOTMETER_KEY_PEPPER") })

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("unexpected port %d", cfg.Port)
	}
	if cfg.LedgerPath != "/tmp/custom-ledger.db" {
		t.Fatalf("unexpected ledger path %s", cfg.LedgerPath)
	}
	if cfg.LogFile != "/tmp/base.log" {
		t.Fatalf("expected base log file, got %s", cfg.LogFile)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
	if cfg.KeyPepper != "env-var-pepper" {
		t.Fatalf("env var should beat both files, got %s", cfg.KeyPepper)
	}
	if cfg.AdminToken != "file-token" {
		t.Fatalf("unexpected admin token %s", cfg.AdminToken)
	}
	if cfg.Addr() != "0.0.0.0:9090" {
		t.Fatalf("unexpected addr %s", cfg.Addr())
	}
}

func TestLoadDefaults(t *testing.T) {
	tmp := writeFiles(t, "", "")

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("expected dev environment, got %s", cfg.Environment)
	}
	if cfg.Port != 8084 {
		t.Fatalf("expected default port 8084, got %d", cfg.Port)
	}
	if cfg.CreditCostPerRequest != 1 {
		t.Fatalf("expected default cost 1, got %d", cfg.CreditCostPerRequest)
	}
	if cfg.WebhookTimeout != 5*time.Second {
		t.Fatalf("expected 5s webhook timeout, got %s", cfg.WebhookTimeout)
	}
	if cfg.TierLimits["free"] != 100 || cfg.TierLimits["premium"] != 10000 || cfg.TierLimits["enterprise"] != 100000 {
		t.Fatalf("unexpected tier table: %v", cfg.TierLimits)
	}
	if !cfg.RateLimitEnabled {
		t.Fatalf("rate limiting should default on")
	}
}

func TestLoadTierOverridesFromYAML(t *testing.T) {
	tmp := writeFiles(t, "environment=dev\n", "")
	tiers := filepath.Join(tmp, "tiers.yaml")
	if err := os.WriteFile(tiers, []byte("tiers:\n  free: 250\n  premium: 20000\n"), 0o644); err != nil {
		t.Fatalf("write tiers: %v", err)
	}

	os.Setenv("BOTMETER_TIERS_FILE", tiers)
	t.Cleanup(func() { os.Unsetenv("BOTMETER_TIERS_FILE") })

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TierLimits["free"] != 250 || cfg.TierLimits["premium"] != 20000 {
		t.Fatalf("yaml overrides not applied: %v", cfg.TierLimits)
	}
	if cfg.TierLimits["enterprise"] != 100000 {
		t.Fatalf("untouched tier should keep default: %v", cfg.TierLimits)
	}
}

func TestLoadTierInlineBeatsFile(t *testing.T) {
	tmp := writeFiles(t, "environment=dev\n", "tier_limit_free=500\n")
	tiers := filepath.Join(tmp, "tiers.yaml")
	if err := os.WriteFile(tiers, []byte("tiers:\n  free: 250\n"), 0o644); err != nil {
		t.Fatalf("write tiers: %v", err)
	}

	os.Setenv("BOTMETER_TIERS_FILE", tiers)
	t.Cleanup(func() { os.Unsetenv("BOTMETER_TIERS_FILE") })

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TierLimits["free"] != 500 {
		t.Fatalf("inline key should beat yaml file: %v", cfg.TierLimits)
	}
}

func TestLoadRejectsBadTierValues(t *testing.T) {
	tmp := writeFiles(t, "environment=dev\n", "tier_limit_free=-1\n")
	if _, err := Load(tmp); err == nil {
		t.Fatalf("expected error for negative tier limit")
	}

	tmp = writeFiles(t, "environment=dev\n", "")
	tiers := filepath.Join(tmp, "tiers.yaml")
	if err := os.WriteFile(tiers, []byte("tiers:\n  platinum: 5\n"), 0o644); err != nil {
		t.Fatalf("write tiers: %v", err)
	}
	os.Setenv("BOTMETER_TIERS_FILE", tiers)
	t.Cleanup(func() { os.Unsetenv("BOTMETER_TIERS_FILE") })
	if _, err := Load(tmp); err == nil {
		t.Fatalf("expected error for unknown tier name")
	}
}

func TestLoadRejectsInvalidDurations(t *testing.T) {
	tmp := writeFiles(t, "environment=dev\n", "webhook_timeout=not-a-duration\n")
	if _, err := Load(tmp); err == nil {
		t.Fatalf("expected error for invalid webhook timeout")
	}
}
