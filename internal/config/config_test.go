package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNC_MAX_ATTEMPTS", "")
	t.Setenv("EARN_WHILE_REDEEMING", "")

	cfg := Load()
	policy := cfg.SyncPolicy()
	if policy.MaxAttempts != 0 {
		t.Fatalf("expected unlimited attempts by default, got %d", policy.MaxAttempts)
	}
	if policy.InitialBackoff != 2*time.Second || policy.MaxBackoff != 5*time.Minute || policy.Multiplier != 2 {
		t.Fatalf("unexpected default backoff %+v", policy)
	}
	if !cfg.LedgerPolicy().EarnWhileRedeeming {
		t.Fatalf("earning while redeeming should default to allowed")
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("TERMINAL_ID", "T7")
	t.Setenv("SYNC_MAX_ATTEMPTS", "12")
	t.Setenv("SYNC_INITIAL_BACKOFF_SECONDS", "10")
	t.Setenv("EARN_WHILE_REDEEMING", "false")
	t.Setenv("POINT_VALUE_CENTS", "1")
	t.Setenv("PRINTER_WIDTH", "8")
	t.Setenv("ALLOWED_ORIGIN", " http://kasir.local ")

	cfg := Load()
	if cfg.Address() != ":9100" {
		t.Fatalf("expected :9100, got %q", cfg.Address())
	}
	if cfg.TerminalID != "T7" {
		t.Fatalf("expected terminal T7, got %q", cfg.TerminalID)
	}
	if cfg.SyncPolicy().MaxAttempts != 12 || cfg.SyncPolicy().InitialBackoff != 10*time.Second {
		t.Fatalf("unexpected sync policy %+v", cfg.SyncPolicy())
	}
	ledgerPolicy := cfg.LedgerPolicy()
	if ledgerPolicy.EarnWhileRedeeming || ledgerPolicy.PointValueCents != 1 {
		t.Fatalf("unexpected ledger policy %+v", ledgerPolicy)
	}
	if cfg.AllowedOrigin != "http://kasir.local" {
		t.Fatalf("expected trimmed allowed origin, got %q", cfg.AllowedOrigin)
	}
	if cfg.PrinterWidth != 32 {
		t.Fatalf("expected too-narrow printer width to fall back to 32, got %d", cfg.PrinterWidth)
	}
}
