package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsFromEnvOnly(t *testing.T) {
	t.Setenv("XMRGATE_WALLET_ORIGIN", "http://127.0.0.1:18083")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != defaultListenAddress {
		t.Fatalf("listen = %s, want %s", cfg.ListenAddress, defaultListenAddress)
	}
	if cfg.Environment != defaultEnvironment {
		t.Fatalf("environment = %s", cfg.Environment)
	}
	if cfg.Wallet.Timeout.Duration != defaultWalletTimeout {
		t.Fatalf("wallet timeout = %s", cfg.Wallet.Timeout.Duration)
	}
	if cfg.SessionTTL.Duration != defaultSessionTTL {
		t.Fatalf("session ttl = %s", cfg.SessionTTL.Duration)
	}
	if cfg.RatePerMinute != defaultRatePerMinute || cfg.RateBurst != defaultRateBurst {
		t.Fatalf("rate limits = %v/%d", cfg.RatePerMinute, cfg.RateBurst)
	}
	if cfg.SlashMinAge.Duration != defaultSlashMinAge {
		t.Fatalf("slash min age = %s", cfg.SlashMinAge.Duration)
	}
	if cfg.Refund.MaxReceipts != defaultRefundMaxReceipts {
		t.Fatalf("refund max receipts = %d", cfg.Refund.MaxReceipts)
	}
	if cfg.Refund.MaxReceiptAge.Duration != defaultRefundMaxReceiptAge {
		t.Fatalf("refund max receipt age = %s", cfg.Refund.MaxReceiptAge.Duration)
	}
	if cfg.Refund.MaxServedBytesPerReceipt != defaultRefundMaxBytesPerRcpt {
		t.Fatalf("refund max bytes per receipt = %d", cfg.Refund.MaxServedBytesPerReceipt)
	}
	if cfg.Refund.MinSessionAge.Duration != defaultRefundMinSessionAge {
		t.Fatalf("refund min session age = %s", cfg.Refund.MinSessionAge.Duration)
	}
	if cfg.IsProduction() {
		t.Fatal("default environment must not be production")
	}
}

func TestLoadNegativeRateDisablesLimiter(t *testing.T) {
	t.Setenv("XMRGATE_WALLET_ORIGIN", "http://127.0.0.1:18083")
	t.Setenv("XMRGATE_RATE_PER_MINUTE", "-1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RatePerMinute != -1 {
		t.Fatalf("rate per minute = %v, want -1 preserved", cfg.RatePerMinute)
	}
}

func TestLoadRefundOverrides(t *testing.T) {
	t.Setenv("XMRGATE_WALLET_ORIGIN", "http://127.0.0.1:18083")
	t.Setenv("XMRGATE_SLASH_MIN_AGE", "30m")
	t.Setenv("XMRGATE_REFUND_MIN_SERVED_BYTES", "2048")
	t.Setenv("XMRGATE_REFUND_FULL_SERVED_BYTES", "1024")
	t.Setenv("XMRGATE_REFUND_MAX_RECEIPTS", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SlashMinAge.Duration != 30*time.Minute {
		t.Fatalf("slash min age = %s", cfg.SlashMinAge.Duration)
	}
	if cfg.Refund.MinServedBytes != 2048 {
		t.Fatalf("refund min served bytes = %d", cfg.Refund.MinServedBytes)
	}
	if cfg.Refund.FullServedBytes != 2048 {
		t.Fatalf("refund full served bytes = %d, want raised to minimum", cfg.Refund.FullServedBytes)
	}
	if cfg.Refund.MaxReceipts != 4 {
		t.Fatalf("refund max receipts = %d", cfg.Refund.MaxReceipts)
	}
}

func TestLoadRequiresWalletOrigin(t *testing.T) {
	t.Setenv("XMRGATE_WALLET_ORIGIN", "")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error without wallet origin")
	}
}

func TestLoadRejectsNonHTTPOrigin(t *testing.T) {
	t.Setenv("XMRGATE_WALLET_ORIGIN", "127.0.0.1:18083")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for bare host origin")
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xmrgate.toml")
	contents := `
ListenAddress = ":9090"
Environment = "production"
SessionSecret = "file-secret"
SessionTTL = "30m"

[wallet]
Origin = "http://wallet.internal:18083/"
Timeout = "2s"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("XMRGATE_SESSION_SECRET", "env-secret")
	t.Setenv("XMRGATE_WALLET_TIMEOUT", "7s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9090" {
		t.Fatalf("listen = %s", cfg.ListenAddress)
	}
	if !cfg.IsProduction() {
		t.Fatal("expected production environment")
	}
	if cfg.SessionSecret != "env-secret" {
		t.Fatalf("session secret = %s, want env override", cfg.SessionSecret)
	}
	if cfg.Wallet.Timeout.Duration != 7*time.Second {
		t.Fatalf("wallet timeout = %s, want env override", cfg.Wallet.Timeout.Duration)
	}
	if cfg.SessionTTL.Duration != 30*time.Minute {
		t.Fatalf("session ttl = %s", cfg.SessionTTL.Duration)
	}
	if cfg.Wallet.Origin != "http://wallet.internal:18083" {
		t.Fatalf("origin = %s, want trailing slash trimmed", cfg.Wallet.Origin)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("XMRGATE_WALLET_ORIGIN", "http://127.0.0.1:18083")
	t.Setenv("XMRGATE_REQUEST_TIMEOUT", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}
