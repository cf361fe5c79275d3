// Package config loads gateway runtime configuration from an optional TOML
// file with environment variable overrides. The wallet origin is the only
// hard requirement at load time; the session secret is validated lazily at
// first signing use so non-production setups can run without one.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultListenAddress  = ":8080"
	defaultEnvironment    = "development"
	defaultDatabasePath   = "xmrgate.db"
	defaultWalletTimeout  = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultSessionTTL     = time.Hour
	defaultAuthSkew       = 60 * time.Second
	defaultConfirmations  = 10
	defaultRatePerMinute  = 120
	defaultRateBurst      = 20
	defaultSlashMinAge    = time.Hour

	defaultRefundMaxReceipts     = 32
	defaultRefundMaxReceiptAge   = 15 * time.Minute
	defaultRefundMaxBytesPerRcpt = int64(512) << 20
	defaultRefundMinSessionAge   = 30 * time.Second
)

// Duration wraps time.Duration so TOML values can be written as "5s", "1h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// WalletConfig addresses the monero-wallet-rpc daemon the gateway drives.
type WalletConfig struct {
	Origin   string   `toml:"Origin"`
	Username string   `toml:"Username"`
	Password string   `toml:"Password"`
	Timeout  Duration `toml:"Timeout"`
}

// RefundConfig bounds the receipt evidence accepted for stake refunds.
type RefundConfig struct {
	MinServedBytes           int64    `toml:"MinServedBytes"`
	FullServedBytes          int64    `toml:"FullServedBytes"`
	MaxReceipts              int      `toml:"MaxReceipts"`
	MaxReceiptAge            Duration `toml:"MaxReceiptAge"`
	MaxServedBytesPerReceipt int64    `toml:"MaxServedBytesPerReceipt"`
	MinSessionAge            Duration `toml:"MinSessionAge"`
}

// Config captures runtime configuration for the payment gateway service.
// RatePerMinute zero selects the default; a negative value disables the
// limiter entirely.
type Config struct {
	ListenAddress  string       `toml:"ListenAddress"`
	Environment    string       `toml:"Environment"`
	LogLevel       string       `toml:"LogLevel"`
	DatabasePath   string       `toml:"DatabasePath"`
	SessionSecret  string       `toml:"SessionSecret"`
	SessionTTL     Duration     `toml:"SessionTTL"`
	AuthSkew       Duration     `toml:"AuthSkew"`
	RequestTimeout Duration     `toml:"RequestTimeout"`
	AccountIndex   uint32       `toml:"AccountIndex"`
	Confirmations  uint64       `toml:"Confirmations"`
	RatePerMinute  float64      `toml:"RatePerMinute"`
	RateBurst      int          `toml:"RateBurst"`
	SlashMinAge    Duration     `toml:"SlashMinAge"`
	Refund         RefundConfig `toml:"refund"`
	Wallet         WalletConfig `toml:"wallet"`
}

// Load reads the TOML file at path when it exists, applies XMRGATE_*
// environment overrides, fills defaults and validates. An empty path skips
// the file and configures from environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ListenAddress = getenvDefault("XMRGATE_LISTEN", c.ListenAddress)
	c.Environment = getenvDefault("XMRGATE_ENV", c.Environment)
	c.LogLevel = getenvDefault("XMRGATE_LOG_LEVEL", c.LogLevel)
	c.DatabasePath = getenvDefault("XMRGATE_DB_PATH", c.DatabasePath)
	c.SessionSecret = getenvDefault("XMRGATE_SESSION_SECRET", c.SessionSecret)
	c.Wallet.Origin = getenvDefault("XMRGATE_WALLET_ORIGIN", c.Wallet.Origin)
	c.Wallet.Username = getenvDefault("XMRGATE_WALLET_USERNAME", c.Wallet.Username)
	c.Wallet.Password = getenvDefault("XMRGATE_WALLET_PASSWORD", c.Wallet.Password)

	if raw := strings.TrimSpace(os.Getenv("XMRGATE_ACCOUNT_INDEX")); raw != "" {
		val, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return fmt.Errorf("parse XMRGATE_ACCOUNT_INDEX: %w", err)
		}
		c.AccountIndex = uint32(val)
	}
	if raw := strings.TrimSpace(os.Getenv("XMRGATE_CONFIRMATIONS")); raw != "" {
		val, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse XMRGATE_CONFIRMATIONS: %w", err)
		}
		c.Confirmations = val
	}
	if raw := strings.TrimSpace(os.Getenv("XMRGATE_RATE_PER_MINUTE")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parse XMRGATE_RATE_PER_MINUTE: %w", err)
		}
		c.RatePerMinute = val
	}
	if raw := strings.TrimSpace(os.Getenv("XMRGATE_RATE_BURST")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse XMRGATE_RATE_BURST: %w", err)
		}
		c.RateBurst = val
	}
	for _, override := range []struct {
		env string
		dst *int64
	}{
		{"XMRGATE_REFUND_MIN_SERVED_BYTES", &c.Refund.MinServedBytes},
		{"XMRGATE_REFUND_FULL_SERVED_BYTES", &c.Refund.FullServedBytes},
		{"XMRGATE_REFUND_MAX_SERVED_BYTES_PER_RECEIPT", &c.Refund.MaxServedBytesPerReceipt},
	} {
		raw := strings.TrimSpace(os.Getenv(override.env))
		if raw == "" {
			continue
		}
		val, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %s: %w", override.env, err)
		}
		*override.dst = val
	}
	if raw := strings.TrimSpace(os.Getenv("XMRGATE_REFUND_MAX_RECEIPTS")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse XMRGATE_REFUND_MAX_RECEIPTS: %w", err)
		}
		c.Refund.MaxReceipts = val
	}

	for _, override := range []struct {
		env string
		dst *Duration
	}{
		{"XMRGATE_WALLET_TIMEOUT", &c.Wallet.Timeout},
		{"XMRGATE_SESSION_TTL", &c.SessionTTL},
		{"XMRGATE_AUTH_SKEW", &c.AuthSkew},
		{"XMRGATE_REQUEST_TIMEOUT", &c.RequestTimeout},
		{"XMRGATE_SLASH_MIN_AGE", &c.SlashMinAge},
		{"XMRGATE_REFUND_MAX_RECEIPT_AGE", &c.Refund.MaxReceiptAge},
		{"XMRGATE_REFUND_MIN_SESSION_AGE", &c.Refund.MinSessionAge},
	} {
		raw := strings.TrimSpace(os.Getenv(override.env))
		if raw == "" {
			continue
		}
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", override.env, err)
		}
		override.dst.Duration = dur
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = defaultEnvironment
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		c.DatabasePath = defaultDatabasePath
	}
	if c.Wallet.Timeout.Duration == 0 {
		c.Wallet.Timeout.Duration = defaultWalletTimeout
	}
	if c.SessionTTL.Duration == 0 {
		c.SessionTTL.Duration = defaultSessionTTL
	}
	if c.AuthSkew.Duration == 0 {
		c.AuthSkew.Duration = defaultAuthSkew
	}
	if c.RequestTimeout.Duration == 0 {
		c.RequestTimeout.Duration = defaultRequestTimeout
	}
	if c.Confirmations == 0 {
		c.Confirmations = defaultConfirmations
	}
	// Zero means unset for the rate knobs; negative values pass through and
	// disable the limiter downstream.
	if c.RatePerMinute == 0 {
		c.RatePerMinute = defaultRatePerMinute
	}
	if c.RateBurst == 0 {
		c.RateBurst = defaultRateBurst
	}
	if c.SlashMinAge.Duration == 0 {
		c.SlashMinAge.Duration = defaultSlashMinAge
	}
	if c.Refund.MaxReceipts == 0 {
		c.Refund.MaxReceipts = defaultRefundMaxReceipts
	}
	if c.Refund.MaxReceiptAge.Duration == 0 {
		c.Refund.MaxReceiptAge.Duration = defaultRefundMaxReceiptAge
	}
	if c.Refund.MaxServedBytesPerReceipt == 0 {
		c.Refund.MaxServedBytesPerReceipt = defaultRefundMaxBytesPerRcpt
	}
	if c.Refund.MinSessionAge.Duration == 0 {
		c.Refund.MinSessionAge.Duration = defaultRefundMinSessionAge
	}
	if c.Refund.FullServedBytes < c.Refund.MinServedBytes {
		c.Refund.FullServedBytes = c.Refund.MinServedBytes
	}
}

func (c *Config) validate() error {
	origin := strings.TrimSpace(c.Wallet.Origin)
	if origin == "" {
		return errors.New("wallet origin is required (XMRGATE_WALLET_ORIGIN)")
	}
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return fmt.Errorf("wallet origin must be an http(s) URL, got %q", origin)
	}
	c.Wallet.Origin = strings.TrimRight(origin, "/")
	for _, dur := range []struct {
		name  string
		value time.Duration
	}{
		{"wallet timeout", c.Wallet.Timeout.Duration},
		{"session TTL", c.SessionTTL.Duration},
		{"auth skew", c.AuthSkew.Duration},
		{"request timeout", c.RequestTimeout.Duration},
	} {
		if dur.value <= 0 {
			return fmt.Errorf("%s must be positive", dur.name)
		}
	}
	return nil
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
