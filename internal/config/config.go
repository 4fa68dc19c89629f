// Package config defines the top-level configuration for the position engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POSITIOND_* environment variables.
type Config struct {
	Postgres   PostgresConfig       `toml:"postgres"`
	Redis      RedisConfig          `toml:"redis"`
	Gateway    GatewayConfig        `toml:"gateway"`
	Lifecycle  LifecycleConfig      `toml:"lifecycle"`
	Reconciler ReconcilerConfig     `toml:"reconciler"`
	Archive    ArchiveConfig        `toml:"archive"`
	Notify     NotifyConfig         `toml:"notify"`
	Strategies []StrategyAllocation `toml:"strategies"`
	Mode       string               `toml:"mode"`
	LogLevel   string               `toml:"log_level"`
}

// PostgresConfig holds ledger database connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds lock-provider connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// GatewayConfig holds the exchange-gateway read API endpoint.
type GatewayConfig struct {
	BaseURL  string `toml:"base_url"`
	APIToken string `toml:"api_token"`
}

// LifecycleConfig holds slot-lock parameters for lifecycle operations. The
// lock TTL caps how long a claim may hold a slot across the caller's external
// order placement.
type LifecycleConfig struct {
	LockTTL duration `toml:"lock_ttl"`
}

// ReconcilerConfig holds the sweep policy thresholds.
type ReconcilerConfig struct {
	Interval          duration `toml:"interval"`
	GracePeriod       duration `toml:"grace_period"`
	StaleClaimTimeout duration `toml:"stale_claim_timeout"`
	SizeTolerance     float64  `toml:"size_tolerance"`
	AdoptOrphans      bool     `toml:"adopt_orphans"`
	AdoptOwnerID      string   `toml:"adopt_owner_id"`
	LockTTL           duration `toml:"lock_ttl"`
}

// ArchiveConfig holds S3-compatible storage parameters for sweep reports.
type ArchiveConfig struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// StrategyAllocation is one strategy's capital budget. Exactly one of
// AllocatedCapital (absolute USD) or AllocatedCapitalPercent (share of
// account equity) should be set.
type StrategyAllocation struct {
	ID                      string  `toml:"id"`
	AllocatedCapital        float64 `toml:"allocated_capital"`
	AllocatedCapitalPercent float64 `toml:"allocated_capital_percent"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "positiond",
			User:          "positiond",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:8090/api/v1",
		},
		Lifecycle: LifecycleConfig{
			LockTTL: duration{30 * time.Second},
		},
		Reconciler: ReconcilerConfig{
			Interval:          duration{1 * time.Minute},
			GracePeriod:       duration{2 * time.Minute},
			StaleClaimTimeout: duration{5 * time.Minute},
			SizeTolerance:     0.01,
			AdoptOrphans:      false,
			AdoptOwnerID:      "reconciler",
			LockTTL:           duration{10 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "positiond-reports",
			Prefix:         "reports",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"reconciliation_drift"},
		},
		Mode:     "reconcile",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"reconcile": true,
	"sweep":     true,
	"migrate":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: reconcile, sweep, migrate)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Gateway
	if c.Gateway.BaseURL == "" {
		errs = append(errs, "gateway: base_url must not be empty")
	}

	// Lifecycle
	if c.Lifecycle.LockTTL.Duration <= 0 {
		errs = append(errs, "lifecycle: lock_ttl must be positive")
	}

	// Reconciler
	if c.Reconciler.Interval.Duration <= 0 {
		errs = append(errs, "reconciler: interval must be positive")
	}
	if c.Reconciler.GracePeriod.Duration < 0 {
		errs = append(errs, "reconciler: grace_period must not be negative")
	}
	if c.Reconciler.StaleClaimTimeout.Duration <= 0 {
		errs = append(errs, "reconciler: stale_claim_timeout must be positive")
	}
	if c.Reconciler.SizeTolerance < 0 {
		errs = append(errs, "reconciler: size_tolerance must not be negative")
	}
	if c.Reconciler.AdoptOrphans && c.Reconciler.AdoptOwnerID == "" {
		errs = append(errs, "reconciler: adopt_owner_id is required when adopt_orphans is enabled")
	}
	if c.Reconciler.LockTTL.Duration <= 0 {
		errs = append(errs, "reconciler: lock_ttl must be positive")
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, "archive: endpoint must not be empty when enabled")
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
	}

	// Strategies
	seen := make(map[string]bool, len(c.Strategies))
	for i, s := range c.Strategies {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("strategies[%d]: id must not be empty", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Sprintf("strategies: duplicate id %q", s.ID))
		}
		seen[s.ID] = true
		if s.AllocatedCapital > 0 && s.AllocatedCapitalPercent > 0 {
			errs = append(errs, fmt.Sprintf("strategies: %q sets both allocated_capital and allocated_capital_percent", s.ID))
		}
		if s.AllocatedCapital < 0 || s.AllocatedCapitalPercent < 0 {
			errs = append(errs, fmt.Sprintf("strategies: %q allocation must not be negative", s.ID))
		}
		if s.AllocatedCapitalPercent > 100 {
			errs = append(errs, fmt.Sprintf("strategies: %q allocated_capital_percent must be <= 100", s.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
