package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POSITIOND_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POSITIOND_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POSITIOND_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POSITIOND_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSITIOND_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSITIOND_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSITIOND_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSITIOND_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSITIOND_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSITIOND_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSITIOND_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSITIOND_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POSITIOND_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POSITIOND_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POSITIOND_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POSITIOND_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POSITIOND_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POSITIOND_REDIS_TLS_ENABLED")

	// ── Gateway ──
	setStr(&cfg.Gateway.BaseURL, "POSITIOND_GATEWAY_BASE_URL")
	setStr(&cfg.Gateway.APIToken, "POSITIOND_GATEWAY_API_TOKEN")

	// ── Lifecycle ──
	setDuration(&cfg.Lifecycle.LockTTL, "POSITIOND_LIFECYCLE_LOCK_TTL")

	// ── Reconciler ──
	setDuration(&cfg.Reconciler.Interval, "POSITIOND_RECONCILER_INTERVAL")
	setDuration(&cfg.Reconciler.GracePeriod, "POSITIOND_RECONCILER_GRACE_PERIOD")
	setDuration(&cfg.Reconciler.StaleClaimTimeout, "POSITIOND_RECONCILER_STALE_CLAIM_TIMEOUT")
	setFloat64(&cfg.Reconciler.SizeTolerance, "POSITIOND_RECONCILER_SIZE_TOLERANCE")
	setBool(&cfg.Reconciler.AdoptOrphans, "POSITIOND_RECONCILER_ADOPT_ORPHANS")
	setStr(&cfg.Reconciler.AdoptOwnerID, "POSITIOND_RECONCILER_ADOPT_OWNER_ID")
	setDuration(&cfg.Reconciler.LockTTL, "POSITIOND_RECONCILER_LOCK_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "POSITIOND_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "POSITIOND_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "POSITIOND_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "POSITIOND_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.Prefix, "POSITIOND_ARCHIVE_PREFIX")
	setStr(&cfg.Archive.AccessKey, "POSITIOND_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "POSITIOND_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.UseSSL, "POSITIOND_ARCHIVE_USE_SSL")
	setBool(&cfg.Archive.ForcePathStyle, "POSITIOND_ARCHIVE_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POSITIOND_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POSITIOND_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POSITIOND_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POSITIOND_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POSITIOND_MODE")
	setStr(&cfg.LogLevel, "POSITIOND_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
