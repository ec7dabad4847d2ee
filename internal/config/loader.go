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
// built-in defaults, applies PMROUTER_* environment variable overrides, and
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

// applyEnvOverrides reads well-known PMROUTER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.CollateralAsset, "PMROUTER_ENGINE_COLLATERAL_ASSET")
	setStr(&cfg.Engine.TreasuryAddress, "PMROUTER_ENGINE_TREASURY_ADDRESS")
	setUint64(&cfg.Engine.DefaultFeeBps, "PMROUTER_ENGINE_DEFAULT_FEE_BPS")
	setDuration(&cfg.Engine.DefaultCloseWindow, "PMROUTER_ENGINE_DEFAULT_CLOSE_WINDOW")
	setUint64(&cfg.Engine.MaxDeviationBps, "PMROUTER_ENGINE_MAX_DEVIATION_BPS")
	setUint64(&cfg.Engine.RebalanceBountyBps, "PMROUTER_ENGINE_REBALANCE_BOUNTY_BPS")
	setDuration(&cfg.Engine.TWAPMinInterval, "PMROUTER_ENGINE_TWAP_MIN_INTERVAL")
	setUint64(&cfg.Engine.BaseSpreadBps, "PMROUTER_ENGINE_BASE_SPREAD_BPS")
	setUint64(&cfg.Engine.MaxSpreadBps, "PMROUTER_ENGINE_MAX_SPREAD_BPS")
	setUint64(&cfg.Engine.MaxDepletionBps, "PMROUTER_ENGINE_MAX_DEPLETION_BPS")
	setDuration(&cfg.Engine.CooldownNormal, "PMROUTER_ENGINE_COOLDOWN_NORMAL")
	setDuration(&cfg.Engine.CooldownLate, "PMROUTER_ENGINE_COOLDOWN_LATE")
	setDuration(&cfg.Engine.LateWindow, "PMROUTER_ENGINE_LATE_WINDOW")

	// ── FeeHook ──
	setBool(&cfg.FeeHook.Enabled, "PMROUTER_FEEHOOK_ENABLED")
	setUint64(&cfg.FeeHook.MinFeeBps, "PMROUTER_FEEHOOK_MIN_FEE_BPS")
	setUint64(&cfg.FeeHook.MaxFeeBps, "PMROUTER_FEEHOOK_MAX_FEE_BPS")
	setDuration(&cfg.FeeHook.BootstrapWindow, "PMROUTER_FEEHOOK_BOOTSTRAP_WINDOW")
	setUint64(&cfg.FeeHook.MaxPriceImpactBps, "PMROUTER_FEEHOOK_MAX_PRICE_IMPACT_BPS")
	setDuration(&cfg.FeeHook.CloseWindow, "PMROUTER_FEEHOOK_CLOSE_WINDOW")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PMROUTER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "PMROUTER_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PMROUTER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PMROUTER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PMROUTER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PMROUTER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PMROUTER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PMROUTER_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PMROUTER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PMROUTER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PMROUTER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PMROUTER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PMROUTER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PMROUTER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PMROUTER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PMROUTER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PMROUTER_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTTL, "PMROUTER_REDIS_CACHE_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "PMROUTER_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PMROUTER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PMROUTER_S3_REGION")
	setStr(&cfg.S3.Bucket, "PMROUTER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PMROUTER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PMROUTER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PMROUTER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PMROUTER_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PMROUTER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PMROUTER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PMROUTER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PMROUTER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMin, "PMROUTER_SERVER_RATE_LIMIT_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PMROUTER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PMROUTER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PMROUTER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PMROUTER_NOTIFY_EVENTS")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "PMROUTER_KEEPER_ENABLED")
	setStr(&cfg.Keeper.OracleCron, "PMROUTER_KEEPER_ORACLE_CRON")
	setStr(&cfg.Keeper.RebalanceCron, "PMROUTER_KEEPER_REBALANCE_CRON")
	setStr(&cfg.Keeper.SettleCron, "PMROUTER_KEEPER_SETTLE_CRON")
	setStr(&cfg.Keeper.ArchiveCron, "PMROUTER_KEEPER_ARCHIVE_CRON")
	setInt(&cfg.Keeper.ArchiveRetentionDays, "PMROUTER_KEEPER_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Keeper.LockTTL, "PMROUTER_KEEPER_LOCK_TTL")

	// ── Secrets ──
	setStr(&cfg.Secrets.EncryptedPath, "PMROUTER_SECRETS_ENCRYPTED_PATH")
	setStr(&cfg.Secrets.Password, "PMROUTER_SECRETS_PASSWORD")

	// ── Top-level ──
	setStr(&cfg.Mode, "PMROUTER_MODE")
	setStr(&cfg.LogLevel, "PMROUTER_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
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
