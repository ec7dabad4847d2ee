// Package config defines the top-level configuration for the pmrouter
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PMROUTER_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	FeeHook  FeeHookConfig  `toml:"feehook"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Secrets  SecretsConfig  `toml:"secrets"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds the routing-engine policy constants. Prices, fees, and
// spreads are basis points on a 0-10,000 scale; amounts are base units of the
// 6-decimal collateral asset.
type EngineConfig struct {
	CollateralAsset string `toml:"collateral_asset"`
	TreasuryAddress string `toml:"treasury_address"`

	DefaultFeeBps         uint64   `toml:"default_fee_bps"`
	DefaultCloseWindow    duration `toml:"default_close_window"`
	MaxDeviationBps       uint64   `toml:"max_deviation_bps"`
	MintImbalanceRatioMax uint64   `toml:"mint_imbalance_ratio_max"`
	RebalanceBountyBps    uint64   `toml:"rebalance_bounty_bps"`
	TWAPMinInterval       duration `toml:"twap_min_interval"`

	// OTC spread model.
	BaseSpreadBps        uint64   `toml:"base_spread_bps"`
	MaxImbalanceBoostBps uint64   `toml:"max_imbalance_boost_bps"`
	MaxTimeBoostBps      uint64   `toml:"max_time_boost_bps"`
	TimeBoostWindow      duration `toml:"time_boost_window"`
	MaxSpreadBps         uint64   `toml:"max_spread_bps"`
	MinSpreadFloorBps    uint64   `toml:"min_spread_floor_bps"`
	MaxDepletionBps      uint64   `toml:"max_depletion_bps"`
	LPSplitBalancedBps   uint64   `toml:"lp_split_balanced_bps"`
	LPSplitImbalancedBps uint64   `toml:"lp_split_imbalanced_bps"`

	// Vault LP protections.
	CooldownNormal duration `toml:"cooldown_normal"`
	CooldownLate   duration `toml:"cooldown_late"`
	LateWindow     duration `toml:"late_window"`
	MaxInventory   uint64   `toml:"max_inventory"`
}

// FeeHookConfig holds the dynamic fee delegate's curve parameters.
type FeeHookConfig struct {
	Enabled           bool     `toml:"enabled"`
	MinFeeBps         uint64   `toml:"min_fee_bps"`
	MaxFeeBps         uint64   `toml:"max_fee_bps"`
	BootstrapWindow   duration `toml:"bootstrap_window"`
	MaxSkewFeeBps     uint64   `toml:"max_skew_fee_bps"`
	SkewReferenceBps  uint64   `toml:"skew_reference_bps"`
	AsymmetricFeeBps  uint64   `toml:"asymmetric_fee_bps"`
	FeeCapBps         uint64   `toml:"fee_cap_bps"`
	MaxPriceImpactBps uint64   `toml:"max_price_impact_bps"`
	CloseWindow       duration `toml:"close_window"`
	FlowHalfLife      duration `toml:"flow_half_life"`
}

// PostgresConfig holds PostgreSQL connection parameters for the
// observational journal.
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	CacheTTL     duration `toml:"cache_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP API parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"`
}

// NotifyConfig holds notification channel credentials and the event filter.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// KeeperConfig holds the maintenance daemon's schedules. Cron expressions
// use the standard five-field form.
type KeeperConfig struct {
	Enabled              bool     `toml:"enabled"`
	OracleCron           string   `toml:"oracle_cron"`
	RebalanceCron        string   `toml:"rebalance_cron"`
	SettleCron           string   `toml:"settle_cron"`
	ArchiveCron          string   `toml:"archive_cron"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	LockTTL              duration `toml:"lock_ttl"`
}

// SecretsConfig points at the optional encrypted credentials file. Values
// loaded from it fill otherwise-empty secret fields (API key, telegram
// token, S3 keys) before validation.
type SecretsConfig struct {
	EncryptedPath string `toml:"encrypted_path"`
	Password      string `toml:"password"`
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

// Defaults returns a Config populated with the engine's reference values.
// These match config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			CollateralAsset:       "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
			TreasuryAddress:       "0x0000000000000000000000000000000000007e35",
			DefaultFeeBps:         30,
			DefaultCloseWindow:    duration{time.Hour},
			MaxDeviationBps:       500,
			MintImbalanceRatioMax: 2,
			RebalanceBountyBps:    10,
			TWAPMinInterval:       duration{30 * time.Minute},
			BaseSpreadBps:         100,
			MaxImbalanceBoostBps:  400,
			MaxTimeBoostBps:       200,
			TimeBoostWindow:       duration{24 * time.Hour},
			MaxSpreadBps:          500,
			MinSpreadFloorBps:     20,
			MaxDepletionBps:       3000,
			LPSplitBalancedBps:    9000,
			LPSplitImbalancedBps:  7000,
			CooldownNormal:        duration{6 * time.Hour},
			CooldownLate:          duration{24 * time.Hour},
			LateWindow:            duration{12 * time.Hour},
			MaxInventory:          1 << 60,
		},
		FeeHook: FeeHookConfig{
			Enabled:           true,
			MinFeeBps:         10,
			MaxFeeBps:         75,
			BootstrapWindow:   duration{48 * time.Hour},
			MaxSkewFeeBps:     80,
			SkewReferenceBps:  4000,
			AsymmetricFeeBps:  20,
			FeeCapBps:         300,
			MaxPriceImpactBps: 1200,
			CloseWindow:       duration{time.Hour},
			FlowHalfLife:      duration{time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "pmrouter",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			TLSEnabled:   false,
			CacheTTL:     duration{30 * time.Second},
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pmrouter-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 600,
		},
		Notify: NotifyConfig{
			Events: []string{"bootstrap", "rebalance", "budget_settled", "finalized"},
		},
		Keeper: KeeperConfig{
			Enabled:              true,
			OracleCron:           "*/30 * * * *",
			RebalanceCron:        "5 * * * *",
			SettleCron:           "15 * * * *",
			ArchiveCron:          "0 3 * * *",
			ArchiveRetentionDays: 90,
			LockTTL:              duration{5 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"keeper": true,
	"sim":    true,
	"full":   true,
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
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, sim, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if !isHexAddress(c.Engine.CollateralAsset) {
		errs = append(errs, fmt.Sprintf("engine: collateral_asset %q is not a 0x-prefixed 20-byte address", c.Engine.CollateralAsset))
	}
	if !isHexAddress(c.Engine.TreasuryAddress) {
		errs = append(errs, fmt.Sprintf("engine: treasury_address %q is not a 0x-prefixed 20-byte address", c.Engine.TreasuryAddress))
	}
	if c.Engine.DefaultFeeBps >= 10_000 {
		errs = append(errs, "engine: default_fee_bps must be below 10000")
	}
	if c.Engine.MaxDeviationBps == 0 || c.Engine.MaxDeviationBps > 10_000 {
		errs = append(errs, "engine: max_deviation_bps must be 1-10000")
	}
	if c.Engine.BaseSpreadBps > c.Engine.MaxSpreadBps {
		errs = append(errs, "engine: base_spread_bps must not exceed max_spread_bps")
	}
	if c.Engine.MinSpreadFloorBps > c.Engine.MaxSpreadBps {
		errs = append(errs, "engine: min_spread_floor_bps must not exceed max_spread_bps")
	}
	if c.Engine.MaxDepletionBps == 0 || c.Engine.MaxDepletionBps > 10_000 {
		errs = append(errs, "engine: max_depletion_bps must be 1-10000")
	}
	if c.Engine.LPSplitBalancedBps > 10_000 || c.Engine.LPSplitImbalancedBps > 10_000 {
		errs = append(errs, "engine: lp split shares must be at most 10000 bps")
	}
	if c.Engine.TWAPMinInterval.Duration <= 0 {
		errs = append(errs, "engine: twap_min_interval must be positive")
	}
	if c.Engine.CooldownLate.Duration < c.Engine.CooldownNormal.Duration {
		errs = append(errs, "engine: cooldown_late must be at least cooldown_normal")
	}
	if c.Engine.MaxInventory == 0 {
		errs = append(errs, "engine: max_inventory must be positive")
	}

	// FeeHook
	if c.FeeHook.Enabled {
		if c.FeeHook.MinFeeBps > c.FeeHook.MaxFeeBps {
			errs = append(errs, "feehook: min_fee_bps must not exceed max_fee_bps")
		}
		if c.FeeHook.MaxFeeBps > c.FeeHook.FeeCapBps {
			errs = append(errs, "feehook: max_fee_bps must not exceed fee_cap_bps")
		}
		if c.FeeHook.FeeCapBps >= 10_000 {
			errs = append(errs, "feehook: fee_cap_bps must be below 10000")
		}
		if c.FeeHook.SkewReferenceBps == 0 || c.FeeHook.SkewReferenceBps > 10_000 {
			errs = append(errs, "feehook: skew_reference_bps must be 1-10000")
		}
		if c.FeeHook.BootstrapWindow.Duration <= 0 {
			errs = append(errs, "feehook: bootstrap_window must be positive")
		}
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
	if c.Redis.StreamMaxLen < 1 {
		errs = append(errs, "redis: stream_max_len must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMin < 1 {
			errs = append(errs, "server: rate_limit_per_min must be >= 1")
		}
	}

	// Keeper
	if c.Keeper.Enabled {
		for _, cron := range []struct{ name, expr string }{
			{"oracle_cron", c.Keeper.OracleCron},
			{"rebalance_cron", c.Keeper.RebalanceCron},
			{"settle_cron", c.Keeper.SettleCron},
		} {
			if strings.TrimSpace(cron.expr) == "" {
				errs = append(errs, "keeper: "+cron.name+" must not be empty")
			}
		}
		if c.Keeper.LockTTL.Duration <= 0 {
			errs = append(errs, "keeper: lock_ttl must be positive")
		}
		if c.Keeper.ArchiveRetentionDays < 1 {
			errs = append(errs, "keeper: archive_retention_days must be >= 1")
		}
	}

	// Secrets
	if c.Secrets.EncryptedPath != "" && c.Secrets.Password == "" {
		errs = append(errs, "secrets: password is required when encrypted_path is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isHexAddress reports whether s looks like a 0x-prefixed 20-byte hex
// address. Full checksum validation happens at wiring time.
func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
