package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/calweber/pmrouter/internal/blob/s3"
	"github.com/calweber/pmrouter/internal/cache/redis"
	"github.com/calweber/pmrouter/internal/config"
	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/engine"
	"github.com/calweber/pmrouter/internal/feehook"
	"github.com/calweber/pmrouter/internal/ledger"
	"github.com/calweber/pmrouter/internal/notify"
	"github.com/calweber/pmrouter/internal/pool"
	"github.com/calweber/pmrouter/internal/pricing"
	"github.com/calweber/pmrouter/internal/service"
	"github.com/calweber/pmrouter/internal/store/postgres"
	"github.com/calweber/pmrouter/internal/twap"
	"github.com/calweber/pmrouter/internal/vault"
)

// Dependencies bundles everything the application modes need: the in-memory
// settlement stack the engine trades against, the observational journal, the
// cache and coordination layer, and cold storage. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	// Settlement stack. Hook is nil when dynamic fees are disabled.
	Ledger *ledger.Ledger
	Pools  *pool.Service
	Oracle *twap.Tracker
	Vaults *vault.Book
	Hook   *feehook.Hook
	Engine *engine.Engine

	// Journal stores
	Markets     domain.MarketStore
	Fills       domain.FillStore
	VaultEvents domain.VaultEventStore
	Settlements domain.SettlementStore
	Audit       domain.AuditStore

	// Caches and coordination
	Prices      domain.PriceCache
	States      domain.StateCache
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	Bus         domain.SignalBus

	// Blob storage (archive modes only)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver
}

// needsS3 returns true for modes that ship the journal to cold storage.
func needsS3(mode string) bool {
	switch mode {
	case "keeper", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL journal ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pgPool := pgClient.Pool()
	deps.Markets = postgres.NewMarketStore(pgPool)
	deps.Fills = postgres.NewFillStore(pgPool)
	deps.VaultEvents = postgres.NewVaultEventStore(pgPool)
	deps.Settlements = postgres.NewSettlementStore(pgPool)
	deps.Audit = postgres.NewAuditStore(pgPool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Prices = redis.NewPriceCache(redisClient, cfg.Redis.CacheTTL.Duration)
	deps.States = redis.NewStateCache(redisClient, cfg.Redis.CacheTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)

	// --- S3 blob storage (only for modes that archive) ---
	if needsS3(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, reader, deps.Fills, deps.Settlements, deps.Audit)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	notifier := notify.NewNotifier(senders, cfg.Notify.Events, logger)
	relay := notify.NewRelay(notifier, logger)

	// --- Settlement stack ---
	// Committed engine events are journaled and published by the recorder,
	// then formatted into operator alerts by the relay.
	recorder := service.NewRecorder(deps.Fills, deps.VaultEvents, deps.Settlements, deps.Bus, logger)
	buildStack(cfg, deps, service.FanOut(recorder, relay), logger)

	return deps, cleanup, nil
}

// buildStack assembles the in-memory settlement plane: ledger, pools, oracle,
// vault book, the optional fee hook, and the engine over all of them.
func buildStack(cfg *config.Config, deps *Dependencies, sink domain.EventSink, logger *slog.Logger) {
	deps.Ledger = ledger.New()
	deps.Pools = pool.NewService(deps.Ledger)
	deps.Oracle = twap.New(twap.Config{
		MinInterval: cfg.Engine.TWAPMinInterval.Duration,
	})
	deps.Vaults = vault.NewBook(vault.Config{
		MaxInventory:   cfg.Engine.MaxInventory,
		CooldownNormal: cfg.Engine.CooldownNormal.Duration,
		CooldownLate:   cfg.Engine.CooldownLate.Duration,
		LateWindow:     cfg.Engine.LateWindow.Duration,
	})

	model := pricing.New(pricingConfig(cfg))

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithSink(sink),
		engine.WithTreasury(common.HexToAddress(cfg.Engine.TreasuryAddress)),
	}
	if cfg.FeeHook.Enabled {
		deps.Hook = feehook.New(feehook.Config{
			MinFeeBps:         cfg.FeeHook.MinFeeBps,
			MaxFeeBps:         cfg.FeeHook.MaxFeeBps,
			BootstrapWindow:   cfg.FeeHook.BootstrapWindow.Duration,
			MaxSkewFeeBps:     cfg.FeeHook.MaxSkewFeeBps,
			SkewReferenceBps:  cfg.FeeHook.SkewReferenceBps,
			AsymmetricFeeBps:  cfg.FeeHook.AsymmetricFeeBps,
			FeeCapBps:         cfg.FeeHook.FeeCapBps,
			MaxPriceImpactBps: cfg.FeeHook.MaxPriceImpactBps,
			CloseWindow:       cfg.FeeHook.CloseWindow.Duration,
			FlowHalfLife:      cfg.FeeHook.FlowHalfLife.Duration,
		}, deps.Ledger, deps.Pools)
		opts = append(opts, engine.WithDelegate(deps.Hook))
	}

	deps.Engine = engine.New(engine.Config{
		MaxDeviationBps:       cfg.Engine.MaxDeviationBps,
		DefaultFeeBps:         cfg.Engine.DefaultFeeBps,
		DefaultCloseWindow:    cfg.Engine.DefaultCloseWindow.Duration,
		MintImbalanceRatioMax: cfg.Engine.MintImbalanceRatioMax,
		RebalanceBountyBps:    cfg.Engine.RebalanceBountyBps,
	}, deps.Ledger, deps.Pools, deps.Oracle, deps.Vaults, model, opts...)
}

// pricingConfig maps the flat engine section onto the spread model,
// keeping the distribution clamp at its reference band.
func pricingConfig(cfg *config.Config) pricing.Config {
	pcfg := pricing.Defaults()
	pcfg.BaseSpreadBps = cfg.Engine.BaseSpreadBps
	pcfg.MaxImbalanceBoostBps = cfg.Engine.MaxImbalanceBoostBps
	pcfg.MaxTimeBoostBps = cfg.Engine.MaxTimeBoostBps
	pcfg.TimeBoostWindow = cfg.Engine.TimeBoostWindow.Duration
	pcfg.MaxSpreadBps = cfg.Engine.MaxSpreadBps
	pcfg.MinSpreadFloorBps = cfg.Engine.MinSpreadFloorBps
	pcfg.MaxDepletionBps = cfg.Engine.MaxDepletionBps
	pcfg.LPSplitBalancedBps = cfg.Engine.LPSplitBalancedBps
	pcfg.LPSplitImbalancedBps = cfg.Engine.LPSplitImbalancedBps
	return pcfg
}
