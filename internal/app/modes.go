package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/calweber/pmrouter/internal/keeper"
	"github.com/calweber/pmrouter/internal/server"
	"github.com/calweber/pmrouter/internal/server/handler"
	"github.com/calweber/pmrouter/internal/server/ws"
	"github.com/calweber/pmrouter/internal/service"
	"github.com/calweber/pmrouter/internal/sim"
)

// services bundles the service layer built over the wired dependencies.
type services struct {
	markets *service.MarketService
	trades  *service.TradeService
	vaults  *service.VaultService
	maint   *service.MaintenanceService
}

func (a *App) buildServices(deps *Dependencies) *services {
	var delegateAddr common.Address
	if deps.Hook != nil {
		delegateAddr = deps.Hook.Address()
	}
	collateral := common.HexToAddress(a.cfg.Engine.CollateralAsset)

	return &services{
		markets: service.NewMarketService(
			deps.Engine, deps.Ledger, deps.Markets, deps.States, deps.Audit,
			collateral, delegateAddr, a.cfg.Engine.DefaultFeeBps, a.logger,
		),
		trades: service.NewTradeService(deps.Engine, deps.Fills, deps.States, a.logger),
		vaults: service.NewVaultService(deps.Engine, deps.VaultEvents, deps.States, a.logger),
		maint:  service.NewMaintenanceService(deps.Engine, deps.Markets, deps.Prices, deps.States, deps.Audit, a.logger),
	}
}

// ServerMode runs the HTTP and WebSocket API over the settlement stack.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, a.buildServices(deps))
	return g.Wait()
}

// KeeperMode runs only the maintenance daemon: oracle refreshes, rebalance
// and settlement sweeps, and journal archival on their cron schedules.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startKeeper(ctx, g, deps, a.buildServices(deps).maint); err != nil {
		return fmt.Errorf("keeper mode: %w", err)
	}
	return g.Wait()
}

// SimMode runs the scenario suite against a disposable in-memory stack and
// prints the report tables to stdout. It needs no external services.
func (a *App) SimMode(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting sim mode")
	return sim.New(os.Stdout, a.logger).Run(ctx)
}

// FullMode runs the API server and the keeper in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)

	if a.cfg.Keeper.Enabled {
		if err := a.startKeeper(ctx, g, deps, svcs.maint); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	} else {
		a.logger.InfoContext(ctx, "keeper.enabled is false; running API only")
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs)
	}
	return g.Wait()
}

// startHTTPServer adds the WebSocket hub and the HTTP server to the given
// errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimitPerMin,
		RateWindow:  time.Minute,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(a.logger),
		Markets:     handler.NewMarketHandler(svcs.markets, a.logger),
		Trades:      handler.NewTradeHandler(svcs.trades, a.logger),
		Vaults:      handler.NewVaultHandler(svcs.vaults, svcs.markets, a.logger),
		Maintenance: handler.NewMaintenanceHandler(svcs.maint, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startKeeper registers the cron schedule and ties the keeper's lifetime to
// the errgroup context. Rebalance bounties are credited to the treasury.
func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, maint keeper.MaintenanceService) error {
	k := keeper.New(keeper.Config{
		OracleCron:           a.cfg.Keeper.OracleCron,
		RebalanceCron:        a.cfg.Keeper.RebalanceCron,
		SettleCron:           a.cfg.Keeper.SettleCron,
		ArchiveCron:          a.cfg.Keeper.ArchiveCron,
		ArchiveRetentionDays: a.cfg.Keeper.ArchiveRetentionDays,
		LockTTL:              a.cfg.Keeper.LockTTL.Duration,
		Caller:               common.HexToAddress(a.cfg.Engine.TreasuryAddress),
	}, maint, deps.Engine, deps.Archiver, deps.Locks, a.logger)

	if err := k.Register(); err != nil {
		return err
	}
	g.Go(func() error {
		k.Start()
		<-ctx.Done()
		k.Stop()
		return ctx.Err()
	})
	return nil
}
