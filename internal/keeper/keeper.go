// Package keeper schedules the permissionless maintenance the engine expects
// someone to run: oracle refreshes, inventory rebalances, budget settlement
// sweeps, and journal archival. Every pass takes a per-market Redis lock so
// replicas do not collide, and goes through the same service layer as the
// admin API.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/calweber/pmrouter/internal/domain"
)

// MaintenanceService is the slice of the service layer the keeper drives.
type MaintenanceService interface {
	UpdateOracle(ctx context.Context, marketID string) (domain.OracleUpdate, error)
	Rebalance(ctx context.Context, caller common.Address, marketID string) (domain.RebalanceReport, error)
	SettleBudget(ctx context.Context, marketID string) (domain.SettlementReport, error)
}

// MarketLister enumerates the markets the keeper should sweep.
type MarketLister interface {
	MarketIDs() []string
}

// Config holds the keeper's schedules and identity. Cron expressions use the
// standard five-field form; an empty expression disables that job.
type Config struct {
	OracleCron    string
	RebalanceCron string
	SettleCron    string
	ArchiveCron   string

	// ArchiveRetentionDays sets the archive cutoff: fills and settlements
	// older than this many days are shipped to cold storage.
	ArchiveRetentionDays int

	// LockTTL bounds both the per-action Redis lock and the job context.
	LockTTL time.Duration

	// Caller is the address credited with rebalance bounties.
	Caller common.Address
}

// Keeper owns the cron schedule and the sweep implementations.
type Keeper struct {
	cron     *cron.Cron
	cfg      Config
	maint    MaintenanceService
	markets  MarketLister
	archiver domain.Archiver
	locks    domain.LockManager
	logger   *slog.Logger
}

// New creates a Keeper. The archiver may be nil, in which case the archive
// job is skipped even when scheduled.
func New(
	cfg Config,
	maint MaintenanceService,
	markets MarketLister,
	archiver domain.Archiver,
	locks domain.LockManager,
	logger *slog.Logger,
) *Keeper {
	return &Keeper{
		cron:     cron.New(),
		cfg:      cfg,
		maint:    maint,
		markets:  markets,
		archiver: archiver,
		locks:    locks,
		logger:   logger.With(slog.String("component", "keeper")),
	}
}

// Register adds every configured job to the cron schedule.
func (k *Keeper) Register() error {
	jobs := []struct {
		name string
		expr string
		fn   func()
	}{
		{"oracle", k.cfg.OracleCron, k.oracleSweep},
		{"rebalance", k.cfg.RebalanceCron, k.rebalanceSweep},
		{"settle", k.cfg.SettleCron, k.settleSweep},
		{"archive", k.cfg.ArchiveCron, k.archiveJob},
	}
	for _, j := range jobs {
		if j.expr == "" {
			continue
		}
		if _, err := k.cron.AddFunc(j.expr, j.fn); err != nil {
			return fmt.Errorf("keeper: register %s job %q: %w", j.name, j.expr, err)
		}
	}
	return nil
}

// Start begins running the schedule in its own goroutine.
func (k *Keeper) Start() {
	k.cron.Start()
	k.logger.Info("keeper started",
		slog.String("oracle_cron", k.cfg.OracleCron),
		slog.String("rebalance_cron", k.cfg.RebalanceCron),
		slog.String("settle_cron", k.cfg.SettleCron),
		slog.String("archive_cron", k.cfg.ArchiveCron),
	)
}

// Stop halts the schedule and waits for any running job to finish.
func (k *Keeper) Stop() {
	<-k.cron.Stop().Done()
	k.logger.Info("keeper stopped")
}

// oracleSweep records a TWAP observation on every market. Markets inside the
// minimum interval are expected to refuse.
func (k *Keeper) oracleSweep() {
	k.sweep("oracle", func(ctx context.Context, id string) error {
		_, err := k.maint.UpdateOracle(ctx, id)
		return err
	})
}

// rebalanceSweep merges surplus inventory on every market. The configured
// caller collects the bounties.
func (k *Keeper) rebalanceSweep() {
	k.sweep("rebalance", func(ctx context.Context, id string) error {
		rep, err := k.maint.Rebalance(ctx, k.cfg.Caller, id)
		if err != nil {
			return err
		}
		if rep.Merged > 0 || rep.BoughtShares > 0 {
			k.logger.Info("rebalanced market",
				slog.String("market_id", id),
				slog.Uint64("merged", rep.Merged),
				slog.Uint64("budget_used", rep.BudgetUsed),
				slog.Uint64("bought_shares", rep.BoughtShares),
			)
		}
		return nil
	})
}

// settleSweep distributes leftover budget on markets that have reached their
// close time.
func (k *Keeper) settleSweep() {
	k.sweep("settle", func(ctx context.Context, id string) error {
		rep, err := k.maint.SettleBudget(ctx, id)
		if err != nil {
			return err
		}
		if rep.Merged > 0 || rep.BudgetDistributed > 0 {
			k.logger.Info("settled market budget",
				slog.String("market_id", id),
				slog.Uint64("merged", rep.Merged),
				slog.Uint64("budget_distributed", rep.BudgetDistributed),
			)
		}
		return nil
	})
}

// sweep runs one action over every market, taking the per-market lock first.
// A held lock means another replica owns this pass.
func (k *Keeper) sweep(action string, fn func(ctx context.Context, id string) error) {
	ctx, cancel := context.WithTimeout(context.Background(), k.lockTTL())
	defer cancel()

	for _, id := range k.markets.MarketIDs() {
		unlock, err := k.locks.Acquire(ctx, "keeper:"+action+":"+id, k.lockTTL())
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				k.logger.Debug("sweep lock held elsewhere",
					slog.String("action", action),
					slog.String("market_id", id),
				)
				continue
			}
			k.logger.Warn("sweep lock acquire failed",
				slog.String("action", action),
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := fn(ctx, id); err != nil {
			if routineSkip(err) {
				k.logger.Debug("sweep skipped market",
					slog.String("action", action),
					slog.String("market_id", id),
					slog.String("reason", err.Error()),
				)
			} else {
				k.logger.Warn("sweep failed on market",
					slog.String("action", action),
					slog.String("market_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
		unlock()
	}
}

// archiveJob ships old fills and settlements to cold storage, then prunes
// the archived fills from the primary store.
func (k *Keeper) archiveJob() {
	if k.archiver == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.lockTTL())
	defer cancel()

	unlock, err := k.locks.Acquire(ctx, "keeper:archive", k.lockTTL())
	if err != nil {
		if !errors.Is(err, domain.ErrLockHeld) {
			k.logger.Warn("archive lock acquire failed", slog.String("error", err.Error()))
		}
		return
	}
	defer unlock()

	before := time.Now().UTC().AddDate(0, 0, -k.cfg.ArchiveRetentionDays)

	fills, err := k.archiver.ArchiveFills(ctx, before)
	if err != nil {
		k.logger.Error("archive fills failed", slog.String("error", err.Error()))
		return
	}
	settlements, err := k.archiver.ArchiveSettlements(ctx, before)
	if err != nil {
		k.logger.Error("archive settlements failed", slog.String("error", err.Error()))
		return
	}

	var pruned int64
	if fills > 0 {
		pruned, err = k.archiver.PruneFills(ctx, before)
		if err != nil {
			k.logger.Error("prune fills failed", slog.String("error", err.Error()))
			return
		}
	}

	if fills > 0 || settlements > 0 {
		k.logger.Info("archive pass complete",
			slog.Time("before", before),
			slog.Int64("fills", fills),
			slog.Int64("settlements", settlements),
			slog.Int64("pruned", pruned),
		)
	}
}

func (k *Keeper) lockTTL() time.Duration {
	if k.cfg.LockTTL > 0 {
		return k.cfg.LockTTL
	}
	return 5 * time.Minute
}

// routineSkip reports whether a sweep error is an expected per-market
// condition rather than a fault: markets between update intervals, outside
// their tradable window, balanced vaults, or a gated price.
func routineSkip(err error) bool {
	for _, sentinel := range []error{
		domain.ErrUpdateTooSoon,
		domain.ErrMarketClosed,
		domain.ErrMarketNotClosed,
		domain.ErrMarketResolved,
		domain.ErrMarketFinalized,
		domain.ErrOracleUnavailable,
		domain.ErrPriceDeviation,
		domain.ErrTradingHalted,
		domain.ErrZeroShares,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
