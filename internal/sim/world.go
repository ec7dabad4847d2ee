package sim

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/engine"
	"github.com/calweber/pmrouter/internal/feehook"
	"github.com/calweber/pmrouter/internal/ledger"
	"github.com/calweber/pmrouter/internal/pool"
	"github.com/calweber/pmrouter/internal/pricing"
	"github.com/calweber/pmrouter/internal/twap"
	"github.com/calweber/pmrouter/internal/vault"
)

// Scripted cast. Every scenario runs the same actors against a fresh stack.
var (
	collateralAsset = common.HexToAddress("0xc0")
	funder          = common.HexToAddress("0xf1")
	trader          = common.HexToAddress("0x71")
	lp              = common.HexToAddress("0x1b")
	keeper          = common.HexToAddress("0x5e")
)

const simMarket = "sim-widget-q4"

// simStart pins the scripted clock so two runs produce identical output.
var simStart = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

// oracleStep clears the tracker's minimum observation interval.
const oracleStep = 31 * time.Minute

// world is one disposable in-memory stack: ledger, pools, oracle, vault
// book, and fee hook under a single engine, all sharing a scripted clock.
type world struct {
	now    time.Time
	ledger *ledger.Ledger
	pools  *pool.Service
	oracle *twap.Tracker
	vaults *vault.Book
	hook   *feehook.Hook
	eng    *engine.Engine
}

func newWorld(ctx context.Context, logger *slog.Logger) (*world, error) {
	w := &world{now: simStart}
	clock := func() time.Time { return w.now }

	w.ledger = ledger.New(ledger.WithClock(clock))
	w.pools = pool.NewService(w.ledger, pool.WithClock(clock))
	w.oracle = twap.New(twap.Defaults(), twap.WithClock(clock))
	w.vaults = vault.NewBook(vault.Defaults())
	w.hook = feehook.New(feehook.Defaults(), w.ledger, w.pools, feehook.WithClock(clock))
	w.eng = engine.New(engine.Defaults(), w.ledger, w.pools, w.oracle, w.vaults, pricing.New(pricing.Defaults()),
		engine.WithClock(clock),
		engine.WithLogger(logger),
		engine.WithDelegate(w.hook),
	)

	info := domain.MarketInfo{
		ID:         simMarket,
		Question:   "Will the widget ship by Q4?",
		Collateral: collateralAsset,
		CloseTime:  simStart.Add(14 * 24 * time.Hour),
	}
	if err := w.ledger.RegisterMarket(ctx, info); err != nil {
		return nil, err
	}
	for _, acct := range []common.Address{funder, trader, lp} {
		if err := w.ledger.Mint(ctx, acct, collateralAsset, usd(1_000_000)); err != nil {
			return nil, err
		}
		if err := w.ledger.SetApproval(ctx, acct, w.eng.Address(), true); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *world) advance(d time.Duration) { w.now = w.now.Add(d) }

// bootstrap launches the market with equal reserves under the dynamic fee
// hook, so scenarios see the fee surface operators actually configure.
func (w *world) bootstrap(ctx context.Context, collateral uint64) error {
	_, err := w.eng.Bootstrap(ctx, funder, simMarket, collateral, domain.FeeConfig{Delegate: w.hook.Address()})
	return err
}

// seedVault splits LP collateral into share pairs and deposits each side.
func (w *world) seedVault(ctx context.Context, yes, no uint64) error {
	pairs := yes
	if no > pairs {
		pairs = no
	}
	if err := w.ledger.Split(ctx, lp, simMarket, pairs); err != nil {
		return err
	}
	if yes > 0 {
		if _, err := w.eng.Deposit(ctx, lp, simMarket, domain.SideYes, yes, lp); err != nil {
			return err
		}
	}
	if no > 0 {
		if _, err := w.eng.Deposit(ctx, lp, simMarket, domain.SideNo, no, lp); err != nil {
			return err
		}
	}
	return nil
}

// primeOracle waits out the observation interval and records a fresh
// observation, so the tracker serves a real window instead of zero.
func (w *world) primeOracle(ctx context.Context) error {
	w.advance(oracleStep)
	_, err := w.eng.UpdateOracle(ctx, simMarket)
	return err
}

// seedBudget stocks the market's buy-back budget, backing it with minted
// collateral in the vault account the way routed fees would.
func (w *world) seedBudget(ctx context.Context, amount uint64) error {
	if err := w.ledger.Mint(ctx, w.eng.VaultAddress(), collateralAsset, amount); err != nil {
		return err
	}
	acct, err := w.vaults.Working(simMarket)
	if err != nil {
		return err
	}
	if err := acct.CreditBudget(amount); err != nil {
		return err
	}
	w.vaults.Commit(acct)
	return nil
}

func (w *world) state(ctx context.Context) (engine.MarketState, error) {
	return w.eng.State(ctx, simMarket)
}
