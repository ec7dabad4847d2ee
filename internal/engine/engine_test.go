package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/feehook"
	"github.com/calweber/pmrouter/internal/ledger"
	"github.com/calweber/pmrouter/internal/pool"
	"github.com/calweber/pmrouter/internal/pricing"
	"github.com/calweber/pmrouter/internal/twap"
	"github.com/calweber/pmrouter/internal/vault"
)

var (
	usdc   = common.HexToAddress("0xc0")
	funder = common.HexToAddress("0xf1")
	trader = common.HexToAddress("0x71")
	lp     = common.HexToAddress("0x1b")
	keeper = common.HexToAddress("0x5e")
)

const mkt = "mkt-1"

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t      *testing.T
	now    time.Time
	ledger *ledger.Ledger
	pools  *pool.Service
	oracle *twap.Tracker
	vaults *vault.Book
	hook   *feehook.Hook
	eng    *Engine
	events []domain.Event
}

// newFixture wires a ledger, pool service, oracle, vault book, and engine
// around one mutable clock, registers mkt closing 30 days out, and funds
// the funder, trader, and lp accounts with approvals toward the engine.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{t: t, now: start}
	clock := func() time.Time { return f.now }

	f.ledger = ledger.New(ledger.WithClock(clock))
	f.pools = pool.NewService(f.ledger, pool.WithClock(clock))
	f.oracle = twap.New(twap.Defaults(), twap.WithClock(clock))
	f.vaults = vault.NewBook(vault.Defaults())

	all := []Option{
		WithClock(clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSink(domain.EventSinkFunc(func(_ context.Context, ev domain.Event) {
			f.events = append(f.events, ev)
		})),
	}
	all = append(all, opts...)
	f.eng = New(Defaults(), f.ledger, f.pools, f.oracle, f.vaults, pricing.New(pricing.Defaults()), all...)

	ctx := context.Background()
	require.NoError(t, f.ledger.RegisterMarket(ctx, domain.MarketInfo{
		ID:         mkt,
		Question:   "Will the widget ship by Q4?",
		Collateral: usdc,
		CloseTime:  start.Add(30 * 24 * time.Hour),
	}))
	for _, acct := range []common.Address{funder, trader, lp} {
		require.NoError(t, f.ledger.Mint(ctx, acct, usdc, 1_000_000))
		require.NoError(t, f.ledger.SetApproval(ctx, acct, f.eng.Address(), true))
	}
	return f
}

// newDelegatedFixture additionally wires a dynamic fee hook as the
// engine's delegate, sharing the fixture's ledger, pools, and clock.
func newDelegatedFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, now: start}
	clock := func() time.Time { return f.now }

	f.ledger = ledger.New(ledger.WithClock(clock))
	f.pools = pool.NewService(f.ledger, pool.WithClock(clock))
	f.oracle = twap.New(twap.Defaults(), twap.WithClock(clock))
	f.vaults = vault.NewBook(vault.Defaults())
	f.hook = feehook.New(feehook.Defaults(), f.ledger, f.pools, feehook.WithClock(clock))

	f.eng = New(Defaults(), f.ledger, f.pools, f.oracle, f.vaults, pricing.New(pricing.Defaults()),
		WithClock(clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSink(domain.EventSinkFunc(func(_ context.Context, ev domain.Event) {
			f.events = append(f.events, ev)
		})),
		WithDelegate(f.hook),
	)

	ctx := context.Background()
	require.NoError(t, f.ledger.RegisterMarket(ctx, domain.MarketInfo{
		ID:         mkt,
		Question:   "Will the widget ship by Q4?",
		Collateral: usdc,
		CloseTime:  start.Add(30 * 24 * time.Hour),
	}))
	for _, acct := range []common.Address{funder, trader, lp} {
		require.NoError(t, f.ledger.Mint(ctx, acct, usdc, 1_000_000))
		require.NoError(t, f.ledger.SetApproval(ctx, acct, f.eng.Address(), true))
	}
	return f
}

func (f *fixture) ctx() context.Context { return context.Background() }

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) bootstrap(collateral, feeBps uint64) domain.BootstrapReport {
	f.t.Helper()
	rep, err := f.eng.Bootstrap(f.ctx(), funder, mkt, collateral, domain.FeeConfig{FlatFeeBps: feeBps})
	require.NoError(f.t, err)
	return rep
}

// primeOracle waits out the minimum observation interval and records a
// fresh observation, so Price serves a real time-weighted window.
func (f *fixture) primeOracle() {
	f.t.Helper()
	f.advance(31 * time.Minute)
	_, err := f.eng.UpdateOracle(f.ctx(), mkt)
	require.NoError(f.t, err)
}

// seedVault splits lp collateral into share pairs and deposits the given
// amounts on each side.
func (f *fixture) seedVault(yes, no uint64) {
	f.t.Helper()
	amt := yes
	if no > amt {
		amt = no
	}
	require.NoError(f.t, f.ledger.Split(f.ctx(), lp, mkt, amt))
	if yes > 0 {
		_, err := f.eng.Deposit(f.ctx(), lp, mkt, domain.SideYes, yes, lp)
		require.NoError(f.t, err)
	}
	if no > 0 {
		_, err := f.eng.Deposit(f.ctx(), lp, mkt, domain.SideNo, no, lp)
		require.NoError(f.t, err)
	}
}

// seedBudget credits the rebalance budget and mints the collateral that
// backs it into the vault custody account.
func (f *fixture) seedBudget(amount uint64) {
	f.t.Helper()
	require.NoError(f.t, f.ledger.Mint(f.ctx(), f.eng.VaultAddress(), usdc, amount))
	w, err := f.vaults.Working(mkt)
	require.NoError(f.t, err)
	require.NoError(f.t, w.CreditBudget(amount))
	f.vaults.Commit(w)
}

func (f *fixture) balance(owner common.Address, token common.Hash) uint64 {
	f.t.Helper()
	bal, err := f.ledger.BalanceOf(f.ctx(), owner, token)
	require.NoError(f.t, err)
	return bal
}

func (f *fixture) collateralOf(owner common.Address) uint64 {
	return f.balance(owner, domain.CollateralTokenID(usdc))
}

func (f *fixture) sharesOf(owner common.Address, side domain.Side) uint64 {
	return f.balance(owner, domain.ShareTokenID(mkt, side))
}

func (f *fixture) snapshot() domain.VaultSnapshot {
	f.t.Helper()
	snap, err := f.vaults.Snapshot(mkt)
	require.NoError(f.t, err)
	return snap
}

func (f *fixture) state() MarketState {
	f.t.Helper()
	st, err := f.eng.State(f.ctx(), mkt)
	require.NoError(f.t, err)
	return st
}

// assertCustodyClean verifies the engine's transient account holds nothing
// between operations.
func (f *fixture) assertCustodyClean() {
	f.t.Helper()
	assert.Zero(f.t, f.collateralOf(f.eng.Address()))
	assert.Zero(f.t, f.sharesOf(f.eng.Address(), domain.SideYes))
	assert.Zero(f.t, f.sharesOf(f.eng.Address(), domain.SideNo))
}

// assertNoOrphans verifies no vault side carries inventory without LP
// shares entitled to it.
func (f *fixture) assertNoOrphans() {
	f.t.Helper()
	snap := f.snapshot()
	if snap.Yes.Inventory > 0 {
		assert.Positive(f.t, snap.Yes.TotalShares)
	}
	if snap.No.Inventory > 0 {
		assert.Positive(f.t, snap.No.TotalShares)
	}
}

func (f *fixture) eventKinds() []domain.EventKind {
	kinds := make([]domain.EventKind, 0, len(f.events))
	for _, ev := range f.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestBootstrapSeedsPoolOracleAndVault(t *testing.T) {
	f := newFixture(t)

	before := f.collateralOf(funder)
	rep := f.bootstrap(1000, 30)

	assert.Equal(t, funder, rep.Funder)
	assert.NotEqual(t, common.Hash{}, rep.PoolID)
	assert.Equal(t, uint64(1000), rep.Collateral)
	assert.Equal(t, uint64(30), rep.FeeBps)
	assert.False(t, rep.Delegated)
	assert.Equal(t, before-1000, f.collateralOf(funder))

	st := f.state()
	assert.Equal(t, uint64(1000), st.Pool.ReserveYes)
	assert.Equal(t, uint64(1000), st.Pool.ReserveNo)
	assert.Equal(t, uint64(5000), st.SpotBps)
	// Both observations sit on the same instant until the first update.
	assert.Zero(t, st.OraclePriceBps)
	assert.Zero(t, st.Vault.Yes.Inventory)
	assert.Zero(t, st.Vault.No.Inventory)

	f.assertCustodyClean()
	assert.Contains(t, f.eventKinds(), domain.EventBootstrap)
}

func TestBootstrapValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.Bootstrap(f.ctx(), funder, mkt, 0, domain.FeeConfig{})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.eng.Bootstrap(f.ctx(), funder, "mkt-unknown", 1000, domain.FeeConfig{})
	assert.ErrorIs(t, err, domain.ErrMarketNotRegistered)

	_, err = f.eng.Bootstrap(f.ctx(), funder, mkt, 1000, domain.FeeConfig{FlatFeeBps: domain.PriceScale})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	// Delegated fee config without a wired delegate cannot bind.
	_, err = f.eng.Bootstrap(f.ctx(), funder, mkt, 1000, domain.FeeConfig{Delegate: keeper})
	assert.ErrorIs(t, err, domain.ErrPoolMismatch)

	f.bootstrap(1000, 30)
	_, err = f.eng.Bootstrap(f.ctx(), funder, mkt, 1000, domain.FeeConfig{FlatFeeBps: 30})
	assert.ErrorIs(t, err, domain.ErrAlreadyRegistered)
}

func TestBootstrapRejectsClosedAndResolvedMarkets(t *testing.T) {
	f := newFixture(t)
	ctx := f.ctx()

	require.NoError(t, f.ledger.RegisterMarket(ctx, domain.MarketInfo{
		ID:         "mkt-stale",
		Collateral: usdc,
		CloseTime:  start.Add(time.Hour),
	}))
	f.advance(2 * time.Hour)
	_, err := f.eng.Bootstrap(ctx, funder, "mkt-stale", 1000, domain.FeeConfig{})
	assert.ErrorIs(t, err, domain.ErrInvalidCloseTime)

	require.NoError(t, f.ledger.RegisterMarket(ctx, domain.MarketInfo{
		ID:         "mkt-done",
		Collateral: usdc,
		CloseTime:  start.Add(30 * 24 * time.Hour),
	}))
	require.NoError(t, f.ledger.Resolve(ctx, "mkt-done", domain.SideYes))
	_, err = f.eng.Bootstrap(ctx, funder, "mkt-done", 1000, domain.FeeConfig{})
	assert.ErrorIs(t, err, domain.ErrMarketResolved)
}

func TestBootstrapDelegatedCrossCheck(t *testing.T) {
	f := newDelegatedFixture(t)

	// A delegate address that is not the wired hook derives a different
	// pool identity than the hook registers.
	_, err := f.eng.Bootstrap(f.ctx(), funder, mkt, 1000, domain.FeeConfig{Delegate: keeper})
	assert.ErrorIs(t, err, domain.ErrPoolMismatch)

	rep, err := f.eng.Bootstrap(f.ctx(), funder, mkt, 1000, domain.FeeConfig{Delegate: f.hook.Address()})
	require.NoError(t, err)
	assert.True(t, rep.Delegated)
	// The hook quotes its bootstrap-decay fee, not a frozen flat fee.
	assert.Greater(t, rep.FeeBps, uint64(0))

	b, err := f.eng.Binding(mkt)
	require.NoError(t, err)
	assert.Equal(t, rep.PoolID, b.PoolID)
	assert.Equal(t, f.hook.Address(), b.Fee.Delegate)
}

func TestOracleUpdateIntervalAndWindow(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)

	// Too soon: both observations still sit on the bootstrap instant.
	_, err := f.eng.UpdateOracle(f.ctx(), mkt)
	assert.ErrorIs(t, err, domain.ErrUpdateTooSoon)

	f.advance(31 * time.Minute)
	upd, err := f.eng.UpdateOracle(f.ctx(), mkt)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), upd.PriceBps)
	assert.Equal(t, uint64(31*60), upd.WindowSecs)

	assert.Equal(t, uint64(5000), f.state().OraclePriceBps)
	assert.Contains(t, f.eventKinds(), domain.EventOracleUpdate)

	_, err = f.eng.UpdateOracle(f.ctx(), mkt)
	assert.ErrorIs(t, err, domain.ErrUpdateTooSoon)
}

func TestStateUnknownMarket(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.State(f.ctx(), "mkt-unknown")
	assert.ErrorIs(t, err, domain.ErrMarketNotRegistered)
	_, err = f.eng.Binding("mkt-unknown")
	assert.ErrorIs(t, err, domain.ErrMarketNotRegistered)
	assert.Empty(t, f.eng.MarketIDs())

	f.bootstrap(1000, 30)
	assert.Equal(t, []string{mkt}, f.eng.MarketIDs())
}

func TestQuotesAreReadOnlyAndMatchExecution(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)
	f.primeOracle()

	quoted, err := f.eng.QuoteBuy(f.ctx(), mkt, domain.SideYes, 100)
	require.NoError(t, err)
	assert.Positive(t, quoted.Shares)

	// Quoting must not move reserves or vault state.
	st := f.state()
	assert.Equal(t, uint64(1000), st.Pool.ReserveYes)
	assert.Equal(t, uint64(1000), st.Pool.ReserveNo)

	got, err := f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 100, 0, common.Address{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, quoted.Shares, got.Shares)
	assert.Equal(t, quoted.OTCFirst, got.OTCFirst)

	sellQuoted, err := f.eng.QuoteSell(f.ctx(), mkt, domain.SideYes, got.Shares)
	require.NoError(t, err)
	sellGot, err := f.eng.Sell(f.ctx(), trader, mkt, domain.SideYes, got.Shares, 0, common.Address{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, sellQuoted.Collateral, sellGot.Collateral)
}

func TestReentrancyGuard(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)

	f.eng.entered.Store(true)
	_, err := f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 100, 0, common.Address{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrReentrancy)
	f.eng.entered.Store(false)

	_, err = f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 100, 0, common.Address{}, time.Time{})
	assert.NoError(t, err)
}

func TestDeadlineExpired(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)

	_, err := f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 100, 0, common.Address{}, f.now.Add(-time.Second))
	assert.ErrorIs(t, err, domain.ErrDeadlineExpired)

	_, err = f.eng.Sell(f.ctx(), trader, mkt, domain.SideYes, 100, 0, common.Address{}, f.now.Add(-time.Second))
	assert.ErrorIs(t, err, domain.ErrDeadlineExpired)
}

func TestTradingStopsAtClose(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)
	f.advance(31 * 24 * time.Hour)

	_, err := f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 100, 0, common.Address{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrMarketClosed)
	_, err = f.eng.Sell(f.ctx(), trader, mkt, domain.SideYes, 100, 0, common.Address{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrMarketClosed)
	_, err = f.eng.Rebalance(f.ctx(), keeper, mkt)
	assert.ErrorIs(t, err, domain.ErrMarketClosed)
	_, err = f.eng.Deposit(f.ctx(), lp, mkt, domain.SideYes, 100, lp)
	assert.ErrorIs(t, err, domain.ErrMarketClosed)
}
