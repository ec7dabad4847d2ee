package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calweber/pmrouter/internal/domain"
)

func TestUpdateOracleRefreshesPriceCache(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000)
	_, err := f.tradeSvc.Buy(f.ctx(), BuyRequest{
		Trader: trader, MarketID: mkt, Side: domain.SideYes, Collateral: 250,
		Deadline: f.now.Add(time.Minute),
	})
	require.NoError(t, err)

	f.advance(31 * time.Minute)
	upd, err := f.maintSvc.UpdateOracle(f.ctx(), mkt)
	require.NoError(t, err)
	assert.Equal(t, uint64(6094), upd.PriceBps)

	pt, err := f.prices.GetPrice(f.ctx(), mkt)
	require.NoError(t, err)
	assert.Equal(t, uint64(6094), pt.OracleBps)
	assert.Equal(t, uint64(6094), pt.SpotBps)
	assert.False(t, pt.At.IsZero())
}

func TestUpdateOracleTooSoon(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000)

	_, err := f.maintSvc.UpdateOracle(f.ctx(), mkt)
	assert.ErrorIs(t, err, domain.ErrUpdateTooSoon)
	_, err = f.prices.GetPrice(f.ctx(), mkt)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRebalanceAuditsAndPaysBounty(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000)
	_, err := f.tradeSvc.Buy(f.ctx(), BuyRequest{
		Trader: trader, MarketID: mkt, Side: domain.SideYes, Collateral: 250,
		Deadline: f.now.Add(time.Minute),
	})
	require.NoError(t, err)
	f.advance(31 * time.Minute)
	_, err = f.maintSvc.UpdateOracle(f.ctx(), mkt)
	require.NoError(t, err)

	require.NoError(t, f.led.Split(f.ctx(), lp, mkt, 2500))
	for _, dep := range []struct {
		side domain.Side
		amt  uint64
	}{{domain.SideYes, 300}, {domain.SideNo, 2500}} {
		_, err := f.vaultSvc.Deposit(f.ctx(), DepositRequest{
			Owner: lp, MarketID: mkt, Side: dep.side, Amount: dep.amt, Receiver: lp,
		})
		require.NoError(t, err)
	}
	require.NoError(t, f.led.Mint(f.ctx(), f.eng.VaultAddress(), usdc, 2000))
	creditRebalanceBudget(t, f, 2000)

	rep, err := f.maintSvc.Rebalance(f.ctx(), keeper, mkt)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), rep.Merged)
	assert.Equal(t, domain.SideYes, rep.BoughtSide)
	assert.Greater(t, rep.BoughtShares, uint64(0))
	assert.Contains(t, f.auditEvents(), "market_rebalanced")
}

func TestSettleBudgetMovesJournalToClosed(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000)
	require.NoError(t, f.led.Split(f.ctx(), lp, mkt, 200))
	for _, side := range []domain.Side{domain.SideYes, domain.SideNo} {
		_, err := f.vaultSvc.Deposit(f.ctx(), DepositRequest{
			Owner: lp, MarketID: mkt, Side: side, Amount: 200, Receiver: lp,
		})
		require.NoError(t, err)
	}

	_, err := f.maintSvc.SettleBudget(f.ctx(), mkt)
	assert.ErrorIs(t, err, domain.ErrMarketNotClosed)
	assert.Equal(t, domain.MarketStatusActive, f.marketStore.status(mkt))

	f.advance(31 * 24 * time.Hour)
	rep, err := f.maintSvc.SettleBudget(f.ctx(), mkt)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), rep.Merged)
	assert.Equal(t, domain.MarketStatusClosed, f.marketStore.status(mkt))
	assert.Contains(t, f.auditEvents(), "budget_settled")
	assert.Equal(t, []domain.EventKind{domain.EventBudgetSettled}, f.settlementStore.kinds(mkt))
}

func TestFinalizeJournalsAndRetires(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000)
	require.NoError(t, f.led.Split(f.ctx(), lp, mkt, 200))
	for _, side := range []domain.Side{domain.SideYes, domain.SideNo} {
		_, err := f.vaultSvc.Deposit(f.ctx(), DepositRequest{
			Owner: lp, MarketID: mkt, Side: side, Amount: 200, Receiver: lp,
		})
		require.NoError(t, err)
	}

	f.advance(31 * 24 * time.Hour)
	_, err := f.maintSvc.SettleBudget(f.ctx(), mkt)
	require.NoError(t, err)
	require.NoError(t, f.marketSvc.Resolve(f.ctx(), mkt, domain.SideYes))

	for _, side := range []domain.Side{domain.SideYes, domain.SideNo} {
		_, err := f.vaultSvc.Withdraw(f.ctx(), WithdrawRequest{
			Owner: lp, MarketID: mkt, Side: side, Shares: 200, Receiver: lp,
		})
		require.NoError(t, err)
	}

	rep, err := f.maintSvc.Finalize(f.ctx(), keeper, mkt)
	require.NoError(t, err)
	assert.Zero(t, rep.TreasuryPayout)
	assert.Equal(t, domain.MarketStatusFinalized, f.marketStore.status(mkt))
	assert.Contains(t, f.auditEvents(), "market_finalized")

	kinds := f.settlementStore.kinds(mkt)
	assert.Contains(t, kinds, domain.EventBudgetSettled)
	assert.Contains(t, kinds, domain.EventFinalized)

	// The retired market rejects further work.
	_, err = f.maintSvc.Finalize(f.ctx(), keeper, mkt)
	assert.ErrorIs(t, err, domain.ErrMarketFinalized)
}

// creditRebalanceBudget backfills the vault budget the way accumulated
// spread fees would, keeping rebalance arithmetic identical to live flows.
func creditRebalanceBudget(t *testing.T, f *fixture, amount uint64) {
	t.Helper()
	w, err := f.vaults.Working(mkt)
	require.NoError(t, err)
	require.NoError(t, w.CreditBudget(amount))
	f.vaults.Commit(w)
}
