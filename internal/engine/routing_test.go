package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calweber/pmrouter/internal/domain"
)

// scarceFixture prepares the canonical OTC routing state: pool skewed to a
// ~6100 bps YES probability, oracle settled on that window, and a vault
// holding 300 YES / 500 NO so the YES side is scarce.
func scarceFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.bootstrap(1000, 30)

	// Skew before the first observation window so spot and TWAP agree.
	_, err := f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 250, 0, common.Address{}, time.Time{})
	require.NoError(t, err)
	f.primeOracle()
	f.seedVault(300, 500)
	return f
}

func TestBuyFreshMarketRoutesPoolOnly(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)
	f.primeOracle()

	quote, err := f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 100, 0, common.Address{}, time.Time{})
	require.NoError(t, err)

	// Split-and-swap: 100 collateral becomes 100 YES plus the output of
	// swapping 100 NO through 1000/1000 reserves at 30 bps, so the total
	// lands strictly between the collateral and twice the collateral.
	assert.Equal(t, uint64(190), quote.Shares)
	assert.Greater(t, quote.Shares, uint64(100))
	assert.Less(t, quote.Shares, uint64(200))
	assert.False(t, quote.OTCFirst)
	assert.Zero(t, quote.Refund)
	require.Len(t, quote.Legs, 1)
	assert.Equal(t, domain.VenuePool, quote.Legs[0].Venue)
	assert.Equal(t, uint64(100), quote.Legs[0].Collateral)
	assert.Equal(t, uint64(190), quote.Legs[0].Shares)

	assert.Equal(t, uint64(190), f.sharesOf(trader, domain.SideYes))
	assert.Equal(t, uint64(1_000_000-100), f.collateralOf(trader))

	st := f.state()
	assert.Equal(t, uint64(910), st.Pool.ReserveYes)
	assert.Equal(t, uint64(1100), st.Pool.ReserveNo)

	f.assertCustodyClean()
	f.assertNoOrphans()
}

func TestBuyRoutesOTCFirstWhenVaultScarce(t *testing.T) {
	f := scarceFixture(t)

	st := f.state()
	// 250 in against 1000/1000 at 30 bps leaves 801/1250, and the whole
	// observation window sits on that skew.
	require.Equal(t, uint64(801), st.Pool.ReserveYes)
	require.Equal(t, uint64(1250), st.Pool.ReserveNo)
	require.Equal(t, uint64(6094), st.OraclePriceBps)
	require.Equal(t, st.SpotBps, st.OraclePriceBps)

	yesBefore := f.sharesOf(trader, domain.SideYes)
	quote, err := f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 50, 0, common.Address{}, time.Time{})
	require.NoError(t, err)

	// Consuming the scarce side prices above fair with the imbalance
	// boost, and the whole 50 fits the OTC desk, so no pool leg runs.
	assert.True(t, quote.OTCFirst)
	require.Len(t, quote.Legs, 1)
	assert.Equal(t, domain.VenueOTC, quote.Legs[0].Venue)
	assert.Equal(t, uint64(80), quote.Shares)
	assert.Greater(t, quote.Legs[0].PriceBps, st.OraclePriceBps)
	assert.Less(t, quote.Legs[0].PriceBps, uint64(domain.PriceScale))
	assert.Zero(t, quote.Refund)

	snap := f.snapshot()
	assert.Equal(t, uint64(220), snap.Yes.Inventory)
	assert.Equal(t, uint64(500), snap.No.Inventory)
	assert.Positive(t, snap.RebalanceBudget)
	assert.Equal(t, yesBefore+80, f.sharesOf(trader, domain.SideYes))

	var fill *domain.Fill
	for _, ev := range f.events {
		if ev.Kind == domain.EventOTCFill {
			fill = ev.Fill
		}
	}
	require.NotNil(t, fill)
	assert.Equal(t, domain.FillBuy, fill.Direction)
	assert.Equal(t, uint64(50), fill.Collateral)
	assert.Equal(t, uint64(80), fill.Shares)
	assert.Equal(t, fill.Collateral, fill.Principal+fill.Spread)

	f.assertCustodyClean()
	f.assertNoOrphans()
}

func TestDeviationGateSuppressesOTCAndRebalance(t *testing.T) {
	f := scarceFixture(t)
	ctx := f.ctx()

	b, err := f.eng.Binding(mkt)
	require.NoError(t, err)

	// Dump YES into the pool directly so spot leaves the oracle band
	// while the observation window still reads ~6094.
	require.NoError(t, f.ledger.SetApproval(ctx, trader, f.pools.Address(), true))
	_, err = f.pools.SwapExactIn(ctx, b.PoolID, trader, domain.SideYes, 300, 0)
	require.NoError(t, err)

	st := f.state()
	require.Equal(t, uint64(6094), st.OraclePriceBps)
	require.Greater(t, st.OraclePriceBps-st.SpotBps, f.eng.cfg.MaxDeviationBps)

	snapBefore := f.snapshot()
	quote, err := f.eng.Buy(ctx, trader, mkt, domain.SideYes, 50, 0, common.Address{}, time.Time{})
	require.NoError(t, err)

	// Vault inventory exists and YES is scarce, but the gate forces the
	// trade through the pool untouched.
	require.Len(t, quote.Legs, 1)
	assert.Equal(t, domain.VenuePool, quote.Legs[0].Venue)
	assert.Equal(t, snapBefore.Yes.Inventory, f.snapshot().Yes.Inventory)

	_, err = f.eng.Rebalance(ctx, keeper, mkt)
	assert.ErrorIs(t, err, domain.ErrPriceDeviation)
}

func TestBuySlippageAbortsWithoutStateChange(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)
	f.primeOracle()

	before := f.collateralOf(trader)
	_, err := f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 100, 500, common.Address{}, time.Time{})
	require.Error(t, err)

	var slip *domain.SlippageError
	require.ErrorAs(t, err, &slip)
	assert.Equal(t, uint64(190), slip.Got)
	assert.Equal(t, uint64(500), slip.Min)

	assert.Equal(t, before, f.collateralOf(trader))
	assert.Zero(t, f.sharesOf(trader, domain.SideYes))
	st := f.state()
	assert.Equal(t, uint64(1000), st.Pool.ReserveYes)
	assert.Equal(t, uint64(1000), st.Pool.ReserveNo)
	f.assertCustodyClean()
}

func TestBuyRejectsZeroCollateral(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)

	_, err := f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 0, 0, common.Address{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestBuyMintFallbackUnderImpactCap(t *testing.T) {
	f := newDelegatedFixture(t)
	_, err := f.eng.Bootstrap(f.ctx(), funder, mkt, 1000, domain.FeeConfig{Delegate: f.hook.Address()})
	require.NoError(t, err)
	f.primeOracle()

	// The hook caps pool impact at 1200 bps, so a 400 buy cannot clear
	// through the pool alone; the remainder mints fresh pairs and books
	// the opposite side as the buyer's LP deposit.
	quote, err := f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 400, 0, common.Address{}, time.Time{})
	require.NoError(t, err)

	require.Len(t, quote.Legs, 2)
	poolLeg, mintLeg := quote.Legs[0], quote.Legs[1]
	assert.Equal(t, domain.VenuePool, poolLeg.Venue)
	assert.Equal(t, domain.VenueMint, mintLeg.Venue)
	assert.Less(t, poolLeg.Collateral, uint64(400))
	assert.Positive(t, mintLeg.Collateral)
	assert.Equal(t, uint64(400), poolLeg.Collateral+mintLeg.Collateral)
	// Minting is 1:1 on the buy side.
	assert.Equal(t, mintLeg.Collateral, mintLeg.Shares)
	assert.Equal(t, uint64(domain.PriceScale), mintLeg.PriceBps)
	assert.Equal(t, poolLeg.Shares+mintLeg.Shares, quote.Shares)
	assert.Zero(t, quote.Refund)

	assert.Equal(t, quote.Shares, f.sharesOf(trader, domain.SideYes))

	snap := f.snapshot()
	assert.Equal(t, mintLeg.Shares, snap.No.Inventory)
	assert.Equal(t, mintLeg.Shares, snap.No.TotalShares)

	pos, err := f.eng.Position(mkt, trader)
	require.NoError(t, err)
	assert.Equal(t, mintLeg.Shares, pos.NoShares)

	assert.Contains(t, f.eventKinds(), domain.EventVaultDeposit)
	f.assertCustodyClean()
	f.assertNoOrphans()
}

func TestSellPoolRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)
	f.primeOracle()

	bought, err := f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 100, 0, common.Address{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, uint64(190), bought.Shares)

	quote, err := f.eng.Sell(f.ctx(), trader, mkt, domain.SideYes, 190, 0, common.Address{}, time.Time{})
	require.NoError(t, err)

	// Swap enough YES for NO to merge the rest back into collateral.
	// Two fees and the pool impact keep the proceeds under the 100 paid
	// in, but only slightly.
	assert.GreaterOrEqual(t, quote.Collateral, uint64(90))
	assert.Less(t, quote.Collateral, uint64(100))
	require.Len(t, quote.Legs, 1)
	assert.Equal(t, domain.VenuePool, quote.Legs[0].Venue)

	// Unmatched leftovers come back to the seller, never stranded.
	assert.Equal(t, quote.ReturnedYes, f.sharesOf(trader, domain.SideYes))
	assert.Equal(t, quote.ReturnedNo, f.sharesOf(trader, domain.SideNo))
	assert.LessOrEqual(t, quote.ReturnedYes+quote.ReturnedNo, uint64(5))

	assert.Equal(t, uint64(1_000_000)-100+quote.Collateral, f.collateralOf(trader))
	f.assertCustodyClean()
}

func TestSellOTCWhenSoldSideScarce(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)
	f.primeOracle()
	f.seedVault(300, 500)
	f.seedBudget(5000)

	require.NoError(t, f.ledger.Split(f.ctx(), trader, mkt, 200))

	quote, err := f.eng.Sell(f.ctx(), trader, mkt, domain.SideYes, 40, 0, common.Address{}, time.Time{})
	require.NoError(t, err)

	// The desk buys the scarce side below fair: 5000 fair, 200 bps
	// relative spread, so 4900 and a 19 payout for 40 shares.
	require.Len(t, quote.Legs, 1)
	assert.Equal(t, domain.VenueOTC, quote.Legs[0].Venue)
	assert.Equal(t, uint64(40), quote.Legs[0].Shares)
	assert.Equal(t, uint64(4900), quote.Legs[0].PriceBps)
	assert.Equal(t, uint64(19), quote.Collateral)
	assert.Zero(t, quote.ReturnedYes)
	assert.Zero(t, quote.ReturnedNo)

	snap := f.snapshot()
	assert.Equal(t, uint64(340), snap.Yes.Inventory)
	assert.Equal(t, uint64(5000-19), snap.RebalanceBudget)
	assert.Equal(t, uint64(160), f.sharesOf(trader, domain.SideYes))

	var fill *domain.Fill
	for _, ev := range f.events {
		if ev.Kind == domain.EventOTCFill {
			fill = ev.Fill
		}
	}
	require.NotNil(t, fill)
	assert.Equal(t, domain.FillSell, fill.Direction)
	assert.Equal(t, uint64(20), fill.Principal)
	assert.Equal(t, uint64(1), fill.Spread)

	f.assertCustodyClean()
	f.assertNoOrphans()
}

func TestSellOTCClosedWhenSoldSideAbundant(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)
	f.primeOracle()
	f.seedVault(300, 500)
	f.seedBudget(5000)

	require.NoError(t, f.ledger.Split(f.ctx(), trader, mkt, 200))

	// Selling the abundant NO side must not grow the imbalance; the
	// trade routes through the pool instead.
	quote, err := f.eng.Sell(f.ctx(), trader, mkt, domain.SideNo, 40, 0, common.Address{}, time.Time{})
	require.NoError(t, err)
	for _, leg := range quote.Legs {
		assert.NotEqual(t, domain.VenueOTC, leg.Venue)
	}
	assert.Equal(t, uint64(500), f.snapshot().No.Inventory)
	assert.Equal(t, uint64(5000), f.snapshot().RebalanceBudget)
}

func TestSellRejectsZeroShares(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)

	_, err := f.eng.Sell(f.ctx(), trader, mkt, domain.SideYes, 0, 0, common.Address{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestSellSlippageAbortsWithoutStateChange(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)
	f.primeOracle()

	_, err := f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 100, 0, common.Address{}, time.Time{})
	require.NoError(t, err)
	yesBefore := f.sharesOf(trader, domain.SideYes)

	_, err = f.eng.Sell(f.ctx(), trader, mkt, domain.SideYes, yesBefore, 1000, common.Address{}, time.Time{})
	var slip *domain.SlippageError
	require.ErrorAs(t, err, &slip)
	assert.Equal(t, uint64(1000), slip.Min)

	// The pull never happened; the seller still holds every share.
	assert.Equal(t, yesBefore, f.sharesOf(trader, domain.SideYes))
	f.assertCustodyClean()
}

func TestBatchExecutesSequence(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)
	f.primeOracle()

	res, err := f.eng.Batch(f.ctx(), trader, []BatchOp{
		{Kind: BatchBuy, MarketID: mkt, Side: domain.SideYes, Amount: 100},
		{Kind: BatchSell, MarketID: mkt, Side: domain.SideYes, Amount: 190},
	})
	require.NoError(t, err)
	require.Len(t, res, 2)

	require.NotNil(t, res[0].Buy)
	assert.Nil(t, res[0].Sell)
	assert.Equal(t, uint64(190), res[0].Buy.Shares)

	require.NotNil(t, res[1].Sell)
	assert.GreaterOrEqual(t, res[1].Sell.Collateral, uint64(90))

	f.assertCustodyClean()
}

func TestBatchStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)
	f.primeOracle()

	res, err := f.eng.Batch(f.ctx(), trader, []BatchOp{
		{Kind: BatchBuy, MarketID: mkt, Side: domain.SideYes, Amount: 100},
		{Kind: BatchBuy, MarketID: mkt, Side: domain.SideNo, Amount: 0},
		{Kind: BatchBuy, MarketID: mkt, Side: domain.SideYes, Amount: 50},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.ErrorContains(t, err, "entry 1")

	// The completed entry stands; nothing after the failure ran.
	require.Len(t, res, 1)
	assert.Equal(t, uint64(190), res[0].Buy.Shares)
	assert.Equal(t, uint64(190), f.sharesOf(trader, domain.SideYes))
	assert.Equal(t, uint64(1_000_000-100), f.collateralOf(trader))

	f.assertCustodyClean()
}

func TestBatchValidation(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)

	_, err := f.eng.Batch(f.ctx(), trader, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	res, err := f.eng.Batch(f.ctx(), trader, []BatchOp{
		{Kind: BatchOpKind("swap"), MarketID: mkt, Side: domain.SideYes, Amount: 10},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Empty(t, res)
}

func TestBuyAfterFinalizeRejected(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000, 30)
	f.advance(31 * 24 * time.Hour)
	require.NoError(t, f.ledger.Resolve(f.ctx(), mkt, domain.SideYes))

	_, err := f.eng.Finalize(f.ctx(), keeper, mkt)
	require.NoError(t, err)

	_, err = f.eng.Buy(f.ctx(), trader, mkt, domain.SideYes, 100, 0, common.Address{}, time.Time{})
	assert.ErrorIs(t, err, domain.ErrMarketFinalized)
	assert.False(t, errors.Is(err, domain.ErrMarketClosed))
}
