package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/engine"
)

func TestBootstrapRegistersAndJournals(t *testing.T) {
	f := newFixture(t)

	rep := f.bootstrap(1000)
	assert.NotEqual(t, common.Hash{}, rep.PoolID)
	assert.Equal(t, uint64(1000), rep.Collateral)

	rec, err := f.marketStore.GetByID(f.ctx(), mkt)
	require.NoError(t, err)
	assert.Equal(t, "Will the widget ship by Q4?", rec.Question)
	assert.Equal(t, rep.PoolID, rec.PoolID)
	assert.Equal(t, usdc, rec.Collateral)
	assert.Equal(t, uint64(30), rec.FlatFeeBps)
	assert.Equal(t, domain.MarketStatusActive, rec.Status)

	info, err := f.led.Market(f.ctx(), mkt)
	require.NoError(t, err)
	assert.Equal(t, usdc, info.Collateral)

	assert.Contains(t, f.auditEvents(), "market_bootstrapped")
}

func TestBootstrapRejectsDuplicateBinding(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000)

	_, err := f.marketSvc.Bootstrap(f.ctx(), BootstrapRequest{
		MarketID:   mkt,
		Question:   "Will the widget ship by Q4?",
		Funder:     funder,
		Collateral: 500,
		CloseTime:  start.Add(30 * 24 * time.Hour),
		FlatFeeBps: 30,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyRegistered)
}

func TestBootstrapAppliesDefaultFee(t *testing.T) {
	f := newFixture(t)

	rep, err := f.marketSvc.Bootstrap(f.ctx(), BootstrapRequest{
		MarketID:   "mkt-free",
		Question:   "Does an omitted fee fall back to the default?",
		Funder:     funder,
		Collateral: 400,
		CloseTime:  start.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(30), rep.FeeBps)

	rec, err := f.marketStore.GetByID(f.ctx(), "mkt-free")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), rec.FlatFeeBps)
}

func TestStateServesAndFillsCache(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000)

	raw, err := f.marketSvc.State(f.ctx(), mkt)
	require.NoError(t, err)
	assert.Equal(t, 1, f.states.setCount())

	var st engine.MarketState
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, mkt, st.Binding.MarketID)
	assert.Equal(t, uint64(1000), st.Pool.ReserveYes)
	assert.Equal(t, uint64(1000), st.Pool.ReserveNo)
	assert.Equal(t, uint64(5000), st.SpotBps)

	// Second read is a cache hit: no extra marshal-and-set.
	_, err = f.marketSvc.State(f.ctx(), mkt)
	require.NoError(t, err)
	assert.Equal(t, 1, f.states.setCount())
}

func TestTradeInvalidatesCachedState(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000)

	_, err := f.marketSvc.State(f.ctx(), mkt)
	require.NoError(t, err)

	_, err = f.tradeSvc.Buy(f.ctx(), BuyRequest{
		Trader: trader, MarketID: mkt, Side: domain.SideYes, Collateral: 100,
		Deadline: f.now.Add(time.Minute),
	})
	require.NoError(t, err)

	raw, err := f.marketSvc.State(f.ctx(), mkt)
	require.NoError(t, err)
	assert.Equal(t, 2, f.states.setCount())

	var st engine.MarketState
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Less(t, st.Pool.ReserveYes, uint64(1000))
	assert.Greater(t, st.Pool.ReserveNo, uint64(1000))
}

func TestStateUnknownMarket(t *testing.T) {
	f := newFixture(t)

	_, err := f.marketSvc.State(f.ctx(), "nope")
	assert.ErrorIs(t, err, domain.ErrMarketNotRegistered)
}

func TestResolveRequiresCloseOrEarlyFlag(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000)

	err := f.marketSvc.Resolve(f.ctx(), mkt, domain.SideYes)
	assert.ErrorIs(t, err, domain.ErrMarketNotClosed)

	f.advance(31 * 24 * time.Hour)
	require.NoError(t, f.marketSvc.Resolve(f.ctx(), mkt, domain.SideYes))
	assert.Equal(t, domain.MarketStatusResolved, f.marketStore.status(mkt))
	assert.Contains(t, f.auditEvents(), "market_resolved")

	info, err := f.led.Market(f.ctx(), mkt)
	require.NoError(t, err)
	assert.True(t, info.Resolved)
	assert.Equal(t, domain.SideYes, info.Winner)
}

func TestListReturnsJournaledMarkets(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(1000)

	recs, total, err := f.marketSvc.List(f.ctx(), domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, recs, 1)
	assert.Equal(t, mkt, recs[0].MarketID)
}

func TestPositionPassesThrough(t *testing.T) {
	f := newFixture(t)
	f.scarce()

	pos, err := f.marketSvc.Position(f.ctx(), mkt, lp)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), pos.YesShares)
	assert.Equal(t, uint64(500), pos.NoShares)
}
