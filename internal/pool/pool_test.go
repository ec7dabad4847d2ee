package pool

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/ledger"
)

var (
	usdc   = common.HexToAddress("0x01")
	trader = common.HexToAddress("0x7a")
	poolID = common.HexToHash("0xd00d")
)

type fixture struct {
	ledger *ledger.Ledger
	pool   *Service
	now    *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	l := ledger.New(ledger.WithClock(clock))
	require.NoError(t, l.RegisterMarket(context.Background(), domain.MarketInfo{
		ID:         "mkt-1",
		Collateral: usdc,
		CloseTime:  now.Add(72 * time.Hour),
	}))
	p := NewService(l, WithClock(func() time.Time { return now }))
	return &fixture{ledger: l, pool: p, now: &now}
}

// seed gives the trader share inventory and funds the pool 1000/1000.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.ledger.Mint(ctx, trader, usdc, 10_000))
	require.NoError(t, f.ledger.Split(ctx, trader, "mkt-1", 2_000))
	require.NoError(t, f.ledger.SetApproval(ctx, trader, f.pool.Address(), true))
	require.NoError(t, f.pool.Create(ctx, poolID, "mkt-1", 30))
	require.NoError(t, f.pool.AddLiquidity(ctx, poolID, trader, 1_000, 1_000))
}

func TestSwapOutMatchesConstantProduct(t *testing.T) {
	// 100 in at 30 bps fee against 1000/1000:
	// inFee = 100*9970 = 997000
	// out = 997000*1000 / (1000*10000 + 997000) = 90.68... -> 90
	assert.Equal(t, uint64(90), SwapOut(100, 1_000, 1_000, 30))

	// Zero fee, tiny trade.
	assert.Equal(t, uint64(0), SwapOut(0, 1_000, 1_000, 0))
	assert.Equal(t, uint64(0), SwapOut(100, 0, 1_000, 0))

	// A halted fee quotes nothing.
	assert.Equal(t, uint64(0), SwapOut(100, 1_000, 1_000, 10_000))
}

func TestSpotProbability(t *testing.T) {
	assert.Equal(t, uint64(5000), SpotProbability(1_000, 1_000))
	// Scarce YES reads as expensive YES.
	assert.Equal(t, uint64(7500), SpotProbability(500, 1_500))
	assert.Equal(t, uint64(0), SpotProbability(0, 0))
}

func TestSwapExactIn(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	out, err := f.pool.SwapExactIn(ctx, poolID, trader, domain.SideNo, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), out)

	st, err := f.pool.State(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, uint64(910), st.ReserveYes)
	assert.Equal(t, uint64(1_100), st.ReserveNo)

	// The trader's ledger balances moved in lockstep.
	yes, err := f.ledger.BalanceOf(ctx, trader, domain.ShareTokenID("mkt-1", domain.SideYes))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000+90), yes)
}

func TestSwapSlippageBound(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	_, err := f.pool.SwapExactIn(context.Background(), poolID, trader, domain.SideNo, 100, 91)
	assert.ErrorIs(t, err, &domain.SlippageError{})

	// Nothing moved.
	st, err := f.pool.State(context.Background(), poolID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), st.ReserveYes)
	assert.Equal(t, uint64(1_000), st.ReserveNo)
}

func TestCumulativeAccumulator(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	// 60 seconds at 50/50.
	*f.now = f.now.Add(60 * time.Second)
	st, err := f.pool.State(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000*60), st.CumulativeBps)

	// Swap skews the pool, then 60 more seconds accumulate at the new spot.
	_, err = f.pool.SwapExactIn(ctx, poolID, trader, domain.SideNo, 500, 0)
	require.NoError(t, err)
	skewed, err := f.pool.State(ctx, poolID)
	require.NoError(t, err)
	spot := SpotProbability(skewed.ReserveYes, skewed.ReserveNo)

	*f.now = f.now.Add(60 * time.Second)
	st, err = f.pool.State(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000*60)+spot*60, st.CumulativeBps)
}

func TestRecoverResidual(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	// Strand 25 YES shares on the pool account outside its reserves.
	yesID := domain.ShareTokenID("mkt-1", domain.SideYes)
	require.NoError(t, f.ledger.Transfer(ctx, trader, f.pool.Address(), yesID, 25))

	swept, err := f.pool.RecoverResidual(ctx, poolID, trader)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), swept)

	swept, err = f.pool.RecoverResidual(ctx, poolID, trader)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestCreateRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pool.Create(ctx, poolID, "mkt-1", 30))
	err := f.pool.Create(ctx, poolID, "mkt-1", 30)
	assert.ErrorIs(t, err, domain.ErrAlreadyRegistered)
}
