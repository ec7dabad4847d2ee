package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calweber/pmrouter/internal/domain"
)

var (
	usdc  = common.HexToAddress("0x01")
	alice = common.HexToAddress("0xa1")
	bob   = common.HexToAddress("0xb0")
)

func newTestLedger(t *testing.T, now time.Time) *Ledger {
	t.Helper()
	l := New(WithClock(func() time.Time { return now }))
	require.NoError(t, l.RegisterMarket(context.Background(), domain.MarketInfo{
		ID:         "mkt-1",
		Collateral: usdc,
		CloseTime:  now.Add(48 * time.Hour),
	}))
	return l
}

func TestSplitAndMergeRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, now)
	require.NoError(t, l.Mint(ctx, alice, usdc, 1_000_000))

	require.NoError(t, l.Split(ctx, alice, "mkt-1", 400_000))

	yes, err := l.BalanceOf(ctx, alice, domain.ShareTokenID("mkt-1", domain.SideYes))
	require.NoError(t, err)
	no, err := l.BalanceOf(ctx, alice, domain.ShareTokenID("mkt-1", domain.SideNo))
	require.NoError(t, err)
	cash, err := l.BalanceOf(ctx, alice, domain.CollateralTokenID(usdc))
	require.NoError(t, err)
	assert.Equal(t, uint64(400_000), yes)
	assert.Equal(t, uint64(400_000), no)
	assert.Equal(t, uint64(600_000), cash)

	require.NoError(t, l.Merge(ctx, alice, "mkt-1", 400_000))
	cash, err = l.BalanceOf(ctx, alice, domain.CollateralTokenID(usdc))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), cash)
}

func TestMergeRequiresMatchedPair(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, now)
	require.NoError(t, l.Mint(ctx, alice, usdc, 100))
	require.NoError(t, l.Split(ctx, alice, "mkt-1", 100))

	// Give away half the NO side; the pair is no longer matched.
	noID := domain.ShareTokenID("mkt-1", domain.SideNo)
	require.NoError(t, l.Transfer(ctx, alice, bob, noID, 50))

	err := l.Merge(ctx, alice, "mkt-1", 100)
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)
}

func TestTransferFromNeedsApproval(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, now)
	require.NoError(t, l.Mint(ctx, alice, usdc, 100))
	token := domain.CollateralTokenID(usdc)

	err := l.TransferFrom(ctx, bob, alice, bob, token, 10)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	require.NoError(t, l.SetApproval(ctx, alice, bob, true))
	require.NoError(t, l.TransferFrom(ctx, bob, alice, bob, token, 10))

	got, err := l.BalanceOf(ctx, bob, token)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got)
}

func TestClaimPaysWinnersOnly(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(WithClock(func() time.Time { return now }))
	require.NoError(t, l.RegisterMarket(ctx, domain.MarketInfo{
		ID:                "mkt-ec",
		Collateral:        usdc,
		CloseTime:         now.Add(time.Hour),
		EarlyCloseAllowed: true,
	}))
	require.NoError(t, l.Mint(ctx, alice, usdc, 100))
	require.NoError(t, l.Split(ctx, alice, "mkt-ec", 100))

	_, err := l.Claim(ctx, alice, "mkt-ec", 100)
	require.ErrorIs(t, err, domain.ErrMarketNotResolved)

	require.NoError(t, l.Resolve(ctx, "mkt-ec", domain.SideNo))

	paid, err := l.Claim(ctx, alice, "mkt-ec", 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), paid)

	// YES shares are worthless: claiming again has nothing to burn.
	_, err = l.Claim(ctx, alice, "mkt-ec", 1)
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)
}

func TestResolveBeforeCloseNeedsEarlyClose(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, now)

	err := l.Resolve(ctx, "mkt-1", domain.SideYes)
	assert.ErrorIs(t, err, domain.ErrMarketNotClosed)
}
