package vault

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calweber/pmrouter/internal/domain"
)

var (
	alice = common.HexToAddress("0xa1")
	bob   = common.HexToAddress("0xb0")
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// newTestBook registers "mkt-1" closing 48h after t0.
func newTestBook(t *testing.T) *Book {
	t.Helper()
	b := NewBook(Defaults())
	require.NoError(t, b.Register("mkt-1", t0.Add(48*time.Hour)))
	return b
}

func working(t *testing.T, b *Book) *Account {
	t.Helper()
	a, err := b.Working("mkt-1")
	require.NoError(t, err)
	return a
}

func TestDepositMintsProportionally(t *testing.T) {
	b := newTestBook(t)
	a := working(t, b)

	minted, err := a.Deposit(domain.SideYes, 100, alice, t0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), minted)

	// Inventory grows without new shares: the share price rises and a
	// second depositor mints fewer shares per unit.
	require.NoError(t, a.AddInventory(domain.SideYes, 100, t0))
	minted, err = a.Deposit(domain.SideYes, 100, bob, t0)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), minted)

	// A dust deposit that floors to zero shares is rejected.
	_, err = a.Deposit(domain.SideYes, 1, bob, t0)
	assert.ErrorIs(t, err, domain.ErrZeroShares)
}

func TestDepositRejectsDepletedSide(t *testing.T) {
	b := newTestBook(t)
	a := working(t, b)

	_, err := a.Deposit(domain.SideNo, 100, alice, t0)
	require.NoError(t, err)
	require.NoError(t, a.RemoveInventory(domain.SideNo, 100, t0))

	// Shares without backing inventory: no fair mint price exists.
	_, err = a.Deposit(domain.SideNo, 100, bob, t0)
	assert.ErrorIs(t, err, domain.ErrVaultStateCorrupt)
}

func TestInventoryCap(t *testing.T) {
	cfg := Defaults()
	cfg.MaxInventory = 1000
	b := NewBook(cfg)
	require.NoError(t, b.Register("mkt-1", t0.Add(48*time.Hour)))
	a := working(t, b)

	_, err := a.Deposit(domain.SideYes, 900, alice, t0)
	require.NoError(t, err)
	_, err = a.Deposit(domain.SideYes, 200, alice, t0)
	assert.ErrorIs(t, err, domain.ErrInventoryCap)
	assert.ErrorIs(t, a.AddInventory(domain.SideYes, 200, t0), domain.ErrInventoryCap)
	require.NoError(t, a.AddInventory(domain.SideYes, 100, t0))
}

func TestWithdrawRoundTrip(t *testing.T) {
	b := newTestBook(t)
	a := working(t, b)
	_, err := a.Deposit(domain.SideYes, 1000, alice, t0)
	require.NoError(t, err)
	b.Commit(a)

	a = working(t, b)
	later := t0.Add(7 * time.Hour)
	out, err := a.Withdraw(domain.SideYes, 1000, alice, later)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), out.Assets)
	assert.Zero(t, out.Reward)
	assert.Zero(t, a.Inventory(domain.SideYes))
	assert.Zero(t, a.TotalShares(domain.SideYes))

	// Full withdrawal decays the position away.
	b.Commit(a)
	pos, err := b.Position("mkt-1", alice)
	require.NoError(t, err)
	assert.Zero(t, pos.YesShares)
	assert.True(t, pos.LastDepositTime.IsZero())
}

func TestWithdrawCooldown(t *testing.T) {
	b := newTestBook(t)
	a := working(t, b)
	_, err := a.Deposit(domain.SideYes, 100, alice, t0)
	require.NoError(t, err)

	_, err = a.Withdraw(domain.SideYes, 100, alice, t0.Add(5*time.Hour))
	require.Error(t, err)
	var cd *domain.CooldownError
	require.ErrorAs(t, err, &cd)
	assert.Equal(t, time.Hour, cd.Remaining)

	_, err = a.Withdraw(domain.SideYes, 100, alice, t0.Add(6*time.Hour))
	require.NoError(t, err)
}

func TestLateDepositCooldownSurvivesClose(t *testing.T) {
	b := NewBook(Defaults())
	closeAt := t0.Add(13 * time.Hour)
	require.NoError(t, b.Register("mkt-1", closeAt))
	a := working(t, b)

	// Deposited 11h before close: inside the 12h late window.
	depositAt := t0.Add(2 * time.Hour)
	_, err := a.Deposit(domain.SideYes, 100, alice, depositAt)
	require.NoError(t, err)

	_, err = a.Withdraw(domain.SideYes, 100, alice, depositAt.Add(time.Hour))
	var cd *domain.CooldownError
	require.ErrorAs(t, err, &cd)
	assert.Equal(t, 23*time.Hour, cd.Remaining)

	// Still locked well past close.
	_, err = a.Withdraw(domain.SideYes, 100, alice, closeAt.Add(5*time.Hour))
	assert.ErrorIs(t, err, &domain.CooldownError{})

	_, err = a.Withdraw(domain.SideYes, 100, alice, depositAt.Add(24*time.Hour))
	require.NoError(t, err)
}

func TestTopUpAveragesDepositTime(t *testing.T) {
	b := newTestBook(t)
	a := working(t, b)

	_, err := a.Deposit(domain.SideYes, 100, alice, t0)
	require.NoError(t, err)
	_, err = a.Deposit(domain.SideYes, 100, alice, t0.Add(10*time.Hour))
	require.NoError(t, err)
	b.Commit(a)

	pos, err := b.Position("mkt-1", alice)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(5*time.Hour), pos.LastDepositTime)
}

func TestFinalWindowDepositResetsClock(t *testing.T) {
	b := newTestBook(t)
	a := working(t, b)

	_, err := a.Deposit(domain.SideYes, 1000, alice, t0)
	require.NoError(t, err)

	// 47h in is inside the 12h window before the 48h close: no averaging,
	// the small top-up re-locks the whole position.
	lateAt := t0.Add(47 * time.Hour)
	_, err = a.Deposit(domain.SideYes, 10, alice, lateAt)
	require.NoError(t, err)
	b.Commit(a)

	pos, err := b.Position("mkt-1", alice)
	require.NoError(t, err)
	assert.Equal(t, lateAt, pos.LastDepositTime)
}

func TestFeeAccrualAndRewardDebt(t *testing.T) {
	b := newTestBook(t)
	a := working(t, b)

	_, err := a.Deposit(domain.SideYes, 100, alice, t0)
	require.NoError(t, err)
	require.NoError(t, a.CreditFees(domain.SideYes, 50, 100))

	// Bob joins after the first fee credit and must not share in it.
	_, err = a.Deposit(domain.SideYes, 100, bob, t0)
	require.NoError(t, err)
	aliceYes, _ := a.Pending(alice)
	bobYes, _ := a.Pending(bob)
	assert.Equal(t, uint64(50), aliceYes)
	assert.Zero(t, bobYes)

	require.NoError(t, a.CreditFees(domain.SideYes, 30, 200))
	aliceYes, _ = a.Pending(alice)
	bobYes, _ = a.Pending(bob)
	assert.Equal(t, uint64(65), aliceYes)
	assert.Equal(t, uint64(15), bobYes)

	out, err := a.Harvest(alice, t0.Add(7*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(65), out.Yes)
	aliceYes, _ = a.Pending(alice)
	assert.Zero(t, aliceYes)
}

func TestWithdrawPaysPendingReward(t *testing.T) {
	b := newTestBook(t)
	a := working(t, b)

	_, err := a.Deposit(domain.SideNo, 400, alice, t0)
	require.NoError(t, err)
	require.NoError(t, a.CreditFees(domain.SideNo, 100, 400))

	out, err := a.Withdraw(domain.SideNo, 200, alice, t0.Add(7*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), out.Assets)
	assert.Equal(t, uint64(100), out.Reward)

	// The debt watermark resets: nothing further is pending until the
	// next fee credit.
	yesPending, noPending := a.Pending(alice)
	assert.Zero(t, yesPending)
	assert.Zero(t, noPending)
}

func TestFeesWithoutLPsGoToBudget(t *testing.T) {
	b := newTestBook(t)
	a := working(t, b)

	require.NoError(t, a.CreditFees(domain.SideYes, 77, 0))
	assert.Equal(t, uint64(77), a.Budget())

	require.NoError(t, a.SpendBudget(50))
	assert.Equal(t, uint64(27), a.Budget())
	assert.ErrorIs(t, a.SpendBudget(28), domain.ErrInsufficientFunds)
}

func TestDrainRequiresNoCirculatingLPs(t *testing.T) {
	b := newTestBook(t)
	a := working(t, b)

	_, err := a.Deposit(domain.SideYes, 100, alice, t0)
	require.NoError(t, err)
	_, err = a.Drain()
	assert.ErrorIs(t, err, domain.ErrActiveLPs)

	_, err = a.Withdraw(domain.SideYes, 100, alice, t0.Add(7*time.Hour))
	require.NoError(t, err)

	// Leftover unpaired inventory and budget after settlement.
	require.NoError(t, a.AddInventory(domain.SideNo, 300, t0.Add(8*time.Hour)))
	require.NoError(t, a.CreditBudget(500))

	out, err := a.Drain()
	require.NoError(t, err)
	assert.Equal(t, DrainOutcome{NoInventory: 300, Budget: 500}, out)
	assert.Zero(t, a.Budget())
	assert.Zero(t, a.Inventory(domain.SideNo))
}

func TestWorkingCopyIsolation(t *testing.T) {
	b := newTestBook(t)
	a := working(t, b)
	_, err := a.Deposit(domain.SideYes, 100, alice, t0)
	require.NoError(t, err)

	// Not committed: the book still sees the empty account.
	snap, err := b.Snapshot("mkt-1")
	require.NoError(t, err)
	assert.Zero(t, snap.Yes.Inventory)

	b.Commit(a)
	snap, err = b.Snapshot("mkt-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), snap.Yes.Inventory)
	assert.Equal(t, uint64(100), snap.Yes.TotalShares)
}

func TestUnknownMarket(t *testing.T) {
	b := NewBook(Defaults())
	_, err := b.Working("ghost")
	assert.ErrorIs(t, err, domain.ErrMarketNotRegistered)
	_, err = b.Snapshot("ghost")
	assert.ErrorIs(t, err, domain.ErrMarketNotRegistered)
}
