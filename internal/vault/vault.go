// Package vault holds per-market OTC inventory, LP share accounting with
// reward-debt fee distribution, and the rebalance budget. The Book is a
// keyed store of accounts; mutations run on working copies obtained from
// Working and are made visible atomically by Commit, so a failed
// multi-step operation never leaves a half-applied account behind.
package vault

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/fixedpoint"
)

// RewardPrecision scales the per-share fee accumulators.
const RewardPrecision = 1_000_000_000_000

// Config carries the vault policy knobs.
type Config struct {
	// MaxInventory bounds each side's inventory; every increase is
	// checked against it.
	MaxInventory uint64
	// CooldownNormal gates withdrawals and harvests after a deposit.
	CooldownNormal time.Duration
	// CooldownLate replaces CooldownNormal for deposits made inside
	// LateWindow before market close, and keeps applying after close.
	CooldownLate time.Duration
	LateWindow   time.Duration
}

// Defaults returns the standard vault policy.
func Defaults() Config {
	return Config{
		MaxInventory:   1 << 60,
		CooldownNormal: 6 * time.Hour,
		CooldownLate:   24 * time.Hour,
		LateWindow:     12 * time.Hour,
	}
}

type sideState struct {
	inventory   uint64
	totalShares uint64
	accPerShare uint64
}

type position struct {
	yesShares   uint64
	noShares    uint64
	lastDeposit time.Time
	yesDebt     uint64
	noDebt      uint64
}

func (p *position) sharesFor(s domain.Side) uint64 {
	if s == domain.SideYes {
		return p.yesShares
	}
	return p.noShares
}

func (p *position) debtFor(s domain.Side) uint64 {
	if s == domain.SideYes {
		return p.yesDebt
	}
	return p.noDebt
}

func (p *position) set(s domain.Side, shares, debt uint64) {
	if s == domain.SideYes {
		p.yesShares, p.yesDebt = shares, debt
	} else {
		p.noShares, p.noDebt = shares, debt
	}
}

// Account is one market's vault state. Obtain a working copy from
// Book.Working, mutate it, and hand it back through Book.Commit; the copy
// is never shared, so its methods take no locks.
type Account struct {
	marketID     string
	closeTime    time.Time
	cfg          Config
	yes          sideState
	no           sideState
	budget       uint64
	lastActivity time.Time
	positions    map[common.Address]*position
}

// WithdrawOutcome reports what a withdrawal pays out: proportional
// inventory assets plus the accrued fee reward in collateral.
type WithdrawOutcome struct {
	Assets uint64
	Reward uint64
}

// HarvestOutcome reports pending fee rewards paid per side.
type HarvestOutcome struct {
	Yes uint64
	No  uint64
}

// DrainOutcome reports what finalization removed from the account.
type DrainOutcome struct {
	YesInventory uint64
	NoInventory  uint64
	Budget       uint64
}

func (a *Account) sideFor(s domain.Side) *sideState {
	if s == domain.SideYes {
		return &a.yes
	}
	return &a.no
}

// Inventory returns one side's inventory.
func (a *Account) Inventory(s domain.Side) uint64 { return a.sideFor(s).inventory }

// TotalShares returns one side's outstanding LP share supply.
func (a *Account) TotalShares(s domain.Side) uint64 { return a.sideFor(s).totalShares }

// Budget returns the collateral reserved for rebalancing.
func (a *Account) Budget() uint64 { return a.budget }

// HasLPs reports whether any LP shares are still circulating.
func (a *Account) HasLPs() bool {
	return a.yes.totalShares != 0 || a.no.totalShares != 0
}

// Deposit mints proportional LP shares for amount units of one side's
// inventory: 1:1 on an empty side, floor(amount*totalShares/inventory)
// otherwise. The position's lastDeposit moves to the share-weighted
// average of old and new, except inside the final window before close
// where every deposit resets it outright.
func (a *Account) Deposit(s domain.Side, amount uint64, owner common.Address, now time.Time) (uint64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("vault: deposit %s: %w", s, domain.ErrInvalidAmount)
	}
	sd := a.sideFor(s)
	if (sd.totalShares == 0) != (sd.inventory == 0) {
		return 0, fmt.Errorf("vault: deposit %s: %w", s, domain.ErrVaultStateCorrupt)
	}
	newInv, err := fixedpoint.Add(sd.inventory, amount)
	if err != nil || newInv > a.cfg.MaxInventory {
		return 0, fmt.Errorf("vault: deposit %s: %w", s, domain.ErrInventoryCap)
	}

	minted := amount
	if sd.totalShares != 0 {
		minted, err = fixedpoint.MulDiv(amount, sd.totalShares, sd.inventory)
		if err != nil {
			return 0, fmt.Errorf("vault: deposit %s: %w", s, err)
		}
		if minted == 0 {
			return 0, fmt.Errorf("vault: deposit %s: %w", s, domain.ErrZeroShares)
		}
	}
	newTotal, err := fixedpoint.Add(sd.totalShares, minted)
	if err != nil {
		return 0, fmt.Errorf("vault: deposit %s: %w", s, err)
	}

	pos, ok := a.positions[owner]
	if !ok {
		pos = &position{lastDeposit: now}
		a.positions[owner] = pos
	}
	if err := a.stampDeposit(pos, minted, now); err != nil {
		return 0, fmt.Errorf("vault: deposit %s: %w", s, err)
	}

	// Raise the reward-debt watermark by the new shares' worth so the
	// deposit preserves accrued pending without paying it out.
	debtDelta, err := fixedpoint.MulDiv(minted, sd.accPerShare, RewardPrecision)
	if err != nil {
		return 0, fmt.Errorf("vault: deposit %s: %w", s, err)
	}
	newDebt, err := fixedpoint.Add(pos.debtFor(s), debtDelta)
	if err != nil {
		return 0, fmt.Errorf("vault: deposit %s: %w", s, err)
	}
	userShares, err := fixedpoint.Add(pos.sharesFor(s), minted)
	if err != nil {
		return 0, fmt.Errorf("vault: deposit %s: %w", s, err)
	}

	sd.inventory = newInv
	sd.totalShares = newTotal
	pos.set(s, userShares, newDebt)
	a.lastActivity = now
	return minted, nil
}

// stampDeposit updates the position's lastDeposit for minted new shares.
func (a *Account) stampDeposit(pos *position, minted uint64, now time.Time) error {
	if a.inFinalWindow(now) {
		pos.lastDeposit = now
		return nil
	}
	held, err := fixedpoint.Add(pos.yesShares, pos.noShares)
	if err != nil {
		return err
	}
	if held == 0 || !now.After(pos.lastDeposit) {
		if held == 0 {
			pos.lastDeposit = now
		}
		return nil
	}
	total, err := fixedpoint.Add(held, minted)
	if err != nil {
		return err
	}
	delta := uint64(now.Sub(pos.lastDeposit) / time.Second)
	shift, err := fixedpoint.MulDiv(minted, delta, total)
	if err != nil {
		return err
	}
	pos.lastDeposit = pos.lastDeposit.Add(time.Duration(shift) * time.Second)
	return nil
}

func (a *Account) inFinalWindow(now time.Time) bool {
	return !now.Before(a.closeTime.Add(-a.cfg.LateWindow))
}

// cooldownRemaining returns how much longer the position is locked. A
// deposit made inside the late window before close carries the long
// cooldown even after the market closes.
func (a *Account) cooldownRemaining(pos *position, now time.Time) time.Duration {
	required := a.cfg.CooldownNormal
	if !pos.lastDeposit.Before(a.closeTime.Add(-a.cfg.LateWindow)) {
		required = a.cfg.CooldownLate
	}
	if readyAt := pos.lastDeposit.Add(required); now.Before(readyAt) {
		return readyAt.Sub(now)
	}
	return 0
}

// Withdraw burns shares for the proportional inventory assets plus the
// side's pending fee reward. The deposit cooldown must have elapsed.
func (a *Account) Withdraw(s domain.Side, shares uint64, owner common.Address, now time.Time) (WithdrawOutcome, error) {
	if shares == 0 {
		return WithdrawOutcome{}, fmt.Errorf("vault: withdraw %s: %w", s, domain.ErrInvalidAmount)
	}
	pos, ok := a.positions[owner]
	if !ok || pos.sharesFor(s) < shares {
		return WithdrawOutcome{}, fmt.Errorf("vault: withdraw %s: %w", s, domain.ErrInsufficientShares)
	}
	if rem := a.cooldownRemaining(pos, now); rem > 0 {
		return WithdrawOutcome{}, fmt.Errorf("vault: withdraw %s: %w", s, &domain.CooldownError{Remaining: rem})
	}
	sd := a.sideFor(s)
	if sd.totalShares < shares {
		return WithdrawOutcome{}, fmt.Errorf("vault: withdraw %s: %w", s, domain.ErrVaultStateCorrupt)
	}

	assets, err := fixedpoint.MulDiv(shares, sd.inventory, sd.totalShares)
	if err != nil {
		return WithdrawOutcome{}, fmt.Errorf("vault: withdraw %s: %w", s, err)
	}
	userShares := pos.sharesFor(s)
	gross, err := fixedpoint.MulDiv(userShares, sd.accPerShare, RewardPrecision)
	if err != nil {
		return WithdrawOutcome{}, fmt.Errorf("vault: withdraw %s: %w", s, err)
	}
	var pending uint64
	if debt := pos.debtFor(s); gross > debt {
		pending = gross - debt
	}
	remaining := userShares - shares
	newDebt, err := fixedpoint.MulDiv(remaining, sd.accPerShare, RewardPrecision)
	if err != nil {
		return WithdrawOutcome{}, fmt.Errorf("vault: withdraw %s: %w", s, err)
	}

	sd.totalShares -= shares
	sd.inventory -= assets
	pos.set(s, remaining, newDebt)
	if pos.yesShares == 0 && pos.noShares == 0 {
		delete(a.positions, owner)
	}
	a.lastActivity = now
	return WithdrawOutcome{Assets: assets, Reward: pending}, nil
}

// Harvest pays both sides' pending fee rewards without touching shares.
// Subject to the same cooldown as withdrawal.
func (a *Account) Harvest(owner common.Address, now time.Time) (HarvestOutcome, error) {
	pos, ok := a.positions[owner]
	if !ok {
		return HarvestOutcome{}, fmt.Errorf("vault: harvest: %w", domain.ErrZeroShares)
	}
	if rem := a.cooldownRemaining(pos, now); rem > 0 {
		return HarvestOutcome{}, fmt.Errorf("vault: harvest: %w", &domain.CooldownError{Remaining: rem})
	}
	var out HarvestOutcome
	for _, s := range []domain.Side{domain.SideYes, domain.SideNo} {
		sd := a.sideFor(s)
		gross, err := fixedpoint.MulDiv(pos.sharesFor(s), sd.accPerShare, RewardPrecision)
		if err != nil {
			return HarvestOutcome{}, fmt.Errorf("vault: harvest %s: %w", s, err)
		}
		var pending uint64
		if debt := pos.debtFor(s); gross > debt {
			pending = gross - debt
		}
		pos.set(s, pos.sharesFor(s), gross)
		if s == domain.SideYes {
			out.Yes = pending
		} else {
			out.No = pending
		}
	}
	return out, nil
}

// CreditFees distributes amount across a side's LPs using the share
// supply captured before the trade mutated anything. Fees earned while
// the side has no LPs are diverted to the rebalance budget instead of
// being stranded.
func (a *Account) CreditFees(s domain.Side, amount, preTradeShares uint64) error {
	if amount == 0 {
		return nil
	}
	if preTradeShares == 0 {
		return a.CreditBudget(amount)
	}
	delta, err := fixedpoint.MulDiv(amount, RewardPrecision, preTradeShares)
	if err != nil {
		return fmt.Errorf("vault: credit fees %s: %w", s, err)
	}
	sd := a.sideFor(s)
	acc, err := fixedpoint.Add(sd.accPerShare, delta)
	if err != nil {
		return fmt.Errorf("vault: credit fees %s: %w", s, err)
	}
	sd.accPerShare = acc
	return nil
}

// CreditBudget adds collateral to the rebalance budget.
func (a *Account) CreditBudget(amount uint64) error {
	b, err := fixedpoint.Add(a.budget, amount)
	if err != nil {
		return fmt.Errorf("vault: credit budget: %w", err)
	}
	a.budget = b
	return nil
}

// SpendBudget removes collateral from the rebalance budget.
func (a *Account) SpendBudget(amount uint64) error {
	if amount > a.budget {
		return fmt.Errorf("vault: spend budget: %w", domain.ErrInsufficientFunds)
	}
	a.budget -= amount
	return nil
}

// AddInventory grows one side's inventory, enforcing the cap.
func (a *Account) AddInventory(s domain.Side, amount uint64, now time.Time) error {
	if amount == 0 {
		return nil
	}
	sd := a.sideFor(s)
	inv, err := fixedpoint.Add(sd.inventory, amount)
	if err != nil || inv > a.cfg.MaxInventory {
		return fmt.Errorf("vault: add inventory %s: %w", s, domain.ErrInventoryCap)
	}
	sd.inventory = inv
	a.lastActivity = now
	return nil
}

// RemoveInventory shrinks one side's inventory.
func (a *Account) RemoveInventory(s domain.Side, amount uint64, now time.Time) error {
	if amount == 0 {
		return nil
	}
	sd := a.sideFor(s)
	if amount > sd.inventory {
		return fmt.Errorf("vault: remove inventory %s: %w", s, domain.ErrInsufficientShares)
	}
	sd.inventory -= amount
	a.lastActivity = now
	return nil
}

// Drain empties inventories and budget for finalization. Rejected while
// any LP shares are still circulating.
func (a *Account) Drain() (DrainOutcome, error) {
	if a.HasLPs() {
		return DrainOutcome{}, fmt.Errorf("vault: drain: %w", domain.ErrActiveLPs)
	}
	out := DrainOutcome{
		YesInventory: a.yes.inventory,
		NoInventory:  a.no.inventory,
		Budget:       a.budget,
	}
	a.yes.inventory = 0
	a.no.inventory = 0
	a.budget = 0
	return out, nil
}

// Pending returns the owner's unharvested fee rewards per side.
func (a *Account) Pending(owner common.Address) (yes, no uint64) {
	pos, ok := a.positions[owner]
	if !ok {
		return 0, 0
	}
	return a.pendingFor(pos, domain.SideYes), a.pendingFor(pos, domain.SideNo)
}

func (a *Account) pendingFor(pos *position, s domain.Side) uint64 {
	sd := a.sideFor(s)
	gross, err := fixedpoint.MulDiv(pos.sharesFor(s), sd.accPerShare, RewardPrecision)
	if err != nil {
		return 0
	}
	if debt := pos.debtFor(s); gross > debt {
		return gross - debt
	}
	return 0
}

// Snapshot returns a read model of the account.
func (a *Account) Snapshot() domain.VaultSnapshot {
	return domain.VaultSnapshot{
		MarketID: a.marketID,
		Yes: domain.SideTotals{
			Inventory:   a.yes.inventory,
			TotalShares: a.yes.totalShares,
			AccPerShare: a.yes.accPerShare,
		},
		No: domain.SideTotals{
			Inventory:   a.no.inventory,
			TotalShares: a.no.totalShares,
			AccPerShare: a.no.accPerShare,
		},
		RebalanceBudget: a.budget,
		LastActivity:    a.lastActivity,
	}
}

func (a *Account) clone() *Account {
	cp := *a
	cp.positions = make(map[common.Address]*position, len(a.positions))
	for owner, pos := range a.positions {
		p := *pos
		cp.positions[owner] = &p
	}
	return &cp
}

// Book is the keyed store of vault accounts.
type Book struct {
	cfg Config

	mu       sync.Mutex
	accounts map[string]*Account
}

// NewBook returns an empty Book with the given policy.
func NewBook(cfg Config) *Book {
	return &Book{cfg: cfg, accounts: make(map[string]*Account)}
}

// Register creates an empty account for a market.
func (b *Book) Register(marketID string, closeTime time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.accounts[marketID]; ok {
		return fmt.Errorf("vault: register %s: %w", marketID, domain.ErrAlreadyRegistered)
	}
	b.accounts[marketID] = &Account{
		marketID:  marketID,
		closeTime: closeTime,
		cfg:       b.cfg,
		positions: make(map[common.Address]*position),
	}
	return nil
}

// Working returns a deep copy of a market's account for a unit of work.
func (b *Book) Working(marketID string) (*Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[marketID]
	if !ok {
		return nil, fmt.Errorf("vault: %s: %w", marketID, domain.ErrMarketNotRegistered)
	}
	return acct.clone(), nil
}

// Commit makes a working copy the visible account.
func (b *Book) Commit(a *Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[a.marketID] = a
}

// Snapshot returns a read model of a market's account.
func (b *Book) Snapshot(marketID string) (domain.VaultSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[marketID]
	if !ok {
		return domain.VaultSnapshot{}, fmt.Errorf("vault: %s: %w", marketID, domain.ErrMarketNotRegistered)
	}
	return acct.Snapshot(), nil
}

// Position returns one account's position in a market, with pending
// rewards computed.
func (b *Book) Position(marketID string, owner common.Address) (domain.UserPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[marketID]
	if !ok {
		return domain.UserPosition{}, fmt.Errorf("vault: %s: %w", marketID, domain.ErrMarketNotRegistered)
	}
	up := domain.UserPosition{MarketID: marketID, Account: owner}
	if pos, ok := acct.positions[owner]; ok {
		up.YesShares = pos.yesShares
		up.NoShares = pos.noShares
		up.LastDepositTime = pos.lastDeposit
		up.PendingYes = acct.pendingFor(pos, domain.SideYes)
		up.PendingNo = acct.pendingFor(pos, domain.SideNo)
	}
	return up, nil
}
