// Package ledger provides the in-process outcome-share and collateral
// ledger. It keeps per-owner balances keyed by token ID, converts between
// collateral and matched share pairs, and redeems winning shares after
// resolution. Market registration and resolution are administrative entry
// points on the concrete type; the engine consumes only domain.ShareLedger.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/fixedpoint"
)

// Ledger implements domain.ShareLedger with in-memory state.
type Ledger struct {
	mu        sync.RWMutex
	addr      common.Address
	markets   map[string]domain.MarketInfo
	balances  map[common.Address]map[common.Hash]uint64
	approvals map[common.Address]map[common.Address]bool
	locked    map[string]uint64
	clock     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithAddress overrides the ledger's contract identity.
func WithAddress(addr common.Address) Option {
	return func(l *Ledger) { l.addr = addr }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		addr:      common.HexToAddress("0x000000000000000000000000000000000000c7f0"),
		markets:   make(map[string]domain.MarketInfo),
		balances:  make(map[common.Address]map[common.Hash]uint64),
		approvals: make(map[common.Address]map[common.Address]bool),
		locked:    make(map[string]uint64),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ domain.ShareLedger = (*Ledger)(nil)

// Address implements domain.ShareLedger.
func (l *Ledger) Address() common.Address {
	return l.addr
}

// RegisterMarket records a market's metadata. Administrative: the engine
// never creates markets.
func (l *Ledger) RegisterMarket(_ context.Context, info domain.MarketInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if info.ID == "" {
		return fmt.Errorf("ledger: register: %w: empty market id", domain.ErrNotFound)
	}
	if _, ok := l.markets[info.ID]; ok {
		return fmt.Errorf("ledger: register %s: %w", info.ID, domain.ErrAlreadyRegistered)
	}
	if !info.CloseTime.After(l.clock()) {
		return fmt.Errorf("ledger: register %s: %w", info.ID, domain.ErrInvalidCloseTime)
	}
	l.markets[info.ID] = info
	return nil
}

// Resolve marks a market resolved with the winning side. Before the close
// time it is accepted only when the market allows early close.
func (l *Ledger) Resolve(_ context.Context, marketID string, winner domain.Side) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.markets[marketID]
	if !ok {
		return fmt.Errorf("ledger: resolve %s: %w", marketID, domain.ErrNotFound)
	}
	if info.Resolved {
		return fmt.Errorf("ledger: resolve %s: %w", marketID, domain.ErrMarketResolved)
	}
	if l.clock().Before(info.CloseTime) && !info.EarlyCloseAllowed {
		return fmt.Errorf("ledger: resolve %s: %w", marketID, domain.ErrMarketNotClosed)
	}
	info.Resolved = true
	info.Winner = winner
	l.markets[marketID] = info
	return nil
}

// Mint credits collateral to an owner. Administrative faucet for the
// simulator and tests; production deployments fund accounts out of band.
func (l *Ledger) Mint(_ context.Context, owner common.Address, asset common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credit(owner, domain.CollateralTokenID(asset), amount)
}

// Market implements domain.ShareLedger.
func (l *Ledger) Market(_ context.Context, marketID string) (domain.MarketInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	info, ok := l.markets[marketID]
	if !ok {
		return domain.MarketInfo{}, fmt.Errorf("ledger: market %s: %w", marketID, domain.ErrNotFound)
	}
	return info, nil
}

// BalanceOf implements domain.ShareLedger.
func (l *Ledger) BalanceOf(_ context.Context, owner common.Address, token common.Hash) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[owner][token], nil
}

// Transfer implements domain.ShareLedger.
func (l *Ledger) Transfer(_ context.Context, from, to common.Address, token common.Hash, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, token, amount)
}

// TransferFrom implements domain.ShareLedger. The operator must be the
// owner or hold the owner's approval.
func (l *Ledger) TransferFrom(_ context.Context, operator, from, to common.Address, token common.Hash, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if operator != from && !l.approvals[from][operator] {
		return fmt.Errorf("ledger: transfer from %s by %s: %w", from, operator, domain.ErrUnauthorized)
	}
	return l.move(from, to, token, amount)
}

// Split implements domain.ShareLedger: locks collateral and issues a
// matched YES/NO pair.
func (l *Ledger) Split(_ context.Context, owner common.Address, marketID string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.markets[marketID]
	if !ok {
		return fmt.Errorf("ledger: split %s: %w", marketID, domain.ErrNotFound)
	}
	if amount == 0 {
		return fmt.Errorf("ledger: split %s: %w", marketID, domain.ErrInvalidAmount)
	}
	if err := l.debit(owner, domain.CollateralTokenID(info.Collateral), amount); err != nil {
		return fmt.Errorf("ledger: split %s: %w", marketID, err)
	}
	locked, err := fixedpoint.Add(l.locked[marketID], amount)
	if err != nil {
		return fmt.Errorf("ledger: split %s: %w", marketID, err)
	}
	l.locked[marketID] = locked
	if err := l.credit(owner, domain.ShareTokenID(marketID, domain.SideYes), amount); err != nil {
		return fmt.Errorf("ledger: split %s: %w", marketID, err)
	}
	if err := l.credit(owner, domain.ShareTokenID(marketID, domain.SideNo), amount); err != nil {
		return fmt.Errorf("ledger: split %s: %w", marketID, err)
	}
	return nil
}

// Merge implements domain.ShareLedger: burns a matched pair and releases
// the locked collateral.
func (l *Ledger) Merge(_ context.Context, owner common.Address, marketID string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.markets[marketID]
	if !ok {
		return fmt.Errorf("ledger: merge %s: %w", marketID, domain.ErrNotFound)
	}
	if amount == 0 {
		return fmt.Errorf("ledger: merge %s: %w", marketID, domain.ErrInvalidAmount)
	}
	if err := l.debit(owner, domain.ShareTokenID(marketID, domain.SideYes), amount); err != nil {
		return fmt.Errorf("ledger: merge %s: %w", marketID, domain.ErrInsufficientShares)
	}
	if err := l.debit(owner, domain.ShareTokenID(marketID, domain.SideNo), amount); err != nil {
		return fmt.Errorf("ledger: merge %s: %w", marketID, domain.ErrInsufficientShares)
	}
	if l.locked[marketID] < amount {
		return fmt.Errorf("ledger: merge %s: %w", marketID, domain.ErrInsufficientFunds)
	}
	l.locked[marketID] -= amount
	if err := l.credit(owner, domain.CollateralTokenID(info.Collateral), amount); err != nil {
		return fmt.Errorf("ledger: merge %s: %w", marketID, err)
	}
	return nil
}

// Claim implements domain.ShareLedger: burns winning-side shares for their
// collateral payout after resolution.
func (l *Ledger) Claim(_ context.Context, owner common.Address, marketID string, amount uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.markets[marketID]
	if !ok {
		return 0, fmt.Errorf("ledger: claim %s: %w", marketID, domain.ErrNotFound)
	}
	if !info.Resolved {
		return 0, fmt.Errorf("ledger: claim %s: %w", marketID, domain.ErrMarketNotResolved)
	}
	if amount == 0 {
		return 0, nil
	}
	if err := l.debit(owner, domain.ShareTokenID(marketID, info.Winner), amount); err != nil {
		return 0, fmt.Errorf("ledger: claim %s: %w", marketID, domain.ErrInsufficientShares)
	}
	if l.locked[marketID] < amount {
		return 0, fmt.Errorf("ledger: claim %s: %w", marketID, domain.ErrInsufficientFunds)
	}
	l.locked[marketID] -= amount
	if err := l.credit(owner, domain.CollateralTokenID(info.Collateral), amount); err != nil {
		return 0, fmt.Errorf("ledger: claim %s: %w", marketID, err)
	}
	return amount, nil
}

// SetApproval implements domain.ShareLedger.
func (l *Ledger) SetApproval(_ context.Context, owner, operator common.Address, approved bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.approvals[owner] == nil {
		l.approvals[owner] = make(map[common.Address]bool)
	}
	l.approvals[owner][operator] = approved
	return nil
}

// move, credit, and debit assume the caller holds the write lock.

func (l *Ledger) move(from, to common.Address, token common.Hash, amount uint64) error {
	if err := l.debit(from, token, amount); err != nil {
		return err
	}
	return l.credit(to, token, amount)
}

func (l *Ledger) credit(owner common.Address, token common.Hash, amount uint64) error {
	if l.balances[owner] == nil {
		l.balances[owner] = make(map[common.Hash]uint64)
	}
	next, err := fixedpoint.Add(l.balances[owner][token], amount)
	if err != nil {
		return err
	}
	l.balances[owner][token] = next
	return nil
}

func (l *Ledger) debit(owner common.Address, token common.Hash, amount uint64) error {
	bal := l.balances[owner][token]
	if bal < amount {
		return fmt.Errorf("%w: have %d, need %d", domain.ErrInsufficientFunds, bal, amount)
	}
	l.balances[owner][token] = bal - amount
	return nil
}
