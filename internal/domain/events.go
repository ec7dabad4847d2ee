package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind labels engine notifications for observers and indexers.
type EventKind string

const (
	EventBootstrap     EventKind = "bootstrap"
	EventOTCFill       EventKind = "otc_fill"
	EventVaultDeposit  EventKind = "vault_deposit"
	EventVaultWithdraw EventKind = "vault_withdraw"
	EventFeeHarvest    EventKind = "fee_harvest"
	EventOracleUpdate  EventKind = "oracle_update"
	EventRebalance     EventKind = "rebalance"
	EventBudgetSettled EventKind = "budget_settled"
	EventRedemption    EventKind = "redemption"
	EventFinalized     EventKind = "finalized"
)

// FillDirection distinguishes vault-sells-to-trader from vault-buys-from-
// trader OTC fills.
type FillDirection string

const (
	FillBuy  FillDirection = "buy"
	FillSell FillDirection = "sell"
)

// Venue is one of the execution paths a trade can route through.
type Venue string

const (
	VenueOTC  Venue = "otc"
	VenuePool Venue = "pool"
	VenueMint Venue = "mint"
)

// Fill records a single vault-OTC execution.
type Fill struct {
	ID                string         `json:"id"`
	MarketID          string         `json:"market_id"`
	Trader            common.Address `json:"trader"`
	Recipient         common.Address `json:"recipient"`
	Side              Side           `json:"side"`
	Direction         FillDirection  `json:"direction"`
	Collateral        uint64         `json:"collateral"`
	Shares            uint64         `json:"shares"`
	EffectivePriceBps uint64         `json:"effective_price_bps"`
	Principal         uint64         `json:"principal"`
	Spread            uint64         `json:"spread"`
	At                time.Time      `json:"at"`
}

// VaultChange records a deposit, withdrawal, or harvest against one side of
// a market's vault.
type VaultChange struct {
	Account common.Address `json:"account"`
	Side    Side           `json:"side"`
	Assets  uint64         `json:"assets"`
	Shares  uint64         `json:"shares"`
	Reward  uint64         `json:"reward"`
}

// OracleUpdate records an accepted TWAP observation shift.
type OracleUpdate struct {
	PriceBps   uint64 `json:"price_bps"`
	Cumulative uint64 `json:"cumulative"`
	WindowSecs uint64 `json:"window_secs"`
}

// RebalanceReport records a completed rebalance pass.
type RebalanceReport struct {
	Caller       common.Address `json:"caller"`
	Merged       uint64         `json:"merged"`
	BudgetUsed   uint64         `json:"budget_used"`
	Bounty       uint64         `json:"bounty"`
	BoughtSide   Side           `json:"bought_side"`
	BoughtShares uint64         `json:"bought_shares"`
}

// SettlementReport records budget settlement, winning-share redemption, or
// finalization amounts.
type SettlementReport struct {
	BudgetDistributed uint64 `json:"budget_distributed"`
	Merged            uint64 `json:"merged"`
	Redeemed          uint64 `json:"redeemed"`
	TreasuryPayout    uint64 `json:"treasury_payout"`
}

// BootstrapReport records a market's initial pool seeding.
type BootstrapReport struct {
	Funder     common.Address `json:"funder"`
	PoolID     common.Hash    `json:"pool_id"`
	Collateral uint64         `json:"collateral"`
	FeeBps     uint64         `json:"fee_bps"`
	Delegated  bool           `json:"delegated"`
}

// Event is the envelope published for every state-changing operation.
// Exactly one payload pointer is set, matching Kind.
type Event struct {
	ID       string    `json:"id"`
	Kind     EventKind `json:"kind"`
	MarketID string    `json:"market_id"`
	At       time.Time `json:"at"`

	Fill       *Fill             `json:"fill,omitempty"`
	Vault      *VaultChange      `json:"vault,omitempty"`
	Oracle     *OracleUpdate     `json:"oracle,omitempty"`
	Rebalance  *RebalanceReport  `json:"rebalance,omitempty"`
	Settlement *SettlementReport `json:"settlement,omitempty"`
	Bootstrap  *BootstrapReport  `json:"bootstrap,omitempty"`
}

// EventSink receives engine events after the emitting operation has
// committed. Implementations must not call back into the engine.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ctx context.Context, ev Event)

// Emit implements EventSink.
func (f EventSinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }
