package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketRecord is the journal row for a bootstrapped market binding.
type MarketRecord struct {
	MarketID   string         `json:"market_id"`
	Question   string         `json:"question"`
	PoolID     common.Hash    `json:"pool_id"`
	Collateral common.Address `json:"collateral"`
	FlatFeeBps uint64         `json:"flat_fee_bps"`
	Delegate   common.Address `json:"delegate"`
	Status     MarketStatus   `json:"status"`
	CloseTime  time.Time      `json:"close_time"`
	BoundAt    time.Time      `json:"bound_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// VaultChangeRecord journals deposits, withdrawals, and harvests.
type VaultChangeRecord struct {
	ID       string         `json:"id"`
	MarketID string         `json:"market_id"`
	Kind     EventKind      `json:"kind"`
	Account  common.Address `json:"account"`
	Side     Side           `json:"side"`
	Assets   uint64         `json:"assets"`
	Shares   uint64         `json:"shares"`
	Reward   uint64         `json:"reward"`
	At       time.Time      `json:"at"`
}

// SettlementRecord journals budget settlements, redemptions, and
// finalizations.
type SettlementRecord struct {
	ID                string    `json:"id"`
	MarketID          string    `json:"market_id"`
	Kind              EventKind `json:"kind"`
	BudgetDistributed uint64    `json:"budget_distributed"`
	Merged            uint64    `json:"merged"`
	Redeemed          uint64    `json:"redeemed"`
	TreasuryPayout    uint64    `json:"treasury_payout"`
	At                time.Time `json:"at"`
}

// MarketStore journals market bindings. Engine memory is authoritative;
// these rows serve the API, the archiver, and restarts of the observational
// plane.
type MarketStore interface {
	Upsert(ctx context.Context, rec MarketRecord) error
	GetByID(ctx context.Context, marketID string) (MarketRecord, error)
	List(ctx context.Context, opts ListOpts) ([]MarketRecord, error)
	SetStatus(ctx context.Context, marketID string, status MarketStatus) error
	Count(ctx context.Context) (int64, error)
}

// FillStore journals OTC fills.
type FillStore interface {
	Insert(ctx context.Context, fill Fill) error
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Fill, error)
	ListByTrader(ctx context.Context, trader common.Address, opts ListOpts) ([]Fill, error)
	ListBefore(ctx context.Context, before time.Time) ([]Fill, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// VaultEventStore journals LP activity.
type VaultEventStore interface {
	Insert(ctx context.Context, rec VaultChangeRecord) error
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]VaultChangeRecord, error)
	ListByAccount(ctx context.Context, account common.Address, opts ListOpts) ([]VaultChangeRecord, error)
}

// SettlementStore journals settlement-lifecycle events.
type SettlementStore interface {
	Insert(ctx context.Context, rec SettlementRecord) error
	ListByMarket(ctx context.Context, marketID string) ([]SettlementRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]SettlementRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
