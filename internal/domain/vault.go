package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/fixedpoint"
)

// SideTotals is the per-side aggregate of a market's vault.
type SideTotals struct {
	Inventory   uint64 `json:"inventory"`
	TotalShares uint64 `json:"total_shares"`
	AccPerShare uint64 `json:"acc_per_share"`
}

// VaultSnapshot is a read model of one market's vault for the API and the
// simulator. It is a copy; mutating it has no effect on engine state.
type VaultSnapshot struct {
	MarketID        string     `json:"market_id"`
	Yes             SideTotals `json:"yes"`
	No              SideTotals `json:"no"`
	RebalanceBudget uint64     `json:"rebalance_budget"`
	LastActivity    time.Time  `json:"last_activity"`
}

// Imbalance returns the larger side's share of total inventory in basis
// points (5000 = perfectly balanced, 10000 = one-sided). An empty vault
// reads as balanced.
func (v VaultSnapshot) Imbalance() uint64 {
	total := v.Yes.Inventory + v.No.Inventory
	if total == 0 {
		return 5000
	}
	larger := v.Yes.Inventory
	if v.No.Inventory > larger {
		larger = v.No.Inventory
	}
	// The quotient is at most 10000, so the wide divide cannot fail.
	bps, _ := fixedpoint.MulDiv(larger, 10000, total)
	return bps
}

// UserPosition is a read model of one account's vault position.
type UserPosition struct {
	MarketID        string         `json:"market_id"`
	Account         common.Address `json:"account"`
	YesShares       uint64         `json:"yes_shares"`
	NoShares        uint64         `json:"no_shares"`
	LastDepositTime time.Time      `json:"last_deposit_time"`
	PendingYes      uint64         `json:"pending_yes"`
	PendingNo       uint64         `json:"pending_no"`
}
