package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PoolState is a point-in-time snapshot of a constant-product pool. The
// cumulative accumulator integrates the YES probability (bps) over seconds
// and is the oracle's price source.
type PoolState struct {
	PoolID        common.Hash `json:"pool_id"`
	ReserveYes    uint64      `json:"reserve_yes"`
	ReserveNo     uint64      `json:"reserve_no"`
	CumulativeBps uint64      `json:"cumulative_bps"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Ready reports whether both reserves are populated.
func (s PoolState) Ready() bool {
	return s.ReserveYes > 0 && s.ReserveNo > 0
}

// PoolService is the external constant-product pool consumed by the engine.
// The engine quotes with its own math and uses the pool only to execute and
// to read state.
type PoolService interface {
	// Address is the pool's custody account, which callers approve as a
	// ledger operator before funding it.
	Address() common.Address
	// Create registers an empty pool under a caller-derived identity.
	Create(ctx context.Context, poolID common.Hash, marketID string, feeBps uint64) error
	// AddLiquidity deposits share amounts on both sides.
	AddLiquidity(ctx context.Context, poolID common.Hash, from common.Address, amountYes, amountNo uint64) error
	// SwapExactIn swaps an exact amount of one side's shares for the other
	// side's, charging the pool fee on the input.
	SwapExactIn(ctx context.Context, poolID common.Hash, from common.Address, sideIn Side, amountIn, minOut uint64) (uint64, error)
	// State returns current reserves and the cumulative price accumulator.
	State(ctx context.Context, poolID common.Hash) (PoolState, error)
	// RecoverResidual sweeps rounding dust owned by the caller.
	RecoverResidual(ctx context.Context, poolID common.Hash, to common.Address) (uint64, error)
}

// ShareLedger is the outcome-share and collateral ledger. Token IDs come
// from ShareTokenID and CollateralTokenID; split, merge, and claim convert
// between collateral and matched share pairs.
type ShareLedger interface {
	// Address is the ledger's token-contract identity, used in pool
	// derivation.
	Address() common.Address
	Market(ctx context.Context, marketID string) (MarketInfo, error)
	BalanceOf(ctx context.Context, owner common.Address, token common.Hash) (uint64, error)
	Transfer(ctx context.Context, from, to common.Address, token common.Hash, amount uint64) error
	TransferFrom(ctx context.Context, operator, from, to common.Address, token common.Hash, amount uint64) error
	// Split locks `amount` collateral from owner and issues `amount` of
	// both YES and NO shares to owner.
	Split(ctx context.Context, owner common.Address, marketID string, amount uint64) error
	// Merge burns a matched pair of `amount` shares and releases `amount`
	// collateral to owner.
	Merge(ctx context.Context, owner common.Address, marketID string, amount uint64) error
	// Claim burns `amount` winning-side shares after resolution and pays
	// out the redeemed collateral.
	Claim(ctx context.Context, owner common.Address, marketID string, amount uint64) (uint64, error)
	SetApproval(ctx context.Context, owner, operator common.Address, approved bool) error
}

// FeeDelegate supplies a dynamic swap fee and price-impact cap for a bound
// market. All queries are made defensively: the engine substitutes defaults
// on any error rather than failing the caller's trade.
type FeeDelegate interface {
	// RegisterMarket binds the delegate to a market and returns the pool ID
	// it derived, which the engine cross-checks.
	RegisterMarket(ctx context.Context, marketID string) (common.Hash, error)
	CurrentFeeBps(ctx context.Context, marketID string) (uint64, error)
	CloseWindow(ctx context.Context, marketID string) (time.Duration, error)
	MaxPriceImpactBps(ctx context.Context, marketID string) (uint64, error)
}
