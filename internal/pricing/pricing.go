// Package pricing implements the OTC spread model, the fee-split rules,
// and the pool quote math the router plans with. Everything here is pure
// computation on snapshots; nothing mutates engine state.
package pricing

import (
	"math/big"
	"time"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/fixedpoint"
)

// Config carries the spread and fee-split policy.
type Config struct {
	// BaseSpreadBps is the relative spread charged on every OTC fill.
	BaseSpreadBps uint64
	// MaxImbalanceBoostBps is added linearly as vault imbalance goes
	// from 50/50 to fully one-sided, only when the trade consumes the
	// scarcer side.
	MaxImbalanceBoostBps uint64
	// MaxTimeBoostBps is added linearly inside the final day before
	// close.
	MaxTimeBoostBps uint64
	TimeBoostWindow time.Duration
	// MaxSpreadBps clamps the combined relative spread.
	MaxSpreadBps uint64
	// MinSpreadFloorBps is the absolute floor applied after the
	// relative spread is converted to price terms.
	MinSpreadFloorBps uint64
	// MaxDepletionBps bounds a single OTC fill relative to inventory.
	MaxDepletionBps uint64
	// LP share of the spread residual at balanced and at fully
	// one-sided inventory; linear in between.
	LPSplitBalancedBps   uint64
	LPSplitImbalancedBps uint64
	// Clamp band for symmetric two-sided distributions.
	SymmetricClampLowBps  uint64
	SymmetricClampHighBps uint64
}

// Defaults returns the standard policy.
func Defaults() Config {
	return Config{
		BaseSpreadBps:         100,
		MaxImbalanceBoostBps:  400,
		MaxTimeBoostBps:       200,
		TimeBoostWindow:       24 * time.Hour,
		MaxSpreadBps:          500,
		MinSpreadFloorBps:     20,
		MaxDepletionBps:       3000,
		LPSplitBalancedBps:    9000,
		LPSplitImbalancedBps:  7000,
		SymmetricClampLowBps:  4000,
		SymmetricClampHighBps: 6000,
	}
}

// Model evaluates the policy against market snapshots.
type Model struct {
	cfg Config
}

// New returns a Model with the given policy.
func New(cfg Config) *Model {
	return &Model{cfg: cfg}
}

func invFor(v domain.VaultSnapshot, s domain.Side) uint64 {
	if s == domain.SideYes {
		return v.Yes.Inventory
	}
	return v.No.Inventory
}

// SpreadBps returns the relative OTC spread for a trade that consumes
// the buy side's vault inventory. Imbalance only boosts the spread when
// the scarcer side is being consumed; time pressure boosts it inside the
// final window before close.
func (m *Model) SpreadBps(v domain.VaultSnapshot, buy domain.Side, now, closeAt time.Time) uint64 {
	spread := m.cfg.BaseSpreadBps

	if imb := v.Imbalance(); imb > 5000 && invFor(v, buy) < invFor(v, buy.Opposite()) {
		spread += m.cfg.MaxImbalanceBoostBps * (imb - 5000) / 5000
	}

	if remaining := closeAt.Sub(now); m.cfg.TimeBoostWindow > 0 && remaining < m.cfg.TimeBoostWindow {
		if remaining < 0 {
			remaining = 0
		}
		window := uint64(m.cfg.TimeBoostWindow / time.Second)
		left := uint64(remaining / time.Second)
		spread += m.cfg.MaxTimeBoostBps * (window - left) / window
	}

	if spread > m.cfg.MaxSpreadBps {
		spread = m.cfg.MaxSpreadBps
	}
	return spread
}

// spreadInPriceTerms converts a relative spread on a fair price into
// absolute basis points, honoring the floor.
func (m *Model) spreadInPriceTerms(fairBps, spreadBps uint64) uint64 {
	abs := fairBps * spreadBps / domain.PriceScale
	if abs < m.cfg.MinSpreadFloorBps {
		abs = m.cfg.MinSpreadFloorBps
	}
	return abs
}

// BuyPrice returns the effective OTC price a buyer pays: fair plus
// spread, capped at the probability scale.
func (m *Model) BuyPrice(fairBps, spreadBps uint64) uint64 {
	p := fairBps + m.spreadInPriceTerms(fairBps, spreadBps)
	if p > domain.PriceScale {
		p = domain.PriceScale
	}
	return p
}

// SellPrice returns the effective OTC price the vault pays a seller:
// fair minus spread. Returns 0 when the spread swallows the whole price,
// which callers treat as "no OTC venue".
func (m *Model) SellPrice(fairBps, spreadBps uint64) uint64 {
	abs := m.spreadInPriceTerms(fairBps, spreadBps)
	if abs >= fairBps {
		return 0
	}
	return fairBps - abs
}

// OTCBuyQuote sizes a buy fill against one side's inventory. The fill
// is capped at the depletion bound; a sub-unit bound rounds up to one
// whole unit provided the side keeps at least one unit afterward, so a
// fill never strands LP shares against an empty side.
func (m *Model) OTCBuyQuote(available, collateral, effPriceBps uint64) (shares, used uint64) {
	if available == 0 || collateral == 0 || effPriceBps == 0 {
		return 0, 0
	}
	raw, err := fixedpoint.MulDiv(collateral, domain.PriceScale, effPriceBps)
	if err != nil || raw == 0 {
		return 0, 0
	}
	bound, err := fixedpoint.MulDiv(available, m.cfg.MaxDepletionBps, domain.PriceScale)
	if err != nil {
		return 0, 0
	}
	if bound == 0 {
		if available == 1 {
			return 0, 0
		}
		bound = 1
	}
	shares = raw
	if shares > bound {
		shares = bound
	}
	if shares == raw {
		return shares, collateral
	}
	used, err = fixedpoint.MulDivCeil(shares, effPriceBps, domain.PriceScale)
	if err != nil || used > collateral {
		used = collateral
	}
	return shares, used
}

// OTCSellQuote sizes a vault purchase of the scarce side from a seller.
// The fill is bounded by the depletion share of the opposite inventory
// and by the budget; the payout rounds down.
func (m *Model) OTCSellQuote(oppositeInventory, budget, shares, priceBps uint64) (take, payout uint64) {
	if shares == 0 || priceBps == 0 || budget == 0 {
		return 0, 0
	}
	bound, err := fixedpoint.MulDiv(oppositeInventory, m.cfg.MaxDepletionBps, domain.PriceScale)
	if err != nil || bound == 0 {
		return 0, 0
	}
	afford, err := fixedpoint.MulDiv(budget, domain.PriceScale, priceBps)
	if err != nil {
		return 0, 0
	}
	take = shares
	if take > bound {
		take = bound
	}
	if take > afford {
		take = afford
	}
	if take == 0 {
		return 0, 0
	}
	payout, err = fixedpoint.MulDiv(take, priceBps, domain.PriceScale)
	if err != nil || payout == 0 {
		return 0, 0
	}
	return take, payout
}

// Principal is the fair-value portion of an OTC fill, rounded up in the
// LPs' favor but never beyond the collateral actually taken.
func Principal(shares, fairBps, collateralUsed uint64) uint64 {
	p, err := fixedpoint.MulDivCeil(shares, fairBps, domain.PriceScale)
	if err != nil || p > collateralUsed {
		return collateralUsed
	}
	return p
}

// SplitSpread divides an OTC fill's spread residual between LPs and the
// rebalance budget. The LP share falls linearly with imbalance so the
// budget captures more value exactly when correcting imbalance matters
// most.
func (m *Model) SplitSpread(residual, imbalanceBps uint64) (lp, budget uint64) {
	share := m.cfg.LPSplitBalancedBps
	if imbalanceBps > 5000 {
		share -= (m.cfg.LPSplitBalancedBps - m.cfg.LPSplitImbalancedBps) * (imbalanceBps - 5000) / 5000
	}
	// The quotient is bounded by residual, so the wide divide cannot fail.
	lp, _ = fixedpoint.MulDiv(residual, share, domain.PriceScale)
	return lp, residual - lp
}

// SymmetricWeights returns the per-side weights, in basis points, for a
// two-sided distribution. Sides are weighted by pre-trade notional value
// at the oracle price, clamped to the configured band so neither side is
// starved.
func (m *Model) SymmetricWeights(yesInv, noInv, oracleYesBps uint64) (yesBps, noBps uint64) {
	ny := new(big.Int).Mul(new(big.Int).SetUint64(yesInv), new(big.Int).SetUint64(oracleYesBps))
	nn := new(big.Int).Mul(new(big.Int).SetUint64(noInv), new(big.Int).SetUint64(domain.PriceScale-oracleYesBps))
	total := new(big.Int).Add(ny, nn)
	if total.Sign() == 0 {
		return 5000, 5000
	}
	w := new(big.Int).Mul(ny, big.NewInt(domain.PriceScale))
	yesBps = w.Div(w, total).Uint64()
	if yesBps < m.cfg.SymmetricClampLowBps {
		yesBps = m.cfg.SymmetricClampLowBps
	}
	if yesBps > m.cfg.SymmetricClampHighBps {
		yesBps = m.cfg.SymmetricClampHighBps
	}
	return yesBps, domain.PriceScale - yesBps
}

// WeightedSplit divides an amount across sides by SymmetricWeights,
// giving any rounding remainder to the NO side.
func (m *Model) WeightedSplit(amount, yesInv, noInv, oracleYesBps uint64) (yesAmt, noAmt uint64) {
	yesBps, _ := m.SymmetricWeights(yesInv, noInv, oracleYesBps)
	yesAmt, _ = fixedpoint.MulDiv(amount, yesBps, domain.PriceScale)
	return yesAmt, amount - yesAmt
}
