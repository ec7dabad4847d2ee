package pricing

import (
	"math/big"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/fixedpoint"
	"github.com/calweber/pmrouter/internal/pool"
)

// buyLegs returns the in/out reserves for a buy of one side. Buying YES
// splits collateral into both sides and swaps the NO half for YES, so
// NO is the in-reserve.
func buyLegs(reserveYes, reserveNo uint64, buy domain.Side) (reserveIn, reserveOut uint64) {
	if buy == domain.SideYes {
		return reserveNo, reserveYes
	}
	return reserveYes, reserveNo
}

// PoolBuyQuote returns the shares a split-then-swap buy would deliver on
// the given reserves. ok is false when the pool cannot quote (empty
// reserves or a swap that would drain the out side).
func PoolBuyQuote(reserveYes, reserveNo uint64, buy domain.Side, collateral, feeBps uint64) (shares uint64, ok bool) {
	if reserveYes == 0 || reserveNo == 0 || collateral == 0 {
		return 0, false
	}
	reserveIn, reserveOut := buyLegs(reserveYes, reserveNo, buy)
	out := pool.SwapOut(collateral, reserveIn, reserveOut, feeBps)
	if out >= reserveOut {
		return 0, false
	}
	shares, err := fixedpoint.Add(collateral, out)
	if err != nil {
		return 0, false
	}
	return shares, true
}

// PriceImpactBps returns the absolute move of the spot probability a buy
// of the given size would cause. ok is false when the trade cannot
// execute at all on these reserves.
func PriceImpactBps(reserveYes, reserveNo uint64, buy domain.Side, collateral, feeBps uint64) (uint64, bool) {
	if reserveYes == 0 || reserveNo == 0 || collateral == 0 {
		return 0, false
	}
	before := pool.SpotProbability(reserveYes, reserveNo)

	reserveIn, reserveOut := buyLegs(reserveYes, reserveNo, buy)
	out := pool.SwapOut(collateral, reserveIn, reserveOut, feeBps)
	if out >= reserveOut {
		return 0, false
	}
	newIn, err := fixedpoint.Add(reserveIn, collateral)
	if err != nil {
		return 0, false
	}
	var after uint64
	if buy == domain.SideYes {
		after = pool.SpotProbability(reserveYes-out, newIn)
	} else {
		after = pool.SpotProbability(newIn, reserveNo-out)
	}
	if after > before {
		return after - before, true
	}
	return before - after, true
}

// MaxCollateralUnderImpact binary-searches the largest collateral amount
// whose price impact stays within the cap, up to maxCollateral. Sixteen
// halvings pin the answer to a unit on any realistic trade size; the
// final candidate is re-verified so the bound is never exceeded.
func MaxCollateralUnderImpact(reserveYes, reserveNo uint64, buy domain.Side, maxCollateral, feeBps, maxImpactBps uint64) uint64 {
	if maxImpactBps == 0 || maxCollateral == 0 {
		return 0
	}
	if impact, ok := PriceImpactBps(reserveYes, reserveNo, buy, maxCollateral, feeBps); ok && impact <= maxImpactBps {
		return maxCollateral
	}
	if maxCollateral <= 1 {
		return 0
	}
	lo, hi := uint64(1), maxCollateral
	for i := 0; i < 16; i++ {
		mid := lo + (hi-lo)/2
		if mid == lo {
			break
		}
		if impact, ok := PriceImpactBps(reserveYes, reserveNo, buy, mid, feeBps); ok && impact <= maxImpactBps {
			lo = mid
		} else {
			hi = mid
		}
	}
	if impact, ok := PriceImpactBps(reserveYes, reserveNo, buy, lo, feeBps); ok && impact <= maxImpactBps {
		return lo
	}
	return 0
}

// SellSwapAmount solves for how many of the seller's remaining shares to
// swap so the kept and received amounts come out as equal as possible,
// letting the pair merge back into collateral. Setting kept == swap
// output gives the quadratic
//
//	phi*q^2 + q*(Rin*scale + phi*(Rout-R)) - R*Rin*scale = 0
//
// with phi = scale - fee, solved for its positive root. The discriminant
// outgrows 128 bits for large reserves, so the arithmetic runs on big
// integers.
func SellSwapAmount(remaining, reserveIn, reserveOut, feeBps uint64) uint64 {
	if remaining == 0 || reserveIn == 0 || reserveOut == 0 || feeBps >= domain.PriceScale {
		return 0
	}
	var (
		scale = big.NewInt(domain.PriceScale)
		phi   = new(big.Int).SetUint64(domain.PriceScale - feeBps)
		r     = new(big.Int).SetUint64(remaining)
		rin   = new(big.Int).SetUint64(reserveIn)
		rout  = new(big.Int).SetUint64(reserveOut)
	)

	// b = Rin*scale + phi*(Rout - R); may be negative when the seller
	// holds more than the out-side reserve.
	b := new(big.Int).Mul(rin, scale)
	b.Add(b, new(big.Int).Mul(phi, new(big.Int).Sub(rout, r)))

	// disc = b^2 + 4*phi*R*Rin*scale
	disc := new(big.Int).Mul(b, b)
	four := new(big.Int).Mul(phi, r)
	four.Mul(four, rin)
	four.Mul(four, scale)
	four.Lsh(four, 2)
	disc.Add(disc, four)

	root := new(big.Int).Sqrt(disc)
	num := root.Sub(root, b)
	if num.Sign() <= 0 {
		return 0
	}
	den := new(big.Int).Lsh(phi, 1)
	q := num.Div(num, den)
	if !q.IsUint64() {
		return 0
	}
	out := q.Uint64()
	if out > remaining {
		out = remaining
	}
	return out
}
