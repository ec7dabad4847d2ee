package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/fixedpoint"
	"github.com/calweber/pmrouter/internal/pricing"
	"github.com/calweber/pmrouter/internal/vault"
)

// buyLeg is one planned execution step of a buy.
type buyLeg struct {
	venue      domain.Venue
	collateral uint64
	shares     uint64
	priceBps   uint64

	// OTC split bookkeeping.
	fairBps   uint64
	spreadBps uint64
	principal uint64
	lpFee     uint64
	budgetFee uint64
	preShares uint64

	// Pool and mint bookkeeping.
	swapOut uint64
	minted  uint64
}

// buyPlan is the complete venue split computed before any mutation.
type buyPlan struct {
	legs     []buyLeg
	otcFirst bool
	total    uint64
	spent    uint64
}

// Buy routes a collateral amount into outcome shares across the vault OTC
// desk, the pool, and the mint fallback, delivering at least minShares or
// aborting. Unused collateral is refunded to the trader.
func (e *Engine) Buy(ctx context.Context, trader common.Address, marketID string, side domain.Side, collateral, minShares uint64, recipient common.Address, deadline time.Time) (domain.BuyQuote, error) {
	if err := e.enter(); err != nil {
		return domain.BuyQuote{}, fmt.Errorf("engine: buy %s: %w", marketID, err)
	}
	defer e.exit()

	q, err := e.buyLocked(ctx, trader, marketID, side, collateral, minShares, recipient, deadline, nil)
	if err != nil {
		return domain.BuyQuote{}, fmt.Errorf("engine: buy %s: %w", marketID, err)
	}
	return q, nil
}

// buyLocked runs a buy under the caller-held engine lock. When refunds is
// non-nil the refund accumulates there per collateral asset instead of
// being paid out, letting a batch flush once at the outermost level.
func (e *Engine) buyLocked(ctx context.Context, trader common.Address, marketID string, side domain.Side, collateral, minShares uint64, recipient common.Address, deadline time.Time, refunds batchRefunds) (domain.BuyQuote, error) {
	if collateral == 0 {
		return domain.BuyQuote{}, domain.ErrInvalidAmount
	}
	if err := e.checkDeadline(deadline); err != nil {
		return domain.BuyQuote{}, err
	}
	recipient = orSelf(recipient, trader)

	b, info, err := e.tradableMarket(ctx, marketID)
	if err != nil {
		return domain.BuyQuote{}, err
	}
	st, err := e.pools.State(ctx, b.PoolID)
	if err != nil {
		return domain.BuyQuote{}, err
	}

	// Opportunistic oracle refresh: the freshly closed window is already
	// manipulation-resistant, so a trade may ride it. Failures are expected
	// (too soon) and ignored.
	if upd, err := e.oracle.Update(marketID, st); err == nil {
		ev := e.newEvent(domain.EventOracleUpdate, marketID)
		ev.Oracle = &upd
		e.emit(ctx, ev)
	}

	scratch, err := e.vaults.Working(marketID)
	if err != nil {
		return domain.BuyQuote{}, err
	}
	plan, err := e.planBuy(ctx, b, info, scratch, st, side, collateral, recipient)
	if err != nil {
		return domain.BuyQuote{}, err
	}
	if plan.total < minShares {
		return domain.BuyQuote{}, &domain.SlippageError{Got: plan.total, Min: minShares}
	}
	if plan.total == 0 {
		return domain.BuyQuote{}, fmt.Errorf("no executable venue: %w", domain.ErrPoolNotReady)
	}

	w, err := e.vaults.Working(marketID)
	if err != nil {
		return domain.BuyQuote{}, err
	}
	collateralID := domain.CollateralTokenID(info.Collateral)
	if err := e.ledger.TransferFrom(ctx, e.addr, trader, e.addr, collateralID, collateral); err != nil {
		return domain.BuyQuote{}, err
	}

	executed, legErr := e.applyBuyLegs(ctx, b, info, w, side, trader, recipient, plan.legs)
	var totalOut, spent uint64
	for _, leg := range executed {
		totalOut += leg.shares
		spent += leg.collateral
	}
	if totalOut == 0 {
		// Nothing was obtained: surface the original failure and hand the
		// pulled collateral back.
		if rerr := e.ledger.Transfer(ctx, e.addr, trader, collateralID, collateral); rerr != nil {
			return domain.BuyQuote{}, rerr
		}
		if legErr == nil {
			legErr = domain.ErrPoolNotReady
		}
		return domain.BuyQuote{}, legErr
	}
	if legErr != nil {
		// A later leg failed after earlier output: the fill stands and the
		// unspent collateral is refunded.
		e.logger.Warn("buy completed partially",
			slog.String("market_id", marketID),
			slog.String("error", legErr.Error()))
	}

	refund := collateral - spent
	if refunds != nil {
		refunds[collateralID] += refund
	} else if refund > 0 {
		if err := e.ledger.Transfer(ctx, e.addr, trader, collateralID, refund); err != nil {
			return domain.BuyQuote{}, err
		}
	}
	e.vaults.Commit(w)

	quote := domain.BuyQuote{
		MarketID:   marketID,
		Side:       side,
		Collateral: collateral,
		Shares:     totalOut,
		Refund:     refund,
		OTCFirst:   plan.otcFirst,
	}
	for _, leg := range executed {
		quote.Legs = append(quote.Legs, domain.VenueLeg{
			Venue:      leg.venue,
			Collateral: leg.collateral,
			Shares:     leg.shares,
			PriceBps:   leg.priceBps,
		})
		switch leg.venue {
		case domain.VenueOTC:
			ev := e.newEvent(domain.EventOTCFill, marketID)
			ev.Fill = &domain.Fill{
				ID:                uuid.NewString(),
				MarketID:          marketID,
				Trader:            trader,
				Recipient:         recipient,
				Side:              side,
				Direction:         domain.FillBuy,
				Collateral:        leg.collateral,
				Shares:            leg.shares,
				EffectivePriceBps: leg.priceBps,
				Principal:         leg.principal,
				Spread:            leg.collateral - leg.principal,
				At:                ev.At,
			}
			e.emit(ctx, ev)
		case domain.VenueMint:
			ev := e.newEvent(domain.EventVaultDeposit, marketID)
			ev.Vault = &domain.VaultChange{
				Account: recipient,
				Side:    side.Opposite(),
				Assets:  leg.collateral,
				Shares:  leg.minted,
			}
			e.emit(ctx, ev)
		}
	}
	return quote, nil
}

// planBuy computes the full venue split against current state. The scratch
// vault account absorbs each leg's effects so later legs quote against the
// state their predecessors leave behind; it is discarded afterwards.
func (e *Engine) planBuy(ctx context.Context, b *domain.CanonicalBinding, info domain.MarketInfo, scratch *vault.Account, st domain.PoolState, side domain.Side, collateral uint64, recipient common.Address) (buyPlan, error) {
	now := e.clock()
	feeBps := e.feeFor(ctx, b)
	if feeBps >= domain.PriceScale {
		return buyPlan{}, domain.ErrTradingHalted
	}
	closeWindow := e.closeWindowFor(ctx, b)
	impactCap := e.impactCapFor(ctx, b)
	oracleBps := e.oraclePrice(b.MarketID, st)

	otcShares, otcUsed, otcEff, otcFair, otcSpread := e.quoteOTCBuy(scratch, side, collateral, oracleBps, st, info.CloseTime, now)
	poolAll, poolAllOK := pricing.PoolBuyQuote(st.ReserveYes, st.ReserveNo, side, collateral, feeBps)

	// Best of two orderings: OTC-then-pool-on-remainder versus pool-only.
	otcFirst := otcShares > 0
	if otcFirst && poolAllOK {
		poolAfterOTC := uint64(0)
		if rem := collateral - otcUsed; rem > 0 {
			if q, ok := pricing.PoolBuyQuote(st.ReserveYes, st.ReserveNo, side, rem, feeBps); ok {
				poolAfterOTC = q
			}
		}
		otcFirst = otcShares+poolAfterOTC >= poolAll
	}

	plan := buyPlan{otcFirst: otcFirst}
	remaining := collateral

	if otcFirst {
		leg, err := e.otcBuyLeg(scratch, side, otcShares, otcUsed, otcEff, otcFair, otcSpread, now)
		if err != nil {
			return buyPlan{}, err
		}
		plan.legs = append(plan.legs, leg)
		remaining -= otcUsed
	}
	if remaining > 0 && st.Ready() {
		poolIn := remaining
		if impactCap > 0 {
			poolIn = pricing.MaxCollateralUnderImpact(st.ReserveYes, st.ReserveNo, side, remaining, feeBps, impactCap)
		}
		if poolIn > 0 {
			if q, ok := pricing.PoolBuyQuote(st.ReserveYes, st.ReserveNo, side, poolIn, feeBps); ok && q > 0 {
				plan.legs = append(plan.legs, buyLeg{
					venue:      domain.VenuePool,
					collateral: poolIn,
					shares:     q,
					priceBps:   impliedPriceBps(poolIn, q),
					swapOut:    q - poolIn,
				})
				remaining -= poolIn
			}
		}
	}
	if !otcFirst && remaining > 0 {
		s2, u2, eff2, fair2, spread2 := e.quoteOTCBuy(scratch, side, remaining, oracleBps, st, info.CloseTime, now)
		if s2 > 0 {
			leg, err := e.otcBuyLeg(scratch, side, s2, u2, eff2, fair2, spread2, now)
			if err != nil {
				return buyPlan{}, err
			}
			plan.legs = append(plan.legs, leg)
			remaining -= u2
		}
	}
	if remaining > 0 && e.mintAllowed(scratch, side, remaining, now, info.CloseTime, closeWindow) {
		if minted, err := scratch.Deposit(side.Opposite(), remaining, recipient, now); err == nil {
			plan.legs = append(plan.legs, buyLeg{
				venue:      domain.VenueMint,
				collateral: remaining,
				shares:     remaining,
				priceBps:   domain.PriceScale,
				minted:     minted,
			})
			remaining = 0
		}
	}

	for _, leg := range plan.legs {
		plan.total += leg.shares
		plan.spent += leg.collateral
	}
	return plan, nil
}

// quoteOTCBuy sizes a vault OTC fill. Zero shares means the venue is
// unavailable: no oracle, spot too far from it, or no sellable inventory.
func (e *Engine) quoteOTCBuy(w *vault.Account, side domain.Side, collateral, oracleBps uint64, st domain.PoolState, closeAt, now time.Time) (shares, used, effBps, fairBps, spreadBps uint64) {
	if collateral == 0 || !e.withinDeviation(st, oracleBps) {
		return 0, 0, 0, 0, 0
	}
	available := w.Inventory(side)
	if available == 0 {
		return 0, 0, 0, 0, 0
	}
	fair := fairPrice(side, oracleBps)
	spread := e.model.SpreadBps(w.Snapshot(), side, now, closeAt)
	eff := e.model.BuyPrice(fair, spread)
	shares, used = e.model.OTCBuyQuote(available, collateral, eff)
	if shares == 0 {
		return 0, 0, 0, 0, 0
	}
	return shares, used, eff, fair, spread
}

// otcBuyLeg splits the fill's proceeds and applies the vault effects to the
// given account: principal plus the LP spread share accrue to the supplying
// side, the rest feeds the rebalance budget.
func (e *Engine) otcBuyLeg(w *vault.Account, side domain.Side, shares, used, eff, fair, spread uint64, now time.Time) (buyLeg, error) {
	snap := w.Snapshot()
	leg := buyLeg{
		venue:      domain.VenueOTC,
		collateral: used,
		shares:     shares,
		priceBps:   eff,
		fairBps:    fair,
		spreadBps:  spread,
		preShares:  w.TotalShares(side),
	}
	leg.principal = pricing.Principal(shares, fair, used)
	leg.lpFee, leg.budgetFee = e.model.SplitSpread(used-leg.principal, snap.Imbalance())
	if err := applyOTCBuyToVault(w, side, leg, now); err != nil {
		return buyLeg{}, err
	}
	return leg, nil
}

// applyOTCBuyToVault replays an OTC buy leg's accounting onto an account.
func applyOTCBuyToVault(w *vault.Account, side domain.Side, leg buyLeg, now time.Time) error {
	if err := w.RemoveInventory(side, leg.shares, now); err != nil {
		return err
	}
	if err := w.CreditFees(side, leg.principal+leg.lpFee, leg.preShares); err != nil {
		return err
	}
	if leg.budgetFee > 0 {
		if err := w.CreditBudget(leg.budgetFee); err != nil {
			return err
		}
	}
	return nil
}

// applyBuyLegs executes the planned legs against the ledger and pool,
// mirroring each completed leg onto the working vault account. A failing
// leg stops execution; completed legs stand and the caller refunds the
// rest.
func (e *Engine) applyBuyLegs(ctx context.Context, b *domain.CanonicalBinding, info domain.MarketInfo, w *vault.Account, side domain.Side, trader, recipient common.Address, legs []buyLeg) ([]buyLeg, error) {
	now := e.clock()
	marketID := b.MarketID
	collateralID := domain.CollateralTokenID(info.Collateral)
	buyShareID := domain.ShareTokenID(marketID, side)
	oppShareID := domain.ShareTokenID(marketID, side.Opposite())

	var executed []buyLeg
	for _, leg := range legs {
		switch leg.venue {
		case domain.VenueOTC:
			if err := e.ledger.Transfer(ctx, e.addr, e.vaultAcct, collateralID, leg.collateral); err != nil {
				return executed, err
			}
			if err := e.ledger.Transfer(ctx, e.vaultAcct, recipient, buyShareID, leg.shares); err != nil {
				return executed, err
			}
			if err := applyOTCBuyToVault(w, side, leg, now); err != nil {
				return executed, err
			}

		case domain.VenuePool:
			if err := e.ledger.Split(ctx, e.addr, marketID, leg.collateral); err != nil {
				return executed, err
			}
			out, err := e.pools.SwapExactIn(ctx, b.PoolID, e.addr, side.Opposite(), leg.collateral, leg.swapOut)
			if err != nil {
				// Undo the split so the collateral stays refundable.
				if merr := e.ledger.Merge(ctx, e.addr, marketID, leg.collateral); merr != nil {
					return executed, merr
				}
				return executed, err
			}
			leg.shares = leg.collateral + out
			leg.swapOut = out
			if err := e.ledger.Transfer(ctx, e.addr, recipient, buyShareID, leg.shares); err != nil {
				return executed, err
			}
			if b.Fee.HasDelegate() {
				if fr, ok := e.delegate.(FlowRecorder); ok {
					fr.RecordFlow(marketID, side.Opposite(), leg.collateral)
				}
			}

		case domain.VenueMint:
			if err := e.ledger.Split(ctx, e.addr, marketID, leg.collateral); err != nil {
				return executed, err
			}
			minted, err := w.Deposit(side.Opposite(), leg.collateral, recipient, now)
			if err != nil {
				if merr := e.ledger.Merge(ctx, e.addr, marketID, leg.collateral); merr != nil {
					return executed, merr
				}
				return executed, err
			}
			leg.minted = minted
			if err := e.ledger.Transfer(ctx, e.addr, recipient, buyShareID, leg.shares); err != nil {
				return executed, err
			}
			if err := e.ledger.Transfer(ctx, e.addr, e.vaultAcct, oppShareID, leg.collateral); err != nil {
				return executed, err
			}
		}
		executed = append(executed, leg)
	}
	return executed, nil
}

// mintAllowed applies the mint-fallback eligibility rule to the vault state
// the earlier legs leave behind. Minting must never worsen an existing
// imbalance: inside the close window it is off entirely, an empty deposit
// side may always be replenished, and a deposit landing on the abundant
// side is held to the configured post-mint ratio.
func (e *Engine) mintAllowed(w *vault.Account, buy domain.Side, amount uint64, now, closeAt time.Time, closeWindow time.Duration) bool {
	if closeWindow > 0 && !now.Before(closeAt.Add(-closeWindow)) {
		return false
	}
	dep := buy.Opposite()
	invDep := w.Inventory(dep)
	invBuy := w.Inventory(buy)
	switch {
	case invDep == 0 && invBuy == 0:
		return true
	case invDep == 0:
		return true
	case invBuy == 0:
		return false
	}
	if invDep <= invBuy {
		return true
	}
	post, err := fixedpoint.Add(invDep, amount)
	if err != nil {
		return false
	}
	bound, err := fixedpoint.Mul(invBuy, e.cfg.MintImbalanceRatioMax)
	if err != nil {
		// The bound exceeds the integer range, so any post-mint inventory
		// fits under it.
		return true
	}
	return post <= bound
}

func impliedPriceBps(collateral, shares uint64) uint64 {
	if shares == 0 {
		return 0
	}
	p, err := fixedpoint.MulDiv(collateral, domain.PriceScale, shares)
	if err != nil {
		return 0
	}
	return p
}
