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
	"github.com/calweber/pmrouter/internal/pool"
	"github.com/calweber/pmrouter/internal/pricing"
	"github.com/calweber/pmrouter/internal/vault"
)

// sellPlan is the computed route for one sell call.
type sellPlan struct {
	otcTake   uint64
	otcPayout uint64
	otcPrice  uint64
	otcFair   uint64

	swapIn  uint64
	swapOut uint64
	merged  uint64

	soldBack uint64
	oppBack  uint64
	total    uint64
}

// sellResult is what the apply phase actually achieved.
type sellResult struct {
	paid      uint64
	otcPayout uint64
	otcFilled bool
	merged    uint64
	swapIn    uint64
	soldBack  uint64
	oppBack   uint64
}

// Sell routes outcome shares back into collateral: the vault buys the
// scarcer side from its budget, the rest is split by the quadratic solve
// into a pool swap plus a merge of the matched pair. Unsold shares of
// either side go back to the trader rather than being stranded.
func (e *Engine) Sell(ctx context.Context, trader common.Address, marketID string, side domain.Side, shares, minCollateral uint64, recipient common.Address, deadline time.Time) (domain.SellQuote, error) {
	if err := e.enter(); err != nil {
		return domain.SellQuote{}, fmt.Errorf("engine: sell %s: %w", marketID, err)
	}
	defer e.exit()

	q, err := e.sellLocked(ctx, trader, marketID, side, shares, minCollateral, recipient, deadline)
	if err != nil {
		return domain.SellQuote{}, fmt.Errorf("engine: sell %s: %w", marketID, err)
	}
	return q, nil
}

func (e *Engine) sellLocked(ctx context.Context, trader common.Address, marketID string, side domain.Side, shares, minCollateral uint64, recipient common.Address, deadline time.Time) (domain.SellQuote, error) {
	if shares == 0 {
		return domain.SellQuote{}, domain.ErrInvalidAmount
	}
	if err := e.checkDeadline(deadline); err != nil {
		return domain.SellQuote{}, err
	}
	recipient = orSelf(recipient, trader)

	b, info, err := e.tradableMarket(ctx, marketID)
	if err != nil {
		return domain.SellQuote{}, err
	}
	st, err := e.pools.State(ctx, b.PoolID)
	if err != nil {
		return domain.SellQuote{}, err
	}
	if upd, err := e.oracle.Update(marketID, st); err == nil {
		ev := e.newEvent(domain.EventOracleUpdate, marketID)
		ev.Oracle = &upd
		e.emit(ctx, ev)
	}

	scratch, err := e.vaults.Working(marketID)
	if err != nil {
		return domain.SellQuote{}, err
	}
	plan, err := e.planSell(ctx, b, info, scratch, st, side, shares)
	if err != nil {
		return domain.SellQuote{}, err
	}
	if plan.total < minCollateral {
		return domain.SellQuote{}, &domain.SlippageError{Got: plan.total, Min: minCollateral}
	}
	if plan.total == 0 {
		return domain.SellQuote{}, fmt.Errorf("no executable venue: %w", domain.ErrPoolNotReady)
	}

	w, err := e.vaults.Working(marketID)
	if err != nil {
		return domain.SellQuote{}, err
	}
	res, err := e.applySell(ctx, b, info, w, side, trader, recipient, shares, plan)
	if res.paid == 0 {
		if err == nil {
			err = domain.ErrPoolNotReady
		}
		return domain.SellQuote{}, err
	}
	if err != nil {
		// A later leg failed after earlier output: the fill stands and the
		// unsold shares were handed back.
		e.logger.Warn("sell completed partially",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()))
	}
	e.vaults.Commit(w)

	quote := domain.SellQuote{
		MarketID:   marketID,
		Side:       side,
		Shares:     shares,
		Collateral: res.paid,
	}
	if side == domain.SideYes {
		quote.ReturnedYes, quote.ReturnedNo = res.soldBack, res.oppBack
	} else {
		quote.ReturnedYes, quote.ReturnedNo = res.oppBack, res.soldBack
	}
	if res.otcFilled {
		quote.Legs = append(quote.Legs, domain.VenueLeg{
			Venue:      domain.VenueOTC,
			Collateral: res.otcPayout,
			Shares:     plan.otcTake,
			PriceBps:   plan.otcPrice,
		})
		principal, perr := fixedpoint.MulDiv(plan.otcTake, plan.otcFair, domain.PriceScale)
		if perr != nil {
			principal = res.otcPayout
		}
		ev := e.newEvent(domain.EventOTCFill, marketID)
		ev.Fill = &domain.Fill{
			ID:                uuid.NewString(),
			MarketID:          marketID,
			Trader:            trader,
			Recipient:         recipient,
			Side:              side,
			Direction:         domain.FillSell,
			Collateral:        res.otcPayout,
			Shares:            plan.otcTake,
			EffectivePriceBps: plan.otcPrice,
			Principal:         principal,
			Spread:            principal - res.otcPayout,
			At:                ev.At,
		}
		e.emit(ctx, ev)
	}
	if consumed := res.swapIn + res.merged; consumed > 0 {
		quote.Legs = append(quote.Legs, domain.VenueLeg{
			Venue:      domain.VenuePool,
			Collateral: res.merged,
			Shares:     consumed,
			PriceBps:   impliedPriceBps(res.merged, consumed),
		})
	}
	return quote, nil
}

// planSell computes the sell route against current state. The scratch vault
// account validates the OTC leg's caps and is discarded.
func (e *Engine) planSell(ctx context.Context, b *domain.CanonicalBinding, info domain.MarketInfo, scratch *vault.Account, st domain.PoolState, side domain.Side, shares uint64) (sellPlan, error) {
	now := e.clock()
	feeBps := e.feeFor(ctx, b)
	if feeBps >= domain.PriceScale {
		return sellPlan{}, domain.ErrTradingHalted
	}
	closeWindow := e.closeWindowFor(ctx, b)
	oracleBps := e.oraclePrice(b.MarketID, st)

	var p sellPlan
	remaining := shares

	if take, payout, price, fair := e.quoteOTCSell(scratch, side, remaining, oracleBps, st, info.CloseTime, closeWindow, now); take > 0 {
		if err := applyOTCSellToVault(scratch, side, take, payout, now); err == nil {
			p.otcTake, p.otcPayout = take, payout
			p.otcPrice, p.otcFair = price, fair
			remaining -= take
		}
	}

	p.soldBack = remaining
	if remaining > 0 && st.Ready() {
		rIn, rOut := st.ReserveYes, st.ReserveNo
		if side == domain.SideNo {
			rIn, rOut = rOut, rIn
		}
		x := pricing.SellSwapAmount(remaining, rIn, rOut, feeBps)
		if x > 0 && x <= remaining {
			// A swap whose output floors to zero would burn the shares.
			if out := pool.SwapOut(x, rIn, rOut, feeBps); out > 0 {
				kept := remaining - x
				m := kept
				if out < m {
					m = out
				}
				p.swapIn, p.swapOut, p.merged = x, out, m
				p.soldBack = kept - m
				p.oppBack = out - m
			}
		}
	}
	p.total = p.otcPayout + p.merged
	return p, nil
}

// quoteOTCSell sizes a vault buy-back of the sold side. Zero take means the
// desk is closed for this trade: the sold side is not the scarcer one, the
// close window has begun, the oracle is unavailable or too far from spot,
// the side has no LP backing, or the budget is empty.
func (e *Engine) quoteOTCSell(w *vault.Account, side domain.Side, shares, oracleBps uint64, st domain.PoolState, closeAt time.Time, closeWindow time.Duration, now time.Time) (take, payout, price, fair uint64) {
	if shares == 0 || !e.withinDeviation(st, oracleBps) {
		return 0, 0, 0, 0
	}
	if closeWindow > 0 && !now.Before(closeAt.Add(-closeWindow)) {
		return 0, 0, 0, 0
	}
	if w.Inventory(side) >= w.Inventory(side.Opposite()) {
		return 0, 0, 0, 0
	}
	// Inventory must never outlive its side's LP backing.
	if w.TotalShares(side) == 0 {
		return 0, 0, 0, 0
	}
	if w.Budget() == 0 {
		return 0, 0, 0, 0
	}
	fair = fairPrice(side, oracleBps)
	spread := e.model.SpreadBps(w.Snapshot(), side, now, closeAt)
	price = e.model.SellPrice(fair, spread)
	if price == 0 {
		return 0, 0, 0, 0
	}
	take, payout = e.model.OTCSellQuote(w.Inventory(side.Opposite()), w.Budget(), shares, price)
	if take == 0 || payout == 0 {
		return 0, 0, 0, 0
	}
	return take, payout, price, fair
}

// applyOTCSellToVault replays an OTC sell's accounting onto an account.
func applyOTCSellToVault(w *vault.Account, side domain.Side, take, payout uint64, now time.Time) error {
	if err := w.AddInventory(side, take, now); err != nil {
		return err
	}
	return w.SpendBudget(payout)
}

// applySell executes the planned route. The vault leg and the pool legs
// each stand once completed; a later failure keeps the earlier fills and
// every share still in custody is handed back before returning.
func (e *Engine) applySell(ctx context.Context, b *domain.CanonicalBinding, info domain.MarketInfo, w *vault.Account, side domain.Side, trader, recipient common.Address, shares uint64, plan sellPlan) (sellResult, error) {
	now := e.clock()
	marketID := b.MarketID
	collateralID := domain.CollateralTokenID(info.Collateral)
	soldID := domain.ShareTokenID(marketID, side)
	oppID := domain.ShareTokenID(marketID, side.Opposite())

	var res sellResult
	if err := e.ledger.TransferFrom(ctx, e.addr, trader, e.addr, soldID, shares); err != nil {
		return res, err
	}
	soldHeld, oppHeld := shares, uint64(0)
	var legErr error

	if plan.otcTake > 0 {
		err := e.ledger.Transfer(ctx, e.addr, e.vaultAcct, soldID, plan.otcTake)
		if err == nil {
			soldHeld -= plan.otcTake
			err = applyOTCSellToVault(w, side, plan.otcTake, plan.otcPayout, now)
		}
		if err == nil {
			err = e.ledger.Transfer(ctx, e.vaultAcct, recipient, collateralID, plan.otcPayout)
		}
		if err == nil {
			res.otcFilled = true
			res.otcPayout = plan.otcPayout
			res.paid += plan.otcPayout
		}
		legErr = err
	}

	if legErr == nil && plan.swapIn > 0 {
		out, err := e.pools.SwapExactIn(ctx, b.PoolID, e.addr, side, plan.swapIn, plan.swapOut)
		if err != nil {
			legErr = err
		} else {
			soldHeld -= plan.swapIn
			oppHeld += out
			res.swapIn = plan.swapIn
			if b.Fee.HasDelegate() {
				if fr, ok := e.delegate.(FlowRecorder); ok {
					fr.RecordFlow(marketID, side, plan.swapIn)
				}
			}
		}
	}

	if legErr == nil {
		m := soldHeld
		if oppHeld < m {
			m = oppHeld
		}
		if m > 0 {
			err := e.ledger.Merge(ctx, e.addr, marketID, m)
			if err == nil {
				soldHeld -= m
				oppHeld -= m
				res.merged = m
				err = e.ledger.Transfer(ctx, e.addr, recipient, collateralID, m)
			}
			if err == nil {
				res.paid += m
			}
			legErr = err
		}
	}

	if soldHeld > 0 {
		if err := e.ledger.Transfer(ctx, e.addr, trader, soldID, soldHeld); err != nil && legErr == nil {
			legErr = err
		} else {
			res.soldBack = soldHeld
		}
	}
	if oppHeld > 0 {
		if err := e.ledger.Transfer(ctx, e.addr, trader, oppID, oppHeld); err != nil && legErr == nil {
			legErr = err
		} else {
			res.oppBack = oppHeld
		}
	}
	return res, legErr
}
