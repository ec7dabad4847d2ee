package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/fixedpoint"
	"github.com/calweber/pmrouter/internal/pricing"
	"github.com/calweber/pmrouter/internal/vault"
)

// rebalancePlan is the validated work for one rebalance pass.
type rebalancePlan struct {
	merged   uint64
	mergeYes uint64
	mergeNo  uint64
	under    domain.Side
	spend    uint64
	bounty   uint64
	swapIn   uint64
	quoted   uint64
	minOut   uint64
}

// Rebalance corrects vault-side imbalance: the matched inventory pair is
// merged back into collateral and credited to LPs, then the budget buys
// back the underweight side through the pool. Permissionless; the caller
// earns a bounty from the budget.
func (e *Engine) Rebalance(ctx context.Context, caller common.Address, marketID string) (domain.RebalanceReport, error) {
	if err := e.enter(); err != nil {
		return domain.RebalanceReport{}, fmt.Errorf("engine: rebalance %s: %w", marketID, err)
	}
	defer e.exit()

	rep, err := e.rebalanceLocked(ctx, caller, marketID)
	if err != nil {
		return domain.RebalanceReport{}, fmt.Errorf("engine: rebalance %s: %w", marketID, err)
	}

	ev := e.newEvent(domain.EventRebalance, marketID)
	ev.Rebalance = &rep
	e.emit(ctx, ev)
	return rep, nil
}

func (e *Engine) rebalanceLocked(ctx context.Context, caller common.Address, marketID string) (domain.RebalanceReport, error) {
	b, info, err := e.tradableMarket(ctx, marketID)
	if err != nil {
		return domain.RebalanceReport{}, err
	}
	now := e.clock()
	if cw := e.closeWindowFor(ctx, b); cw > 0 && !now.Before(info.CloseTime.Add(-cw)) {
		return domain.RebalanceReport{}, fmt.Errorf("inside close window: %w", domain.ErrMarketClosed)
	}
	st, err := e.pools.State(ctx, b.PoolID)
	if err != nil {
		return domain.RebalanceReport{}, err
	}
	oracleBps := e.oraclePrice(marketID, st)
	if oracleBps == 0 {
		return domain.RebalanceReport{}, domain.ErrOracleUnavailable
	}
	if !e.withinDeviation(st, oracleBps) {
		return domain.RebalanceReport{}, domain.ErrPriceDeviation
	}
	feeBps := e.feeFor(ctx, b)
	if feeBps >= domain.PriceScale {
		return domain.RebalanceReport{}, domain.ErrTradingHalted
	}

	scratch, err := e.vaults.Working(marketID)
	if err != nil {
		return domain.RebalanceReport{}, err
	}
	plan, err := e.planRebalance(scratch, st, oracleBps, feeBps, now)
	if err != nil {
		return domain.RebalanceReport{}, err
	}

	w, err := e.vaults.Working(marketID)
	if err != nil {
		return domain.RebalanceReport{}, err
	}
	return e.applyRebalance(ctx, b, info, w, caller, plan)
}

// planRebalance validates the whole pass against a scratch account: the
// merge credit, the LP-backing requirement on the underweight side, the
// budget spend, and the inventory headroom for the buy-back.
func (e *Engine) planRebalance(scratch *vault.Account, st domain.PoolState, oracleBps, feeBps uint64, now time.Time) (rebalancePlan, error) {
	invYes := scratch.Inventory(domain.SideYes)
	invNo := scratch.Inventory(domain.SideNo)
	if invYes == invNo {
		return rebalancePlan{}, fmt.Errorf("vault balanced: %w", domain.ErrZeroShares)
	}

	var p rebalancePlan
	if invYes < invNo {
		p.merged, p.under = invYes, domain.SideYes
	} else {
		p.merged, p.under = invNo, domain.SideNo
	}
	deficit := invYes + invNo - 2*p.merged

	if p.merged > 0 {
		p.mergeYes, p.mergeNo = e.model.WeightedSplit(p.merged, invYes, invNo, oracleBps)
	}
	if err := applyMergeToVault(scratch, p.merged, p.mergeYes, p.mergeNo, now); err != nil {
		return rebalancePlan{}, err
	}
	if scratch.TotalShares(p.under) == 0 {
		return rebalancePlan{}, fmt.Errorf("no LP backing on %s side: %w", p.under, domain.ErrZeroShares)
	}

	deficitValue, err := fixedpoint.MulDiv(deficit, fairPrice(p.under, oracleBps), domain.PriceScale)
	if err != nil {
		return rebalancePlan{}, err
	}
	p.spend = scratch.Budget()
	if deficitValue < p.spend {
		p.spend = deficitValue
	}
	if p.spend == 0 {
		return rebalancePlan{}, fmt.Errorf("no budget for buy-back: %w", domain.ErrInsufficientFunds)
	}
	if bounty, err := fixedpoint.MulDiv(p.spend, e.cfg.RebalanceBountyBps, domain.PriceScale); err == nil {
		p.bounty = bounty
	}
	p.swapIn = p.spend - p.bounty
	if p.swapIn == 0 {
		return rebalancePlan{}, fmt.Errorf("no budget for buy-back: %w", domain.ErrInsufficientFunds)
	}
	quoted, ok := pricing.PoolBuyQuote(st.ReserveYes, st.ReserveNo, p.under, p.swapIn, feeBps)
	if !ok || quoted <= p.swapIn {
		return rebalancePlan{}, fmt.Errorf("buy-back too small for the pool: %w", domain.ErrZeroShares)
	}
	p.quoted = quoted
	p.minOut = quoted - p.swapIn

	if err := scratch.SpendBudget(p.spend); err != nil {
		return rebalancePlan{}, err
	}
	if err := scratch.AddInventory(p.under, p.quoted, now); err != nil {
		return rebalancePlan{}, err
	}
	return p, nil
}

// applyMergeToVault replays the merge leg's accounting: both inventories
// shrink by the matched amount and the merged collateral is credited back
// through the weighted split. CreditFees diverts a share-less side's cut to
// the budget, so nothing is stranded.
func applyMergeToVault(w *vault.Account, merged, yesAmt, noAmt uint64, now time.Time) error {
	if merged == 0 {
		return nil
	}
	if err := w.RemoveInventory(domain.SideYes, merged, now); err != nil {
		return err
	}
	if err := w.RemoveInventory(domain.SideNo, merged, now); err != nil {
		return err
	}
	if err := w.CreditFees(domain.SideYes, yesAmt, w.TotalShares(domain.SideYes)); err != nil {
		return err
	}
	return w.CreditFees(domain.SideNo, noAmt, w.TotalShares(domain.SideNo))
}

// applyRebalance executes the plan in two milestones: merge, then the
// budget buy-back. A buy-back failure keeps the completed merge, restores
// the budget, and reports what was done.
func (e *Engine) applyRebalance(ctx context.Context, b *domain.CanonicalBinding, info domain.MarketInfo, w *vault.Account, caller common.Address, p rebalancePlan) (domain.RebalanceReport, error) {
	now := e.clock()
	marketID := b.MarketID
	collateralID := domain.CollateralTokenID(info.Collateral)
	underID := domain.ShareTokenID(marketID, p.under)

	rep := domain.RebalanceReport{Caller: caller, BoughtSide: p.under}

	if p.merged > 0 {
		if err := e.ledger.Merge(ctx, e.vaultAcct, marketID, p.merged); err != nil {
			return domain.RebalanceReport{}, err
		}
		if err := applyMergeToVault(w, p.merged, p.mergeYes, p.mergeNo, now); err != nil {
			return domain.RebalanceReport{}, err
		}
		rep.Merged = p.merged
	}

	if p.bounty > 0 {
		if err := e.ledger.Transfer(ctx, e.vaultAcct, caller, collateralID, p.bounty); err != nil {
			return rep, e.partialRebalance(ctx, w, marketID, rep, err)
		}
	}
	if err := w.SpendBudget(p.spend); err != nil {
		return rep, e.partialRebalance(ctx, w, marketID, rep, err)
	}
	rep.Bounty = p.bounty
	rep.BudgetUsed = p.spend

	if err := e.ledger.Transfer(ctx, e.vaultAcct, e.addr, collateralID, p.swapIn); err != nil {
		return rep, e.partialRebalance(ctx, w, marketID, rep, err)
	}
	if err := e.ledger.Split(ctx, e.addr, marketID, p.swapIn); err != nil {
		return rep, e.partialRebalance(ctx, w, marketID, rep, err)
	}
	out, err := e.pools.SwapExactIn(ctx, b.PoolID, e.addr, p.under.Opposite(), p.swapIn, p.minOut)
	if err != nil {
		// Undo the split and hand the collateral back to the budget.
		if merr := e.ledger.Merge(ctx, e.addr, marketID, p.swapIn); merr == nil {
			if terr := e.ledger.Transfer(ctx, e.addr, e.vaultAcct, collateralID, p.swapIn); terr == nil {
				if cerr := w.CreditBudget(p.swapIn); cerr == nil {
					rep.BudgetUsed = p.bounty
				}
			}
		}
		return rep, e.partialRebalance(ctx, w, marketID, rep, err)
	}
	shares := p.swapIn + out
	if err := e.ledger.Transfer(ctx, e.addr, e.vaultAcct, underID, shares); err != nil {
		return rep, e.partialRebalance(ctx, w, marketID, rep, err)
	}
	if err := w.AddInventory(p.under, shares, now); err != nil {
		return rep, e.partialRebalance(ctx, w, marketID, rep, err)
	}
	rep.BoughtShares = shares
	if b.Fee.HasDelegate() {
		if fr, ok := e.delegate.(FlowRecorder); ok {
			fr.RecordFlow(marketID, p.under.Opposite(), p.swapIn)
		}
	}

	e.vaults.Commit(w)
	e.logger.Info("rebalanced",
		slog.String("market_id", marketID),
		slog.Uint64("merged", rep.Merged),
		slog.Uint64("budget_used", rep.BudgetUsed),
		slog.String("bought_side", p.under.String()),
		slog.Uint64("bought_shares", rep.BoughtShares),
		slog.Uint64("bounty", rep.Bounty))
	return rep, nil
}

// partialRebalance commits whatever milestones completed and surfaces the
// buy-back failure.
func (e *Engine) partialRebalance(ctx context.Context, w *vault.Account, marketID string, rep domain.RebalanceReport, cause error) error {
	_ = ctx
	if rep.Merged > 0 || rep.BudgetUsed > 0 {
		e.vaults.Commit(w)
	}
	e.logger.Warn("rebalance completed partially",
		slog.String("market_id", marketID),
		slog.Uint64("merged", rep.Merged),
		slog.Uint64("budget_used", rep.BudgetUsed),
		slog.String("error", cause.Error()))
	return cause
}
