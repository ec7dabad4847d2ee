package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/pool"
)

// SettleBudget winds the vault down after close: matched inventory merges
// back into collateral and the accumulated budget is distributed to LPs by
// the oracle-weighted split. With no LPs left the budget stays put for
// finalization. Callable repeatedly while there is something to settle.
func (e *Engine) SettleBudget(ctx context.Context, marketID string) (domain.SettlementReport, error) {
	if err := e.enter(); err != nil {
		return domain.SettlementReport{}, fmt.Errorf("engine: settle %s: %w", marketID, err)
	}
	defer e.exit()

	rep, err := e.settleBudgetLocked(ctx, marketID)
	if err != nil {
		return domain.SettlementReport{}, fmt.Errorf("engine: settle %s: %w", marketID, err)
	}

	ev := e.newEvent(domain.EventBudgetSettled, marketID)
	ev.Settlement = &rep
	e.emit(ctx, ev)
	return rep, nil
}

func (e *Engine) settleBudgetLocked(ctx context.Context, marketID string) (domain.SettlementReport, error) {
	b, err := e.binding(marketID)
	if err != nil {
		return domain.SettlementReport{}, err
	}
	if b.Finalized {
		return domain.SettlementReport{}, domain.ErrMarketFinalized
	}
	info, err := e.ledger.Market(ctx, marketID)
	if err != nil {
		return domain.SettlementReport{}, err
	}
	now := e.clock()
	if !info.Resolved && now.Before(info.CloseTime) {
		return domain.SettlementReport{}, domain.ErrMarketNotClosed
	}

	w, err := e.vaults.Working(marketID)
	if err != nil {
		return domain.SettlementReport{}, err
	}
	invYes := w.Inventory(domain.SideYes)
	invNo := w.Inventory(domain.SideNo)
	merged := invYes
	if invNo < merged {
		merged = invNo
	}
	if merged == 0 && w.Budget() == 0 {
		return domain.SettlementReport{}, fmt.Errorf("nothing to settle: %w", domain.ErrZeroShares)
	}

	if merged > 0 {
		if err := e.ledger.Merge(ctx, e.vaultAcct, marketID, merged); err != nil {
			return domain.SettlementReport{}, err
		}
		if err := w.RemoveInventory(domain.SideYes, merged, now); err != nil {
			return domain.SettlementReport{}, err
		}
		if err := w.RemoveInventory(domain.SideNo, merged, now); err != nil {
			return domain.SettlementReport{}, err
		}
		if err := w.CreditBudget(merged); err != nil {
			return domain.SettlementReport{}, err
		}
	}

	rep := domain.SettlementReport{Merged: merged}
	budget := w.Budget()
	if budget > 0 && w.HasLPs() {
		price := e.settlementPrice(ctx, b)
		yesAmt, noAmt := e.model.WeightedSplit(budget, w.Inventory(domain.SideYes), w.Inventory(domain.SideNo), price)
		if err := w.SpendBudget(budget); err != nil {
			return domain.SettlementReport{}, err
		}
		// A share-less side's cut self-diverts back to the budget.
		if err := w.CreditFees(domain.SideYes, yesAmt, w.TotalShares(domain.SideYes)); err != nil {
			return domain.SettlementReport{}, err
		}
		if err := w.CreditFees(domain.SideNo, noAmt, w.TotalShares(domain.SideNo)); err != nil {
			return domain.SettlementReport{}, err
		}
		rep.BudgetDistributed = budget - w.Budget()
	}
	if merged == 0 && rep.BudgetDistributed == 0 {
		return domain.SettlementReport{}, fmt.Errorf("no LP shares to distribute to: %w", domain.ErrZeroShares)
	}

	e.vaults.Commit(w)
	e.logger.Info("budget settled",
		slog.String("market_id", marketID),
		slog.Uint64("merged", merged),
		slog.Uint64("distributed", rep.BudgetDistributed))
	return rep, nil
}

// settlementPrice picks the distribution weight price: TWAP when available,
// else the live spot, else even odds.
func (e *Engine) settlementPrice(ctx context.Context, b *domain.CanonicalBinding) uint64 {
	st, err := e.pools.State(ctx, b.PoolID)
	if err != nil {
		return domain.PriceScale / 2
	}
	if p := e.oracle.Price(b.MarketID, st); p > 0 {
		return p
	}
	if p := pool.SpotProbability(st.ReserveYes, st.ReserveNo); p > 0 {
		return p
	}
	return domain.PriceScale / 2
}

// Finalize redeems the vault's winning-side inventory and closes the book:
// only once the market is resolved and every LP share has been withdrawn.
// Claimed value plus any residual budget goes to the treasury, and the
// binding is marked finalized.
func (e *Engine) Finalize(ctx context.Context, caller common.Address, marketID string) (domain.SettlementReport, error) {
	if err := e.enter(); err != nil {
		return domain.SettlementReport{}, fmt.Errorf("engine: finalize %s: %w", marketID, err)
	}
	defer e.exit()

	rep, err := e.finalizeLocked(ctx, caller, marketID)
	if err != nil {
		return domain.SettlementReport{}, fmt.Errorf("engine: finalize %s: %w", marketID, err)
	}

	if rep.Redeemed > 0 {
		ev := e.newEvent(domain.EventRedemption, marketID)
		red := domain.SettlementReport{Redeemed: rep.Redeemed, TreasuryPayout: rep.TreasuryPayout}
		ev.Settlement = &red
		e.emit(ctx, ev)
	}
	ev := e.newEvent(domain.EventFinalized, marketID)
	ev.Settlement = &rep
	e.emit(ctx, ev)
	return rep, nil
}

func (e *Engine) finalizeLocked(ctx context.Context, caller common.Address, marketID string) (domain.SettlementReport, error) {
	b, err := e.binding(marketID)
	if err != nil {
		return domain.SettlementReport{}, err
	}
	if b.Finalized {
		return domain.SettlementReport{}, domain.ErrMarketFinalized
	}
	info, err := e.ledger.Market(ctx, marketID)
	if err != nil {
		return domain.SettlementReport{}, err
	}
	if !info.Resolved {
		return domain.SettlementReport{}, domain.ErrMarketNotResolved
	}

	w, err := e.vaults.Working(marketID)
	if err != nil {
		return domain.SettlementReport{}, err
	}
	drained, err := w.Drain()
	if err != nil {
		return domain.SettlementReport{}, err
	}

	winning := drained.YesInventory
	if info.Winner == domain.SideNo {
		winning = drained.NoInventory
	}
	var claimed uint64
	if winning > 0 {
		claimed, err = e.ledger.Claim(ctx, e.vaultAcct, marketID, winning)
		if err != nil {
			return domain.SettlementReport{}, err
		}
	}

	payout := claimed + drained.Budget
	if payout > 0 {
		collateralID := domain.CollateralTokenID(info.Collateral)
		if err := e.ledger.Transfer(ctx, e.vaultAcct, e.treasury, collateralID, payout); err != nil {
			return domain.SettlementReport{}, err
		}
	}

	b.Finalized = true
	e.oracle.Drop(marketID)
	e.vaults.Commit(w)
	e.logger.Info("market finalized",
		slog.String("market_id", marketID),
		slog.String("caller", caller.Hex()),
		slog.String("winner", info.Winner.String()),
		slog.Uint64("redeemed", winning),
		slog.Uint64("treasury_payout", payout))

	return domain.SettlementReport{
		Redeemed:       winning,
		TreasuryPayout: payout,
	}, nil
}
