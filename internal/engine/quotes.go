package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
)

// QuoteBuy computes the venue plan a buy would execute right now, without
// trading. The plan runs against a scratch vault copy and current pool
// state under the engine lock, so it is exactly what Buy would do next.
func (e *Engine) QuoteBuy(ctx context.Context, marketID string, side domain.Side, collateral uint64) (domain.BuyQuote, error) {
	if collateral == 0 {
		return domain.BuyQuote{}, fmt.Errorf("engine: quote buy %s: %w", marketID, domain.ErrInvalidAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	b, info, err := e.tradableMarket(ctx, marketID)
	if err != nil {
		return domain.BuyQuote{}, fmt.Errorf("engine: quote buy %s: %w", marketID, err)
	}
	st, err := e.pools.State(ctx, b.PoolID)
	if err != nil {
		return domain.BuyQuote{}, fmt.Errorf("engine: quote buy %s: %w", marketID, err)
	}
	scratch, err := e.vaults.Working(marketID)
	if err != nil {
		return domain.BuyQuote{}, fmt.Errorf("engine: quote buy %s: %w", marketID, err)
	}
	plan, err := e.planBuy(ctx, b, info, scratch, st, side, collateral, common.Address{})
	if err != nil {
		return domain.BuyQuote{}, fmt.Errorf("engine: quote buy %s: %w", marketID, err)
	}

	quote := domain.BuyQuote{
		MarketID:   marketID,
		Side:       side,
		Collateral: collateral,
		Shares:     plan.total,
		Refund:     collateral - plan.spent,
		OTCFirst:   plan.otcFirst,
	}
	for _, leg := range plan.legs {
		quote.Legs = append(quote.Legs, domain.VenueLeg{
			Venue:      leg.venue,
			Collateral: leg.collateral,
			Shares:     leg.shares,
			PriceBps:   leg.priceBps,
		})
	}
	return quote, nil
}

// QuoteSell computes the route a sell would take right now, without
// trading.
func (e *Engine) QuoteSell(ctx context.Context, marketID string, side domain.Side, shares uint64) (domain.SellQuote, error) {
	if shares == 0 {
		return domain.SellQuote{}, fmt.Errorf("engine: quote sell %s: %w", marketID, domain.ErrInvalidAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	b, info, err := e.tradableMarket(ctx, marketID)
	if err != nil {
		return domain.SellQuote{}, fmt.Errorf("engine: quote sell %s: %w", marketID, err)
	}
	st, err := e.pools.State(ctx, b.PoolID)
	if err != nil {
		return domain.SellQuote{}, fmt.Errorf("engine: quote sell %s: %w", marketID, err)
	}
	scratch, err := e.vaults.Working(marketID)
	if err != nil {
		return domain.SellQuote{}, fmt.Errorf("engine: quote sell %s: %w", marketID, err)
	}
	plan, err := e.planSell(ctx, b, info, scratch, st, side, shares)
	if err != nil {
		return domain.SellQuote{}, fmt.Errorf("engine: quote sell %s: %w", marketID, err)
	}

	quote := domain.SellQuote{
		MarketID:   marketID,
		Side:       side,
		Shares:     shares,
		Collateral: plan.total,
	}
	if side == domain.SideYes {
		quote.ReturnedYes, quote.ReturnedNo = plan.soldBack, plan.oppBack
	} else {
		quote.ReturnedYes, quote.ReturnedNo = plan.oppBack, plan.soldBack
	}
	if plan.otcTake > 0 {
		quote.Legs = append(quote.Legs, domain.VenueLeg{
			Venue:      domain.VenueOTC,
			Collateral: plan.otcPayout,
			Shares:     plan.otcTake,
			PriceBps:   plan.otcPrice,
		})
	}
	if consumed := plan.swapIn + plan.merged; consumed > 0 {
		quote.Legs = append(quote.Legs, domain.VenueLeg{
			Venue:      domain.VenuePool,
			Collateral: plan.merged,
			Shares:     consumed,
			PriceBps:   impliedPriceBps(plan.merged, consumed),
		})
	}
	return quote, nil
}
