package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/engine"
)

// BuyRequest carries one routed buy.
type BuyRequest struct {
	Trader     common.Address
	MarketID   string
	Side       domain.Side
	Collateral uint64
	MinShares  uint64
	Recipient  common.Address
	Deadline   time.Time
}

// SellRequest carries one routed sell.
type SellRequest struct {
	Trader        common.Address
	MarketID      string
	Side          domain.Side
	Shares        uint64
	MinCollateral uint64
	Recipient     common.Address
	Deadline      time.Time
}

// TradeService routes buys, sells, and batches through the engine and keeps
// the cached read model honest after each fill.
type TradeService struct {
	eng    *engine.Engine
	fills  domain.FillStore
	states domain.StateCache
	logger *slog.Logger
}

// NewTradeService creates a TradeService; fills and states may be nil.
func NewTradeService(eng *engine.Engine, fills domain.FillStore, states domain.StateCache, logger *slog.Logger) *TradeService {
	return &TradeService{
		eng:    eng,
		fills:  fills,
		states: states,
		logger: logger.With(slog.String("component", "trade_service")),
	}
}

// Buy routes a collateral-in buy across the vault, pool, and mint venues.
func (s *TradeService) Buy(ctx context.Context, req BuyRequest) (domain.BuyQuote, error) {
	q, err := s.eng.Buy(ctx, req.Trader, req.MarketID, req.Side, req.Collateral, req.MinShares, req.Recipient, req.Deadline)
	if err != nil {
		return domain.BuyQuote{}, fmt.Errorf("trade_service: buy %q: %w", req.MarketID, err)
	}
	s.invalidateState(ctx, req.MarketID)
	return q, nil
}

// Sell routes a shares-in sell across the merge, vault, and pool venues.
func (s *TradeService) Sell(ctx context.Context, req SellRequest) (domain.SellQuote, error) {
	q, err := s.eng.Sell(ctx, req.Trader, req.MarketID, req.Side, req.Shares, req.MinCollateral, req.Recipient, req.Deadline)
	if err != nil {
		return domain.SellQuote{}, fmt.Errorf("trade_service: sell %q: %w", req.MarketID, err)
	}
	s.invalidateState(ctx, req.MarketID)
	return q, nil
}

// Batch executes a trade sequence under one engine lock. Markets touched by
// completed entries are invalidated even when a later entry fails.
func (s *TradeService) Batch(ctx context.Context, trader common.Address, ops []engine.BatchOp) ([]engine.BatchResult, error) {
	results, err := s.eng.Batch(ctx, trader, ops)

	touched := make(map[string]struct{}, len(results))
	for i := range results {
		if results[i].Buy != nil {
			touched[results[i].Buy.MarketID] = struct{}{}
		}
		if results[i].Sell != nil {
			touched[results[i].Sell.MarketID] = struct{}{}
		}
	}
	for id := range touched {
		s.invalidateState(ctx, id)
	}

	if err != nil {
		return results, fmt.Errorf("trade_service: batch: %w", err)
	}
	return results, nil
}

// QuoteBuy previews a buy without executing it.
func (s *TradeService) QuoteBuy(ctx context.Context, marketID string, side domain.Side, collateral uint64) (domain.BuyQuote, error) {
	q, err := s.eng.QuoteBuy(ctx, marketID, side, collateral)
	if err != nil {
		return domain.BuyQuote{}, fmt.Errorf("trade_service: quote buy %q: %w", marketID, err)
	}
	return q, nil
}

// QuoteSell previews a sell without executing it.
func (s *TradeService) QuoteSell(ctx context.Context, marketID string, side domain.Side, shares uint64) (domain.SellQuote, error) {
	q, err := s.eng.QuoteSell(ctx, marketID, side, shares)
	if err != nil {
		return domain.SellQuote{}, fmt.Errorf("trade_service: quote sell %q: %w", marketID, err)
	}
	return q, nil
}

// ListFills returns journaled OTC fills for a market.
func (s *TradeService) ListFills(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Fill, error) {
	if s.fills == nil {
		return []domain.Fill{}, nil
	}
	fills, err := s.fills.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list fills %q: %w", marketID, err)
	}
	return fills, nil
}

// ListTraderFills returns journaled OTC fills for a trader across markets.
func (s *TradeService) ListTraderFills(ctx context.Context, trader common.Address, opts domain.ListOpts) ([]domain.Fill, error) {
	if s.fills == nil {
		return []domain.Fill{}, nil
	}
	fills, err := s.fills.ListByTrader(ctx, trader, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list trader fills %s: %w", trader.Hex(), err)
	}
	return fills, nil
}

func (s *TradeService) invalidateState(ctx context.Context, marketID string) {
	if s.states == nil {
		return
	}
	if err := s.states.Invalidate(ctx, marketID); err != nil {
		s.logger.WarnContext(ctx, "trade_service: state invalidate failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}
