package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/engine"
	"github.com/calweber/pmrouter/internal/service"
)

// TradeService defines the methods that the trade handler requires from the
// service layer.
type TradeService interface {
	Buy(ctx context.Context, req service.BuyRequest) (domain.BuyQuote, error)
	Sell(ctx context.Context, req service.SellRequest) (domain.SellQuote, error)
	Batch(ctx context.Context, trader common.Address, ops []engine.BatchOp) ([]engine.BatchResult, error)
	QuoteBuy(ctx context.Context, marketID string, side domain.Side, collateral uint64) (domain.BuyQuote, error)
	QuoteSell(ctx context.Context, marketID string, side domain.Side, shares uint64) (domain.SellQuote, error)
	ListFills(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Fill, error)
	ListTraderFills(ctx context.Context, trader common.Address, opts domain.ListOpts) ([]domain.Fill, error)
}

// TradeHandler serves trading HTTP endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler with the given service and logger.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades: trades,
		logger: logger,
	}
}

// buyRequest is the wire shape of a buy. Side is a string so a missing or
// misspelled value is rejected instead of defaulting to YES.
type buyRequest struct {
	Trader     string    `json:"trader"`
	Side       string    `json:"side"`
	Collateral uint64    `json:"collateral"`
	MinShares  uint64    `json:"min_shares"`
	Recipient  string    `json:"recipient"`
	Deadline   time.Time `json:"deadline"`
}

// sellRequest is the wire shape of a sell.
type sellRequest struct {
	Trader        string    `json:"trader"`
	Side          string    `json:"side"`
	Shares        uint64    `json:"shares"`
	MinCollateral uint64    `json:"min_collateral"`
	Recipient     string    `json:"recipient"`
	Deadline      time.Time `json:"deadline"`
}

// buyResponse is a buy quote plus a human-readable effective price.
type buyResponse struct {
	domain.BuyQuote
	EffectivePrice string `json:"effective_price"`
}

// sellResponse is a sell quote plus a human-readable effective price.
type sellResponse struct {
	domain.SellQuote
	EffectivePrice string `json:"effective_price"`
}

// Buy routes a collateral-in buy across the vault, pool, and mint venues.
// POST /api/markets/{id}/buy
func (h *TradeHandler) Buy(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var body buyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req, err := buildBuyRequest(id, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := h.trades.Buy(r.Context(), req)
	if err != nil {
		handleError(w, r, h.logger, "buy", err)
		return
	}

	writeJSON(w, http.StatusOK, buyResponse{
		BuyQuote:       q,
		EffectivePrice: displayPrice(q.Collateral-q.Refund, q.Shares),
	})
}

// Sell routes a shares-in sell across the merge, vault, and pool venues.
// POST /api/markets/{id}/sell
func (h *TradeHandler) Sell(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var body sellRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req, err := buildSellRequest(id, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := h.trades.Sell(r.Context(), req)
	if err != nil {
		handleError(w, r, h.logger, "sell", err)
		return
	}

	writeJSON(w, http.StatusOK, sellResponse{
		SellQuote:      q,
		EffectivePrice: displayPrice(q.Collateral, q.Shares),
	})
}

// Quote previews a trade without executing it.
// GET /api/markets/{id}/quote?action=buy&side=yes&collateral=100
// GET /api/markets/{id}/quote?action=sell&side=no&shares=50
func (h *TradeHandler) Quote(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	q := r.URL.Query()
	side, err := domain.ParseSide(q.Get("side"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "side query parameter must be yes or no")
		return
	}

	action := q.Get("action")
	if action == "" {
		action = "buy"
	}

	switch action {
	case "buy":
		collateral, ok := parseAmount(q.Get("collateral"))
		if !ok {
			writeError(w, http.StatusBadRequest, "collateral query parameter must be a positive integer")
			return
		}
		quote, err := h.trades.QuoteBuy(r.Context(), id, side, collateral)
		if err != nil {
			handleError(w, r, h.logger, "quote buy", err)
			return
		}
		writeJSON(w, http.StatusOK, buyResponse{
			BuyQuote:       quote,
			EffectivePrice: displayPrice(quote.Collateral-quote.Refund, quote.Shares),
		})
	case "sell":
		shares, ok := parseAmount(q.Get("shares"))
		if !ok {
			writeError(w, http.StatusBadRequest, "shares query parameter must be a positive integer")
			return
		}
		quote, err := h.trades.QuoteSell(r.Context(), id, side, shares)
		if err != nil {
			handleError(w, r, h.logger, "quote sell", err)
			return
		}
		writeJSON(w, http.StatusOK, sellResponse{
			SellQuote:      quote,
			EffectivePrice: displayPrice(quote.Collateral, quote.Shares),
		})
	default:
		writeError(w, http.StatusBadRequest, "action query parameter must be buy or sell")
	}
}

// batchRequest carries a trade sequence executed under one engine lock.
type batchRequest struct {
	Trader string           `json:"trader"`
	Ops    []engine.BatchOp `json:"ops"`
}

// batchResponse reports completed entries; Error is set when a later entry
// failed. Completed entries have already been applied and stand regardless.
type batchResponse struct {
	Results []engine.BatchResult `json:"results"`
	Error   string               `json:"error,omitempty"`
}

// Batch executes a sequence of buys and sells atomically with respect to
// other callers. The first failing entry stops the sequence; entries already
// completed stand and are reported alongside the error.
// POST /api/batch
func (h *TradeHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	trader, ok := parseAddress(body.Trader)
	if !ok {
		writeError(w, http.StatusBadRequest, "trader must be a hex address")
		return
	}
	if len(body.Ops) == 0 {
		writeError(w, http.StatusBadRequest, "ops must not be empty")
		return
	}

	results, err := h.trades.Batch(r.Context(), trader, body.Ops)
	if results == nil {
		results = []engine.BatchResult{}
	}
	if err != nil {
		status, msg := errStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: batch failed",
				slog.String("error", err.Error()),
			)
		}
		writeJSON(w, status, batchResponse{Results: results, Error: msg})
		return
	}

	writeJSON(w, http.StatusOK, batchResponse{Results: results})
}

// listFillsResponse wraps the fill list endpoints.
type listFillsResponse struct {
	Fills []domain.Fill `json:"fills"`
}

// ListMarketFills returns journaled OTC fills for a market.
// GET /api/markets/{id}/fills?limit=50&offset=0
func (h *TradeHandler) ListMarketFills(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	fills, err := h.trades.ListFills(r.Context(), id, parseListOpts(r))
	if err != nil {
		handleError(w, r, h.logger, "list fills", err)
		return
	}
	if fills == nil {
		fills = []domain.Fill{}
	}

	writeJSON(w, http.StatusOK, listFillsResponse{Fills: fills})
}

// ListTraderFills returns journaled OTC fills for a trader across markets.
// GET /api/fills?trader=0x...&limit=50&offset=0
func (h *TradeHandler) ListTraderFills(w http.ResponseWriter, r *http.Request) {
	trader, ok := parseAddress(r.URL.Query().Get("trader"))
	if !ok {
		writeError(w, http.StatusBadRequest, "trader query parameter must be a hex address")
		return
	}

	fills, err := h.trades.ListTraderFills(r.Context(), trader, parseListOpts(r))
	if err != nil {
		handleError(w, r, h.logger, "list trader fills", err)
		return
	}
	if fills == nil {
		fills = []domain.Fill{}
	}

	writeJSON(w, http.StatusOK, listFillsResponse{Fills: fills})
}

// buildBuyRequest validates the wire shape and converts it to the service
// request.
func buildBuyRequest(marketID string, body buyRequest) (service.BuyRequest, error) {
	trader, ok := parseAddress(body.Trader)
	if !ok {
		return service.BuyRequest{}, fmt.Errorf("trader must be a hex address")
	}
	side, err := domain.ParseSide(body.Side)
	if err != nil {
		return service.BuyRequest{}, fmt.Errorf("side must be yes or no")
	}
	if body.Collateral == 0 {
		return service.BuyRequest{}, fmt.Errorf("collateral must be a positive integer")
	}
	req := service.BuyRequest{
		Trader:     trader,
		MarketID:   marketID,
		Side:       side,
		Collateral: body.Collateral,
		MinShares:  body.MinShares,
		Deadline:   body.Deadline,
	}
	if body.Recipient != "" {
		recipient, ok := parseAddress(body.Recipient)
		if !ok {
			return service.BuyRequest{}, fmt.Errorf("recipient must be a hex address")
		}
		req.Recipient = recipient
	}
	return req, nil
}

// buildSellRequest validates the wire shape and converts it to the service
// request.
func buildSellRequest(marketID string, body sellRequest) (service.SellRequest, error) {
	trader, ok := parseAddress(body.Trader)
	if !ok {
		return service.SellRequest{}, fmt.Errorf("trader must be a hex address")
	}
	side, err := domain.ParseSide(body.Side)
	if err != nil {
		return service.SellRequest{}, fmt.Errorf("side must be yes or no")
	}
	if body.Shares == 0 {
		return service.SellRequest{}, fmt.Errorf("shares must be a positive integer")
	}
	req := service.SellRequest{
		Trader:        trader,
		MarketID:      marketID,
		Side:          side,
		Shares:        body.Shares,
		MinCollateral: body.MinCollateral,
		Deadline:      body.Deadline,
	}
	if body.Recipient != "" {
		recipient, ok := parseAddress(body.Recipient)
		if !ok {
			return service.SellRequest{}, fmt.Errorf("recipient must be a hex address")
		}
		req.Recipient = recipient
	}
	return req, nil
}
