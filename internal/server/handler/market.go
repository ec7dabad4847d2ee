package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/service"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	Bootstrap(ctx context.Context, req service.BootstrapRequest) (domain.BootstrapReport, error)
	Resolve(ctx context.Context, marketID string, winner domain.Side) error
	State(ctx context.Context, marketID string) (json.RawMessage, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, int64, error)
}

// MarketHandler serves market lifecycle HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger,
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.MarketRecord `json:"markets"`
	Total   int64                 `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// ListMarkets returns journaled market bindings with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, total, err := h.markets.List(r.Context(), opts)
	if err != nil {
		handleError(w, r, h.logger, "list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.MarketRecord{}
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns the live state document for a market: binding, pool
// reserves, vault totals, and oracle price.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	state, err := h.markets.State(r.Context(), id)
	if err != nil {
		handleError(w, r, h.logger, "get market", err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(state)
}

// BootstrapMarket registers a market and seeds its pool in one call.
// POST /api/markets/{id}/bootstrap
func (h *MarketHandler) BootstrapMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var req service.BootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.MarketID = id

	if req.Funder == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "funder is required")
		return
	}
	if req.Collateral == 0 {
		writeError(w, http.StatusBadRequest, "collateral is required")
		return
	}

	rep, err := h.markets.Bootstrap(r.Context(), req)
	if err != nil {
		handleError(w, r, h.logger, "bootstrap market", err)
		return
	}

	writeJSON(w, http.StatusCreated, rep)
}

// resolveRequest carries the winning side for market resolution.
type resolveRequest struct {
	Winner domain.Side `json:"winner"`
}

// ResolveMarket records the winning side with the ledger.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.markets.Resolve(r.Context(), id, req.Winner); err != nil {
		handleError(w, r, h.logger, "resolve market", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "resolved",
		"market_id": id,
		"winner":    req.Winner.String(),
	})
}
