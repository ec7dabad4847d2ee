package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
)

// MaintenanceService defines the methods that the maintenance handler
// requires from the service layer. Rebalance and Finalize credit the caller,
// so both take the address the bounty or audit trail should name.
type MaintenanceService interface {
	UpdateOracle(ctx context.Context, marketID string) (domain.OracleUpdate, error)
	Rebalance(ctx context.Context, caller common.Address, marketID string) (domain.RebalanceReport, error)
	SettleBudget(ctx context.Context, marketID string) (domain.SettlementReport, error)
	Finalize(ctx context.Context, caller common.Address, marketID string) (domain.SettlementReport, error)
}

// MaintenanceHandler serves the permissionless upkeep HTTP endpoints.
type MaintenanceHandler struct {
	maint  MaintenanceService
	logger *slog.Logger
}

// NewMaintenanceHandler creates a MaintenanceHandler with the given service
// and logger.
func NewMaintenanceHandler(maint MaintenanceService, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		maint:  maint,
		logger: logger,
	}
}

// callerRequest carries the address credited for a keeper-style action.
type callerRequest struct {
	Caller string `json:"caller"`
}

// decodeCaller reads an optional JSON body and extracts the caller address.
// An empty body is allowed; a present but malformed address is not.
func decodeCaller(r *http.Request) (common.Address, error) {
	var body callerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return common.Address{}, nil
		}
		return common.Address{}, errors.New("invalid request body: " + err.Error())
	}
	if body.Caller == "" {
		return common.Address{}, nil
	}
	caller, ok := parseAddress(body.Caller)
	if !ok {
		return common.Address{}, errors.New("caller must be a hex address")
	}
	return caller, nil
}

// UpdateOracle records a TWAP observation for the market.
// POST /api/markets/{id}/oracle/update
func (h *MaintenanceHandler) UpdateOracle(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	upd, err := h.maint.UpdateOracle(r.Context(), id)
	if err != nil {
		handleError(w, r, h.logger, "oracle update", err)
		return
	}

	writeJSON(w, http.StatusOK, upd)
}

// Rebalance merges surplus vault inventory and buys back the scarce side,
// paying the caller a bounty.
// POST /api/markets/{id}/rebalance
func (h *MaintenanceHandler) Rebalance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	caller, err := decodeCaller(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if caller == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "caller is required")
		return
	}

	rep, err := h.maint.Rebalance(r.Context(), caller, id)
	if err != nil {
		handleError(w, r, h.logger, "rebalance", err)
		return
	}

	writeJSON(w, http.StatusOK, rep)
}

// Settle converts leftover vault inventory after close and distributes the
// rebalance budget to LPs.
// POST /api/markets/{id}/settle
func (h *MaintenanceHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	rep, err := h.maint.SettleBudget(r.Context(), id)
	if err != nil {
		handleError(w, r, h.logger, "settle", err)
		return
	}

	writeJSON(w, http.StatusOK, rep)
}

// Finalize redeems residual winning shares, pays the treasury, and retires
// the market.
// POST /api/markets/{id}/finalize
func (h *MaintenanceHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	caller, err := decodeCaller(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rep, err := h.maint.Finalize(r.Context(), caller, id)
	if err != nil {
		handleError(w, r, h.logger, "finalize", err)
		return
	}

	writeJSON(w, http.StatusOK, rep)
}
