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

// VaultService defines the methods that the vault handler requires from the
// service layer.
type VaultService interface {
	Deposit(ctx context.Context, req service.DepositRequest) (uint64, error)
	Withdraw(ctx context.Context, req service.WithdrawRequest) (domain.VaultChange, error)
	Harvest(ctx context.Context, owner common.Address, marketID string, receiver common.Address) (uint64, uint64, error)
	ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.VaultChangeRecord, error)
	ListByAccount(ctx context.Context, account common.Address, opts domain.ListOpts) ([]domain.VaultChangeRecord, error)
}

// PositionReader serves LP positions with pending rewards.
type PositionReader interface {
	Position(ctx context.Context, marketID string, account common.Address) (domain.UserPosition, error)
}

// VaultHandler serves LP HTTP endpoints.
type VaultHandler struct {
	vaults    VaultService
	positions PositionReader
	logger    *slog.Logger
}

// NewVaultHandler creates a VaultHandler with the given services and logger.
func NewVaultHandler(vaults VaultService, positions PositionReader, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{
		vaults:    vaults,
		positions: positions,
		logger:    logger,
	}
}

// depositRequest is the wire shape of an LP deposit.
type depositRequest struct {
	Owner    string `json:"owner"`
	Side     string `json:"side"`
	Amount   uint64 `json:"amount"`
	Receiver string `json:"receiver"`
}

// withdrawRequest is the wire shape of an LP withdrawal.
type withdrawRequest struct {
	Owner    string `json:"owner"`
	Side     string `json:"side"`
	Shares   uint64 `json:"shares"`
	Receiver string `json:"receiver"`
}

// harvestRequest is the wire shape of a fee harvest.
type harvestRequest struct {
	Owner    string `json:"owner"`
	Receiver string `json:"receiver"`
}

// Deposit moves outcome shares into the vault and mints LP shares.
// POST /api/markets/{id}/deposit
func (h *VaultHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var body depositRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	owner, ok := parseAddress(body.Owner)
	if !ok {
		writeError(w, http.StatusBadRequest, "owner must be a hex address")
		return
	}
	side, err := domain.ParseSide(body.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, "side must be yes or no")
		return
	}
	if body.Amount == 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	req := service.DepositRequest{
		Owner:    owner,
		MarketID: id,
		Side:     side,
		Amount:   body.Amount,
	}
	if body.Receiver != "" {
		receiver, ok := parseAddress(body.Receiver)
		if !ok {
			writeError(w, http.StatusBadRequest, "receiver must be a hex address")
			return
		}
		req.Receiver = receiver
	}

	minted, err := h.vaults.Deposit(r.Context(), req)
	if err != nil {
		handleError(w, r, h.logger, "deposit", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"side":      side.String(),
		"minted":    minted,
	})
}

// Withdraw redeems LP shares for inventory plus accrued rewards.
// POST /api/markets/{id}/withdraw
func (h *VaultHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var body withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	owner, ok := parseAddress(body.Owner)
	if !ok {
		writeError(w, http.StatusBadRequest, "owner must be a hex address")
		return
	}
	side, err := domain.ParseSide(body.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, "side must be yes or no")
		return
	}
	if body.Shares == 0 {
		writeError(w, http.StatusBadRequest, "shares must be a positive integer")
		return
	}

	req := service.WithdrawRequest{
		Owner:    owner,
		MarketID: id,
		Side:     side,
		Shares:   body.Shares,
	}
	if body.Receiver != "" {
		receiver, ok := parseAddress(body.Receiver)
		if !ok {
			writeError(w, http.StatusBadRequest, "receiver must be a hex address")
			return
		}
		req.Receiver = receiver
	}

	out, err := h.vaults.Withdraw(r.Context(), req)
	if err != nil {
		handleError(w, r, h.logger, "withdraw", err)
		return
	}

	writeJSON(w, http.StatusOK, out)
}

// Harvest pays out pending fee rewards on both sides without touching LP
// shares.
// POST /api/markets/{id}/harvest
func (h *VaultHandler) Harvest(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var body harvestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	owner, ok := parseAddress(body.Owner)
	if !ok {
		writeError(w, http.StatusBadRequest, "owner must be a hex address")
		return
	}
	receiver := owner
	if body.Receiver != "" {
		receiver, ok = parseAddress(body.Receiver)
		if !ok {
			writeError(w, http.StatusBadRequest, "receiver must be a hex address")
			return
		}
	}

	yesReward, noReward, err := h.vaults.Harvest(r.Context(), owner, id, receiver)
	if err != nil {
		handleError(w, r, h.logger, "harvest", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":  id,
		"yes_reward": yesReward,
		"no_reward":  noReward,
	})
}

// GetPosition returns an account's LP position with pending rewards.
// GET /api/markets/{id}/positions/{account}
func (h *VaultHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	account, ok := parseAddress(pathParam(r, "account"))
	if !ok {
		writeError(w, http.StatusBadRequest, "account must be a hex address")
		return
	}

	pos, err := h.positions.Position(r.Context(), id, account)
	if err != nil {
		handleError(w, r, h.logger, "get position", err)
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// listVaultActivityResponse wraps the vault activity endpoint.
type listVaultActivityResponse struct {
	Events []domain.VaultChangeRecord `json:"events"`
}

// ListActivity returns journaled LP activity for a market, or for one
// account across markets when the account query parameter is set.
// GET /api/markets/{id}/vault/activity?account=0x...&limit=50&offset=0
func (h *VaultHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	opts := parseListOpts(r)
	var (
		events []domain.VaultChangeRecord
		err    error
	)
	if v := r.URL.Query().Get("account"); v != "" {
		account, ok := parseAddress(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "account query parameter must be a hex address")
			return
		}
		events, err = h.vaults.ListByAccount(r.Context(), account, opts)
	} else {
		events, err = h.vaults.ListByMarket(r.Context(), id, opts)
	}
	if err != nil {
		handleError(w, r, h.logger, "list vault activity", err)
		return
	}
	if events == nil {
		events = []domain.VaultChangeRecord{}
	}

	writeJSON(w, http.StatusOK, listVaultActivityResponse{Events: events})
}
