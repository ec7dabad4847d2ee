package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/calweber/pmrouter/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errStatus maps domain errors onto HTTP responses in one place so every
// handler rejects the same condition the same way. Unrecognized errors come
// back as a 500 and the caller is expected to log them.
func errStatus(err error) (int, string) {
	var cooldown *domain.CooldownError
	if errors.As(err, &cooldown) {
		return http.StatusConflict, cooldown.Error()
	}
	var slippage *domain.SlippageError
	if errors.As(err, &slippage) {
		return http.StatusConflict, slippage.Error()
	}

	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrMarketNotRegistered):
		return http.StatusNotFound, "market not found"
	case errors.Is(err, domain.ErrAlreadyRegistered):
		return http.StatusConflict, "market already bootstrapped"
	case errors.Is(err, domain.ErrMarketClosed):
		return http.StatusConflict, "market is closed"
	case errors.Is(err, domain.ErrMarketNotClosed):
		return http.StatusConflict, "market has not reached close time"
	case errors.Is(err, domain.ErrMarketResolved):
		return http.StatusConflict, "market already resolved"
	case errors.Is(err, domain.ErrMarketNotResolved):
		return http.StatusConflict, "market not resolved yet"
	case errors.Is(err, domain.ErrMarketFinalized):
		return http.StatusConflict, "market already finalized"
	case errors.Is(err, domain.ErrActiveLPs):
		return http.StatusConflict, "vault still has active liquidity providers"
	case errors.Is(err, domain.ErrUpdateTooSoon):
		return http.StatusConflict, "oracle update interval not elapsed"
	case errors.Is(err, domain.ErrPriceDeviation):
		return http.StatusConflict, "pool price deviates from oracle"
	case errors.Is(err, domain.ErrPoolNotReady):
		return http.StatusConflict, "pool has no liquidity"
	case errors.Is(err, domain.ErrOracleUnavailable):
		return http.StatusConflict, "oracle price unavailable"
	case errors.Is(err, domain.ErrInventoryCap):
		return http.StatusConflict, "vault inventory cap reached"
	case errors.Is(err, domain.ErrReentrancy), errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict, "operation already in progress"
	case errors.Is(err, domain.ErrDeadlineExpired):
		return http.StatusBadRequest, "deadline expired"
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid amount"
	case errors.Is(err, domain.ErrInvalidSide):
		return http.StatusBadRequest, "invalid side"
	case errors.Is(err, domain.ErrInvalidCloseTime):
		return http.StatusBadRequest, "invalid close time"
	case errors.Is(err, domain.ErrZeroShares):
		return http.StatusBadRequest, "trade too small to mint shares"
	case errors.Is(err, domain.ErrPoolMismatch):
		return http.StatusBadRequest, "pool identity mismatch"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusBadRequest, "insufficient collateral balance"
	case errors.Is(err, domain.ErrInsufficientShares):
		return http.StatusBadRequest, "insufficient share balance"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limited"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// handleError writes the mapped error response and logs server-side failures.
func handleError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status, msg := errStatus(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, msg)
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0. Optional since/until accept RFC3339
// timestamps.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Until = &t
		}
	}
	return opts
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// parseAddress decodes a 0x-prefixed hex address.
func parseAddress(v string) (common.Address, bool) {
	if !common.IsHexAddress(v) {
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

// parseAmount decodes a positive integer query parameter.
func parseAmount(v string) (uint64, bool) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

// displayPrice renders collateral-per-share with six decimal places for
// humans reading quote responses. Zero shares renders as "0".
func displayPrice(collateral, shares uint64) string {
	if shares == 0 {
		return "0"
	}
	c := decimal.NewFromBigInt(new(big.Int).SetUint64(collateral), 0)
	s := decimal.NewFromBigInt(new(big.Int).SetUint64(shares), 0)
	return c.Div(s).StringFixed(6)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
