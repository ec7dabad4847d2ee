package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/engine"
	"github.com/calweber/pmrouter/internal/service"
)

type fakeTradeService struct {
	buyReq  service.BuyRequest
	buyOut  domain.BuyQuote
	buyErr  error
	sellReq service.SellRequest
	sellOut domain.SellQuote
	sellErr error

	batchOps     []engine.BatchOp
	batchResults []engine.BatchResult
	batchErr     error

	quoteBuyOut  domain.BuyQuote
	quoteSellOut domain.SellQuote
	quoteErr     error

	marketFills []domain.Fill
	traderFills []domain.Fill
}

func (f *fakeTradeService) Buy(ctx context.Context, req service.BuyRequest) (domain.BuyQuote, error) {
	f.buyReq = req
	return f.buyOut, f.buyErr
}

func (f *fakeTradeService) Sell(ctx context.Context, req service.SellRequest) (domain.SellQuote, error) {
	f.sellReq = req
	return f.sellOut, f.sellErr
}

func (f *fakeTradeService) Batch(ctx context.Context, trader common.Address, ops []engine.BatchOp) ([]engine.BatchResult, error) {
	f.batchOps = ops
	return f.batchResults, f.batchErr
}

func (f *fakeTradeService) QuoteBuy(ctx context.Context, marketID string, side domain.Side, collateral uint64) (domain.BuyQuote, error) {
	return f.quoteBuyOut, f.quoteErr
}

func (f *fakeTradeService) QuoteSell(ctx context.Context, marketID string, side domain.Side, shares uint64) (domain.SellQuote, error) {
	return f.quoteSellOut, f.quoteErr
}

func (f *fakeTradeService) ListFills(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Fill, error) {
	return f.marketFills, nil
}

func (f *fakeTradeService) ListTraderFills(ctx context.Context, trader common.Address, opts domain.ListOpts) ([]domain.Fill, error) {
	return f.traderFills, nil
}

func TestBuyFormatsEffectivePrice(t *testing.T) {
	svc := &fakeTradeService{
		buyOut: domain.BuyQuote{
			MarketID:   "mkt-1",
			Side:       domain.SideYes,
			Collateral: 100,
			Refund:     2,
			Shares:     160,
		},
	}
	h := NewTradeHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/buy", map[string]any{
		"trader":     "0x0000000000000000000000000000000000000071",
		"side":       "yes",
		"collateral": 100,
	})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Buy(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mkt-1", svc.buyReq.MarketID)
	assert.Equal(t, domain.SideYes, svc.buyReq.Side)

	var body struct {
		Shares         uint64 `json:"shares"`
		EffectivePrice string `json:"effective_price"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, uint64(160), body.Shares)
	assert.Equal(t, "0.612500", body.EffectivePrice)
}

func TestBuyRejectsMissingSide(t *testing.T) {
	h := NewTradeHandler(&fakeTradeService{}, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/buy", map[string]any{
		"trader":     "0x0000000000000000000000000000000000000071",
		"collateral": 100,
	})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Buy(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "side must be yes or no")
}

func TestBuySlippageIs409(t *testing.T) {
	svc := &fakeTradeService{
		buyErr: fmt.Errorf("trade_service: buy: %w", &domain.SlippageError{Got: 80, Min: 100}),
	}
	h := NewTradeHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/buy", map[string]any{
		"trader":     "0x0000000000000000000000000000000000000071",
		"side":       "yes",
		"collateral": 100,
		"min_shares": 100,
	})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Buy(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSellPassesRecipient(t *testing.T) {
	svc := &fakeTradeService{
		sellOut: domain.SellQuote{MarketID: "mkt-1", Side: domain.SideNo, Shares: 50, Collateral: 20},
	}
	h := NewTradeHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/sell", map[string]any{
		"trader":    "0x0000000000000000000000000000000000000071",
		"side":      "no",
		"shares":    50,
		"recipient": "0x0000000000000000000000000000000000000072",
	})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Sell(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, common.HexToAddress("0x72"), svc.sellReq.Recipient)
	assert.Equal(t, uint64(50), svc.sellReq.Shares)
}

func TestQuoteBuyReadsQueryParams(t *testing.T) {
	svc := &fakeTradeService{
		quoteBuyOut: domain.BuyQuote{MarketID: "mkt-1", Side: domain.SideYes, Collateral: 100, Shares: 200},
	}
	h := NewTradeHandler(svc, testLogger)

	req := newRequest(t, http.MethodGet, "/api/markets/mkt-1/quote?side=yes&collateral=100", nil)
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Quote(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Shares         uint64 `json:"shares"`
		EffectivePrice string `json:"effective_price"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, uint64(200), body.Shares)
	assert.Equal(t, "0.500000", body.EffectivePrice)
}

func TestQuoteSellRequiresShares(t *testing.T) {
	h := NewTradeHandler(&fakeTradeService{}, testLogger)

	req := newRequest(t, http.MethodGet, "/api/markets/mkt-1/quote?action=sell&side=no", nil)
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Quote(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "shares")
}

func TestQuoteRejectsUnknownAction(t *testing.T) {
	h := NewTradeHandler(&fakeTradeService{}, testLogger)

	req := newRequest(t, http.MethodGet, "/api/markets/mkt-1/quote?action=swap&side=yes&collateral=10", nil)
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Quote(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchReportsCompletedEntriesOnFailure(t *testing.T) {
	q := domain.BuyQuote{MarketID: "mkt-1", Side: domain.SideYes, Collateral: 100, Shares: 150}
	svc := &fakeTradeService{
		batchResults: []engine.BatchResult{{Buy: &q}},
		batchErr:     fmt.Errorf("engine: batch entry 1: buy ghost: %w", domain.ErrMarketNotRegistered),
	}
	h := NewTradeHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/batch", map[string]any{
		"trader": "0x0000000000000000000000000000000000000071",
		"ops": []map[string]any{
			{"kind": "buy", "market_id": "mkt-1", "side": "yes", "amount": 100},
			{"kind": "buy", "market_id": "ghost", "side": "yes", "amount": 100},
		},
	})
	rec := httptest.NewRecorder()
	h.Batch(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body struct {
		Results []engine.BatchResult `json:"results"`
		Error   string               `json:"error"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Results, 1)
	assert.Equal(t, uint64(150), body.Results[0].Buy.Shares)
	assert.Equal(t, "market not found", body.Error)
	assert.Len(t, svc.batchOps, 2)
}

func TestBatchRequiresOps(t *testing.T) {
	h := NewTradeHandler(&fakeTradeService{}, testLogger)

	req := newRequest(t, http.MethodPost, "/api/batch", map[string]any{
		"trader": "0x0000000000000000000000000000000000000071",
		"ops":    []map[string]any{},
	})
	rec := httptest.NewRecorder()
	h.Batch(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMarketFillsWrapsJournal(t *testing.T) {
	svc := &fakeTradeService{
		marketFills: []domain.Fill{{ID: "f-1", MarketID: "mkt-1", Side: domain.SideYes}},
	}
	h := NewTradeHandler(svc, testLogger)

	req := newRequest(t, http.MethodGet, "/api/markets/mkt-1/fills", nil)
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.ListMarketFills(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Fills []domain.Fill `json:"fills"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Fills, 1)
	assert.Equal(t, "f-1", body.Fills[0].ID)
}

func TestListTraderFillsRequiresAddress(t *testing.T) {
	h := NewTradeHandler(&fakeTradeService{}, testLogger)

	req := newRequest(t, http.MethodGet, "/api/fills?trader=bogus", nil)
	rec := httptest.NewRecorder()
	h.ListTraderFills(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
