package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/service"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newRequest builds a request with an optional JSON body.
func newRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	return httptest.NewRequest(method, target, rd)
}

// decodeBody unmarshals a recorded JSON response.
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

type fakeMarketService struct {
	bootstrapReq service.BootstrapRequest
	bootstrapRep domain.BootstrapReport
	bootstrapErr error

	resolvedID     string
	resolvedWinner domain.Side
	resolveErr     error

	state    []byte
	stateErr error

	records []domain.MarketRecord
	total   int64
	listErr error
}

func (f *fakeMarketService) Bootstrap(ctx context.Context, req service.BootstrapRequest) (domain.BootstrapReport, error) {
	f.bootstrapReq = req
	return f.bootstrapRep, f.bootstrapErr
}

func (f *fakeMarketService) Resolve(ctx context.Context, marketID string, winner domain.Side) error {
	f.resolvedID = marketID
	f.resolvedWinner = winner
	return f.resolveErr
}

func (f *fakeMarketService) State(ctx context.Context, marketID string) (json.RawMessage, error) {
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return f.state, nil
}

func (f *fakeMarketService) List(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, int64, error) {
	return f.records, f.total, f.listErr
}

func TestGetMarketServesStateDocument(t *testing.T) {
	svc := &fakeMarketService{state: []byte(`{"market_id":"mkt-1","spot_bps":5000}`)}
	h := NewMarketHandler(svc, testLogger)

	req := newRequest(t, http.MethodGet, "/api/markets/mkt-1", nil)
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.GetMarket(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"market_id":"mkt-1","spot_bps":5000}`, rec.Body.String())
}

func TestGetMarketUnknownIs404(t *testing.T) {
	svc := &fakeMarketService{
		stateErr: fmt.Errorf("market_service: state %q: %w", "ghost", domain.ErrMarketNotRegistered),
	}
	h := NewMarketHandler(svc, testLogger)

	req := newRequest(t, http.MethodGet, "/api/markets/ghost", nil)
	req.SetPathValue("id", "ghost")
	rec := httptest.NewRecorder()
	h.GetMarket(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "market not found", body["error"])
}

func TestBootstrapSetsMarketIDFromPath(t *testing.T) {
	svc := &fakeMarketService{
		bootstrapRep: domain.BootstrapReport{
			Funder:     common.HexToAddress("0xf1"),
			PoolID:     common.HexToHash("0xbeef"),
			Collateral: 1000,
			FeeBps:     30,
		},
	}
	h := NewMarketHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/bootstrap", map[string]any{
		"question":   "Will the widget ship by Q4?",
		"funder":     common.HexToAddress("0xf1"),
		"collateral": 1000,
		"close_time": time.Now().Add(24 * time.Hour).UTC(),
	})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.BootstrapMarket(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "mkt-1", svc.bootstrapReq.MarketID)
	assert.Equal(t, uint64(1000), svc.bootstrapReq.Collateral)

	var rep domain.BootstrapReport
	decodeBody(t, rec, &rep)
	assert.Equal(t, uint64(30), rep.FeeBps)
}

func TestBootstrapRequiresFunderAndCollateral(t *testing.T) {
	h := NewMarketHandler(&fakeMarketService{}, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/bootstrap", map[string]any{
		"question": "No funder",
	})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.BootstrapMarket(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = newRequest(t, http.MethodPost, "/api/markets/mkt-1/bootstrap", map[string]any{
		"funder": common.HexToAddress("0xf1"),
	})
	req.SetPathValue("id", "mkt-1")
	rec = httptest.NewRecorder()
	h.BootstrapMarket(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBootstrapDuplicateIs409(t *testing.T) {
	svc := &fakeMarketService{
		bootstrapErr: fmt.Errorf("engine: bootstrap: %w", domain.ErrAlreadyRegistered),
	}
	h := NewMarketHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/bootstrap", map[string]any{
		"funder":     common.HexToAddress("0xf1"),
		"collateral": 1000,
	})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.BootstrapMarket(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResolvePassesWinner(t *testing.T) {
	svc := &fakeMarketService{}
	h := NewMarketHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/resolve", map[string]string{"winner": "no"})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.ResolveMarket(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mkt-1", svc.resolvedID)
	assert.Equal(t, domain.SideNo, svc.resolvedWinner)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "no", body["winner"])
}

func TestResolveBeforeCloseIs409(t *testing.T) {
	svc := &fakeMarketService{
		resolveErr: fmt.Errorf("ledger: resolve: %w", domain.ErrMarketNotClosed),
	}
	h := NewMarketHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/resolve", map[string]string{"winner": "yes"})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.ResolveMarket(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListMarketsWrapsRecords(t *testing.T) {
	svc := &fakeMarketService{
		records: []domain.MarketRecord{{MarketID: "mkt-1", Status: domain.MarketStatusActive}},
		total:   7,
	}
	h := NewMarketHandler(svc, testLogger)

	req := newRequest(t, http.MethodGet, "/api/markets?limit=5", nil)
	rec := httptest.NewRecorder()
	h.ListMarkets(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Markets []domain.MarketRecord `json:"markets"`
		Total   int64                 `json:"total"`
		Limit   int                   `json:"limit"`
	}
	decodeBody(t, rec, &body)
	assert.Len(t, body.Markets, 1)
	assert.Equal(t, int64(7), body.Total)
	assert.Equal(t, 5, body.Limit)
}

func TestListMarketsEmptyIsArray(t *testing.T) {
	h := NewMarketHandler(&fakeMarketService{}, testLogger)

	req := newRequest(t, http.MethodGet, "/api/markets", nil)
	rec := httptest.NewRecorder()
	h.ListMarkets(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"markets":[]`)
}
