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
)

type fakeMaintenanceService struct {
	oracleOut domain.OracleUpdate
	oracleErr error

	rebalanceCaller common.Address
	rebalanceOut    domain.RebalanceReport
	rebalanceErr    error

	settleOut domain.SettlementReport
	settleErr error

	finalizeCaller common.Address
	finalizeOut    domain.SettlementReport
	finalizeErr    error
}

func (f *fakeMaintenanceService) UpdateOracle(ctx context.Context, marketID string) (domain.OracleUpdate, error) {
	return f.oracleOut, f.oracleErr
}

func (f *fakeMaintenanceService) Rebalance(ctx context.Context, caller common.Address, marketID string) (domain.RebalanceReport, error) {
	f.rebalanceCaller = caller
	return f.rebalanceOut, f.rebalanceErr
}

func (f *fakeMaintenanceService) SettleBudget(ctx context.Context, marketID string) (domain.SettlementReport, error) {
	return f.settleOut, f.settleErr
}

func (f *fakeMaintenanceService) Finalize(ctx context.Context, caller common.Address, marketID string) (domain.SettlementReport, error) {
	f.finalizeCaller = caller
	return f.finalizeOut, f.finalizeErr
}

func TestUpdateOracleReturnsObservation(t *testing.T) {
	svc := &fakeMaintenanceService{
		oracleOut: domain.OracleUpdate{PriceBps: 6094, WindowSecs: 1860},
	}
	h := NewMaintenanceHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/oracle/update", nil)
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.UpdateOracle(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out domain.OracleUpdate
	decodeBody(t, rec, &out)
	assert.Equal(t, uint64(6094), out.PriceBps)
}

func TestUpdateOracleTooSoonIs409(t *testing.T) {
	svc := &fakeMaintenanceService{
		oracleErr: fmt.Errorf("maintenance_service: update oracle %q: %w", "mkt-1", domain.ErrUpdateTooSoon),
	}
	h := NewMaintenanceHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/oracle/update", nil)
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.UpdateOracle(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRebalanceRequiresCaller(t *testing.T) {
	h := NewMaintenanceHandler(&fakeMaintenanceService{}, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/rebalance", map[string]any{})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Rebalance(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "caller is required")
}

func TestRebalancePassesCaller(t *testing.T) {
	svc := &fakeMaintenanceService{
		rebalanceOut: domain.RebalanceReport{Merged: 300, BudgetUsed: 1100, Bounty: 1},
	}
	h := NewMaintenanceHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/rebalance", map[string]any{
		"caller": "0x00000000000000000000000000000000000000aa",
	})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Rebalance(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, common.HexToAddress("0xaa"), svc.rebalanceCaller)

	var out domain.RebalanceReport
	decodeBody(t, rec, &out)
	assert.Equal(t, uint64(1100), out.BudgetUsed)
	assert.Equal(t, uint64(1), out.Bounty)
}

func TestSettleReturnsReport(t *testing.T) {
	svc := &fakeMaintenanceService{
		settleOut: domain.SettlementReport{BudgetDistributed: 200, Merged: 200},
	}
	h := NewMaintenanceHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/settle", nil)
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Settle(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out domain.SettlementReport
	decodeBody(t, rec, &out)
	assert.Equal(t, uint64(200), out.Merged)
}

func TestFinalizeAcceptsEmptyBody(t *testing.T) {
	svc := &fakeMaintenanceService{
		finalizeOut: domain.SettlementReport{TreasuryPayout: 950},
	}
	h := NewMaintenanceHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/finalize", nil)
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Finalize(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, common.Address{}, svc.finalizeCaller)

	var out domain.SettlementReport
	decodeBody(t, rec, &out)
	assert.Equal(t, uint64(950), out.TreasuryPayout)
}

func TestFinalizeBeforeResolutionIs409(t *testing.T) {
	svc := &fakeMaintenanceService{
		finalizeErr: fmt.Errorf("maintenance_service: finalize %q: %w", "mkt-1", domain.ErrMarketNotResolved),
	}
	h := NewMaintenanceHandler(svc, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/finalize", nil)
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Finalize(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}
