package handler

import (
	"context"
	"fmt"
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

type fakeVaultService struct {
	depositReq  service.DepositRequest
	minted      uint64
	depositErr  error
	withdrawReq service.WithdrawRequest
	withdrawOut domain.VaultChange
	withdrawErr error

	harvestOwner    common.Address
	harvestReceiver common.Address
	yesReward       uint64
	noReward        uint64
	harvestErr      error

	marketEvents  []domain.VaultChangeRecord
	accountEvents []domain.VaultChangeRecord
}

func (f *fakeVaultService) Deposit(ctx context.Context, req service.DepositRequest) (uint64, error) {
	f.depositReq = req
	return f.minted, f.depositErr
}

func (f *fakeVaultService) Withdraw(ctx context.Context, req service.WithdrawRequest) (domain.VaultChange, error) {
	f.withdrawReq = req
	return f.withdrawOut, f.withdrawErr
}

func (f *fakeVaultService) Harvest(ctx context.Context, owner common.Address, marketID string, receiver common.Address) (uint64, uint64, error) {
	f.harvestOwner = owner
	f.harvestReceiver = receiver
	return f.yesReward, f.noReward, f.harvestErr
}

func (f *fakeVaultService) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.VaultChangeRecord, error) {
	return f.marketEvents, nil
}

func (f *fakeVaultService) ListByAccount(ctx context.Context, account common.Address, opts domain.ListOpts) ([]domain.VaultChangeRecord, error) {
	return f.accountEvents, nil
}

type fakePositionReader struct {
	pos domain.UserPosition
	err error
}

func (f *fakePositionReader) Position(ctx context.Context, marketID string, account common.Address) (domain.UserPosition, error) {
	return f.pos, f.err
}

func TestDepositReturnsMinted(t *testing.T) {
	svc := &fakeVaultService{minted: 300}
	h := NewVaultHandler(svc, &fakePositionReader{}, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/deposit", map[string]any{
		"owner":  "0x000000000000000000000000000000000000001b",
		"side":   "yes",
		"amount": 300,
	})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Deposit(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mkt-1", svc.depositReq.MarketID)
	assert.Equal(t, domain.SideYes, svc.depositReq.Side)

	var body struct {
		Minted uint64 `json:"minted"`
		Side   string `json:"side"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, uint64(300), body.Minted)
	assert.Equal(t, "yes", body.Side)
}

func TestDepositRejectsBadSide(t *testing.T) {
	h := NewVaultHandler(&fakeVaultService{}, &fakePositionReader{}, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/deposit", map[string]any{
		"owner":  "0x000000000000000000000000000000000000001b",
		"side":   "maybe",
		"amount": 300,
	})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Deposit(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdrawCooldownIs409(t *testing.T) {
	svc := &fakeVaultService{
		withdrawErr: fmt.Errorf("vault_service: withdraw: %w", &domain.CooldownError{Remaining: 6 * time.Hour}),
	}
	h := NewVaultHandler(svc, &fakePositionReader{}, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/withdraw", map[string]any{
		"owner":  "0x000000000000000000000000000000000000001b",
		"side":   "yes",
		"shares": 100,
	})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Withdraw(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "cooldown")
}

func TestWithdrawReturnsChange(t *testing.T) {
	svc := &fakeVaultService{
		withdrawOut: domain.VaultChange{
			Account: common.HexToAddress("0x1b"),
			Side:    domain.SideNo,
			Assets:  100,
			Shares:  100,
			Reward:  5,
		},
	}
	h := NewVaultHandler(svc, &fakePositionReader{}, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/withdraw", map[string]any{
		"owner":  "0x000000000000000000000000000000000000001b",
		"side":   "no",
		"shares": 100,
	})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Withdraw(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body domain.VaultChange
	decodeBody(t, rec, &body)
	assert.Equal(t, uint64(100), body.Assets)
	assert.Equal(t, uint64(5), body.Reward)
}

func TestHarvestDefaultsReceiverToOwner(t *testing.T) {
	svc := &fakeVaultService{yesReward: 48}
	h := NewVaultHandler(svc, &fakePositionReader{}, testLogger)

	req := newRequest(t, http.MethodPost, "/api/markets/mkt-1/harvest", map[string]any{
		"owner": "0x000000000000000000000000000000000000001b",
	})
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.Harvest(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, svc.harvestOwner, svc.harvestReceiver)

	var body struct {
		YesReward uint64 `json:"yes_reward"`
		NoReward  uint64 `json:"no_reward"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, uint64(48), body.YesReward)
	assert.Zero(t, body.NoReward)
}

func TestGetPositionReadsPathParams(t *testing.T) {
	reader := &fakePositionReader{
		pos: domain.UserPosition{
			MarketID:  "mkt-1",
			Account:   common.HexToAddress("0x1b"),
			YesShares: 300,
			NoShares:  500,
		},
	}
	h := NewVaultHandler(&fakeVaultService{}, reader, testLogger)

	req := newRequest(t, http.MethodGet, "/api/markets/mkt-1/positions/0x000000000000000000000000000000000000001b", nil)
	req.SetPathValue("id", "mkt-1")
	req.SetPathValue("account", "0x000000000000000000000000000000000000001b")
	rec := httptest.NewRecorder()
	h.GetPosition(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var pos domain.UserPosition
	decodeBody(t, rec, &pos)
	assert.Equal(t, uint64(300), pos.YesShares)
	assert.Equal(t, uint64(500), pos.NoShares)
}

func TestGetPositionRejectsBadAccount(t *testing.T) {
	h := NewVaultHandler(&fakeVaultService{}, &fakePositionReader{}, testLogger)

	req := newRequest(t, http.MethodGet, "/api/markets/mkt-1/positions/nope", nil)
	req.SetPathValue("id", "mkt-1")
	req.SetPathValue("account", "nope")
	rec := httptest.NewRecorder()
	h.GetPosition(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListActivitySwitchesOnAccountParam(t *testing.T) {
	svc := &fakeVaultService{
		marketEvents:  []domain.VaultChangeRecord{{ID: "m-1"}},
		accountEvents: []domain.VaultChangeRecord{{ID: "a-1"}, {ID: "a-2"}},
	}
	h := NewVaultHandler(svc, &fakePositionReader{}, testLogger)

	req := newRequest(t, http.MethodGet, "/api/markets/mkt-1/vault/activity", nil)
	req.SetPathValue("id", "mkt-1")
	rec := httptest.NewRecorder()
	h.ListActivity(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "m-1")

	req = newRequest(t, http.MethodGet, "/api/markets/mkt-1/vault/activity?account=0x000000000000000000000000000000000000001b", nil)
	req.SetPathValue("id", "mkt-1")
	rec = httptest.NewRecorder()
	h.ListActivity(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "a-2")
}
