package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/engine"
)

// Registrar is the administrative plane of the share ledger: creating
// markets and recording resolutions. The engine itself never does either.
type Registrar interface {
	RegisterMarket(ctx context.Context, info domain.MarketInfo) error
	Resolve(ctx context.Context, marketID string, winner domain.Side) error
}

// BootstrapRequest carries everything needed to register a market and seed
// its pool in one call. MarketID is set from the route path, not the body.
type BootstrapRequest struct {
	MarketID          string         `json:"-"`
	Question          string         `json:"question"`
	Funder            common.Address `json:"funder"`
	Collateral        uint64         `json:"collateral"`
	CloseTime         time.Time      `json:"close_time"`
	Resolver          common.Address `json:"resolver"`
	EarlyCloseAllowed bool           `json:"early_close_allowed"`
	FlatFeeBps        uint64         `json:"flat_fee_bps"`
	DynamicFee        bool           `json:"dynamic_fee"`
}

// MarketService owns the market lifecycle on the observational plane:
// bootstrap, resolution, and the cached read model. Engine memory stays
// authoritative; the store rows it writes serve the API and restarts.
type MarketService struct {
	eng       *engine.Engine
	registrar Registrar
	markets   domain.MarketStore
	states    domain.StateCache
	audit     domain.AuditStore
	logger    *slog.Logger

	collateralAsset common.Address
	delegateAddr    common.Address
	defaultFeeBps   uint64
}

// NewMarketService creates a MarketService. delegateAddr is the fee hook's
// address, or zero when dynamic fees are disabled; states and audit may be
// nil.
func NewMarketService(
	eng *engine.Engine,
	registrar Registrar,
	markets domain.MarketStore,
	states domain.StateCache,
	audit domain.AuditStore,
	collateralAsset common.Address,
	delegateAddr common.Address,
	defaultFeeBps uint64,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		eng:             eng,
		registrar:       registrar,
		markets:         markets,
		states:          states,
		audit:           audit,
		logger:          logger.With(slog.String("component", "market_service")),
		collateralAsset: collateralAsset,
		delegateAddr:    delegateAddr,
		defaultFeeBps:   defaultFeeBps,
	}
}

// Bootstrap registers the market with the ledger, seeds its pool through the
// engine, and journals the binding. Re-running after a failed attempt is
// safe: an existing ledger registration is tolerated, an existing binding is
// not.
func (s *MarketService) Bootstrap(ctx context.Context, req BootstrapRequest) (domain.BootstrapReport, error) {
	info := domain.MarketInfo{
		ID:                req.MarketID,
		Question:          req.Question,
		Collateral:        s.collateralAsset,
		Resolver:          req.Resolver,
		CloseTime:         req.CloseTime,
		EarlyCloseAllowed: req.EarlyCloseAllowed,
	}
	if err := s.registrar.RegisterMarket(ctx, info); err != nil && !errors.Is(err, domain.ErrAlreadyRegistered) {
		return domain.BootstrapReport{}, fmt.Errorf("market_service: register %q: %w", req.MarketID, err)
	}

	fee := domain.FeeConfig{FlatFeeBps: req.FlatFeeBps}
	if fee.FlatFeeBps == 0 {
		fee.FlatFeeBps = s.defaultFeeBps
	}
	if req.DynamicFee {
		fee.Delegate = s.delegateAddr
	}

	rep, err := s.eng.Bootstrap(ctx, req.Funder, req.MarketID, req.Collateral, fee)
	if err != nil {
		return domain.BootstrapReport{}, fmt.Errorf("market_service: bootstrap %q: %w", req.MarketID, err)
	}

	s.journalBinding(ctx, req, rep, fee)
	s.auditLog(ctx, "market_bootstrapped", map[string]any{
		"market_id":  req.MarketID,
		"funder":     req.Funder.Hex(),
		"collateral": req.Collateral,
		"fee_bps":    fee.FlatFeeBps,
		"delegated":  rep.Delegated,
	})

	s.logger.InfoContext(ctx, "market_service: bootstrapped",
		slog.String("market_id", req.MarketID),
		slog.Uint64("collateral", req.Collateral),
		slog.Bool("delegated", rep.Delegated),
	)
	return rep, nil
}

// journalBinding upserts the market row. Store failures are logged, not
// surfaced: the binding committed in the engine and must not appear to have
// failed.
func (s *MarketService) journalBinding(ctx context.Context, req BootstrapRequest, rep domain.BootstrapReport, fee domain.FeeConfig) {
	if s.markets == nil {
		return
	}
	boundAt := time.Now().UTC()
	if b, err := s.eng.Binding(req.MarketID); err == nil {
		boundAt = b.BoundAt
	}
	rec := domain.MarketRecord{
		MarketID:   req.MarketID,
		Question:   req.Question,
		PoolID:     rep.PoolID,
		Collateral: s.collateralAsset,
		FlatFeeBps: fee.FlatFeeBps,
		Delegate:   fee.Delegate,
		Status:     domain.MarketStatusActive,
		CloseTime:  req.CloseTime,
		BoundAt:    boundAt,
		UpdatedAt:  boundAt,
	}
	if err := s.markets.Upsert(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "market_service: binding journal failed",
			slog.String("market_id", req.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

// Resolve records the winning side with the ledger and moves the journal row
// to resolved. Only the ledger acceptance is load-bearing.
func (s *MarketService) Resolve(ctx context.Context, marketID string, winner domain.Side) error {
	if err := s.registrar.Resolve(ctx, marketID, winner); err != nil {
		return fmt.Errorf("market_service: resolve %q: %w", marketID, err)
	}
	s.setStatus(ctx, marketID, domain.MarketStatusResolved)
	s.auditLog(ctx, "market_resolved", map[string]any{
		"market_id": marketID,
		"winner":    winner.String(),
	})
	s.invalidateState(ctx, marketID)
	return nil
}

// State returns the serialized market read model, checking the cache first
// and falling back to the engine on a miss.
func (s *MarketService) State(ctx context.Context, marketID string) (json.RawMessage, error) {
	if s.states != nil {
		if data, err := s.states.GetState(ctx, marketID); err == nil {
			return data, nil
		}
	}

	st, err := s.eng.State(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("market_service: state %q: %w", marketID, err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("market_service: state %q: %w", marketID, err)
	}

	if s.states != nil {
		if cacheErr := s.states.SetState(ctx, marketID, data); cacheErr != nil {
			s.logger.WarnContext(ctx, "market_service: state cache set failed",
				slog.String("market_id", marketID),
				slog.String("error", cacheErr.Error()),
			)
		}
	}
	return data, nil
}

// Position returns an account's vault position with pending rewards.
func (s *MarketService) Position(ctx context.Context, marketID string, account common.Address) (domain.UserPosition, error) {
	pos, err := s.eng.Position(marketID, account)
	if err != nil {
		return domain.UserPosition{}, fmt.Errorf("market_service: position %q: %w", marketID, err)
	}
	return pos, nil
}

// List returns journaled market bindings with the total count.
func (s *MarketService) List(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, int64, error) {
	if s.markets == nil {
		return nil, 0, fmt.Errorf("market_service: list: %w", domain.ErrNotFound)
	}
	recs, err := s.markets.List(ctx, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("market_service: list: %w", err)
	}
	total, err := s.markets.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("market_service: count: %w", err)
	}
	return recs, total, nil
}

func (s *MarketService) setStatus(ctx context.Context, marketID string, status domain.MarketStatus) {
	if s.markets == nil {
		return
	}
	if err := s.markets.SetStatus(ctx, marketID, status); err != nil {
		s.logger.WarnContext(ctx, "market_service: status update failed",
			slog.String("market_id", marketID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) invalidateState(ctx context.Context, marketID string) {
	if s.states == nil {
		return
	}
	if err := s.states.Invalidate(ctx, marketID); err != nil {
		s.logger.WarnContext(ctx, "market_service: state invalidate failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "market_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
