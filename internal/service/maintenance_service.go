package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/engine"
)

// MaintenanceService drives the permissionless upkeep operations: oracle
// refresh, rebalancing, budget settlement, and finalization. Both the admin
// API and the keeper go through here so journaling and cache upkeep happen
// exactly once per action.
type MaintenanceService struct {
	eng     *engine.Engine
	markets domain.MarketStore
	prices  domain.PriceCache
	states  domain.StateCache
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewMaintenanceService creates a MaintenanceService; every dependency but
// the engine may be nil.
func NewMaintenanceService(
	eng *engine.Engine,
	markets domain.MarketStore,
	prices domain.PriceCache,
	states domain.StateCache,
	audit domain.AuditStore,
	logger *slog.Logger,
) *MaintenanceService {
	return &MaintenanceService{
		eng:     eng,
		markets: markets,
		prices:  prices,
		states:  states,
		audit:   audit,
		logger:  logger.With(slog.String("component", "maintenance_service")),
	}
}

// UpdateOracle records a TWAP observation and refreshes the price cache.
func (s *MaintenanceService) UpdateOracle(ctx context.Context, marketID string) (domain.OracleUpdate, error) {
	upd, err := s.eng.UpdateOracle(ctx, marketID)
	if err != nil {
		return domain.OracleUpdate{}, fmt.Errorf("maintenance_service: oracle update %q: %w", marketID, err)
	}
	s.cachePrice(ctx, marketID)
	s.invalidateState(ctx, marketID)
	return upd, nil
}

// Rebalance merges surplus inventory and buys back the scarce side.
func (s *MaintenanceService) Rebalance(ctx context.Context, caller common.Address, marketID string) (domain.RebalanceReport, error) {
	rep, err := s.eng.Rebalance(ctx, caller, marketID)
	if err != nil {
		return domain.RebalanceReport{}, fmt.Errorf("maintenance_service: rebalance %q: %w", marketID, err)
	}
	s.invalidateState(ctx, marketID)
	s.auditLog(ctx, "market_rebalanced", map[string]any{
		"market_id":     marketID,
		"caller":        caller.Hex(),
		"merged":        rep.Merged,
		"budget_used":   rep.BudgetUsed,
		"bought_side":   rep.BoughtSide.String(),
		"bought_shares": rep.BoughtShares,
	})
	return rep, nil
}

// SettleBudget converts leftover vault inventory and distributes the
// rebalance budget to LPs, and moves the journal row to closed for markets
// that reached their close time unresolved.
func (s *MaintenanceService) SettleBudget(ctx context.Context, marketID string) (domain.SettlementReport, error) {
	rep, err := s.eng.SettleBudget(ctx, marketID)
	if err != nil {
		return domain.SettlementReport{}, fmt.Errorf("maintenance_service: settle %q: %w", marketID, err)
	}
	s.invalidateState(ctx, marketID)
	s.markClosed(ctx, marketID)
	s.auditLog(ctx, "budget_settled", map[string]any{
		"market_id":          marketID,
		"merged":             rep.Merged,
		"budget_distributed": rep.BudgetDistributed,
	})
	return rep, nil
}

// Finalize redeems residual winning shares, pays the treasury, and retires
// the market.
func (s *MaintenanceService) Finalize(ctx context.Context, caller common.Address, marketID string) (domain.SettlementReport, error) {
	rep, err := s.eng.Finalize(ctx, caller, marketID)
	if err != nil {
		return domain.SettlementReport{}, fmt.Errorf("maintenance_service: finalize %q: %w", marketID, err)
	}
	s.invalidateState(ctx, marketID)
	s.setStatus(ctx, marketID, domain.MarketStatusFinalized)
	s.auditLog(ctx, "market_finalized", map[string]any{
		"market_id":       marketID,
		"caller":          caller.Hex(),
		"redeemed":        rep.Redeemed,
		"treasury_payout": rep.TreasuryPayout,
	})
	return rep, nil
}

// cachePrice snapshots the market's oracle and spot price after an accepted
// observation. Cache failures never fail the update.
func (s *MaintenanceService) cachePrice(ctx context.Context, marketID string) {
	if s.prices == nil {
		return
	}
	st, err := s.eng.State(ctx, marketID)
	if err != nil {
		s.logger.WarnContext(ctx, "maintenance_service: state read for price cache failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		return
	}
	pt := domain.PricePoint{
		OracleBps: st.OraclePriceBps,
		SpotBps:   st.SpotBps,
		At:        time.Now().UTC(),
	}
	if err := s.prices.SetPrice(ctx, marketID, pt); err != nil {
		s.logger.WarnContext(ctx, "maintenance_service: price cache set failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

// markClosed moves an active market's journal row to closed. Resolved and
// finalized rows are left alone: settlement also runs on early-resolved
// markets whose rows already carry the later status.
func (s *MaintenanceService) markClosed(ctx context.Context, marketID string) {
	if s.markets == nil {
		return
	}
	rec, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "maintenance_service: market lookup failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if rec.Status != domain.MarketStatusActive {
		return
	}
	s.setStatus(ctx, marketID, domain.MarketStatusClosed)
}

func (s *MaintenanceService) setStatus(ctx context.Context, marketID string, status domain.MarketStatus) {
	if s.markets == nil {
		return
	}
	if err := s.markets.SetStatus(ctx, marketID, status); err != nil {
		s.logger.WarnContext(ctx, "maintenance_service: status update failed",
			slog.String("market_id", marketID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MaintenanceService) invalidateState(ctx context.Context, marketID string) {
	if s.states == nil {
		return
	}
	if err := s.states.Invalidate(ctx, marketID); err != nil {
		s.logger.WarnContext(ctx, "maintenance_service: state invalidate failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MaintenanceService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "maintenance_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
