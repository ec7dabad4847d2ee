package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/engine"
)

// DepositRequest carries one LP deposit of outcome shares.
type DepositRequest struct {
	Owner    common.Address
	MarketID string
	Side     domain.Side
	Amount   uint64
	Receiver common.Address
}

// WithdrawRequest carries one LP share redemption.
type WithdrawRequest struct {
	Owner    common.Address
	MarketID string
	Side     domain.Side
	Shares   uint64
	Receiver common.Address
}

// VaultService runs LP operations through the engine and serves the vault
// activity journal.
type VaultService struct {
	eng    *engine.Engine
	events domain.VaultEventStore
	states domain.StateCache
	logger *slog.Logger
}

// NewVaultService creates a VaultService; events and states may be nil.
func NewVaultService(eng *engine.Engine, events domain.VaultEventStore, states domain.StateCache, logger *slog.Logger) *VaultService {
	return &VaultService{
		eng:    eng,
		events: events,
		states: states,
		logger: logger.With(slog.String("component", "vault_service")),
	}
}

// Deposit moves outcome shares into the vault and mints LP shares.
func (s *VaultService) Deposit(ctx context.Context, req DepositRequest) (uint64, error) {
	minted, err := s.eng.Deposit(ctx, req.Owner, req.MarketID, req.Side, req.Amount, req.Receiver)
	if err != nil {
		return 0, fmt.Errorf("vault_service: deposit %q: %w", req.MarketID, err)
	}
	s.invalidateState(ctx, req.MarketID)
	return minted, nil
}

// Withdraw redeems LP shares for inventory plus accrued rewards.
func (s *VaultService) Withdraw(ctx context.Context, req WithdrawRequest) (domain.VaultChange, error) {
	out, err := s.eng.Withdraw(ctx, req.Owner, req.MarketID, req.Side, req.Shares, req.Receiver)
	if err != nil {
		return domain.VaultChange{}, fmt.Errorf("vault_service: withdraw %q: %w", req.MarketID, err)
	}
	s.invalidateState(ctx, req.MarketID)
	return out, nil
}

// Harvest pays out pending fee rewards on both sides without touching LP
// shares.
func (s *VaultService) Harvest(ctx context.Context, owner common.Address, marketID string, receiver common.Address) (yesReward, noReward uint64, err error) {
	yesReward, noReward, err = s.eng.Harvest(ctx, owner, marketID, receiver)
	if err != nil {
		return 0, 0, fmt.Errorf("vault_service: harvest %q: %w", marketID, err)
	}
	s.invalidateState(ctx, marketID)
	return yesReward, noReward, nil
}

// ListByMarket returns the journaled LP activity for a market.
func (s *VaultService) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.VaultChangeRecord, error) {
	if s.events == nil {
		return []domain.VaultChangeRecord{}, nil
	}
	recs, err := s.events.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("vault_service: list by market %q: %w", marketID, err)
	}
	return recs, nil
}

// ListByAccount returns the journaled LP activity for an account.
func (s *VaultService) ListByAccount(ctx context.Context, account common.Address, opts domain.ListOpts) ([]domain.VaultChangeRecord, error) {
	if s.events == nil {
		return []domain.VaultChangeRecord{}, nil
	}
	recs, err := s.events.ListByAccount(ctx, account, opts)
	if err != nil {
		return nil, fmt.Errorf("vault_service: list by account %s: %w", account.Hex(), err)
	}
	return recs, nil
}

func (s *VaultService) invalidateState(ctx context.Context, marketID string) {
	if s.states == nil {
		return
	}
	if err := s.states.Invalidate(ctx, marketID); err != nil {
		s.logger.WarnContext(ctx, "vault_service: state invalidate failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}
