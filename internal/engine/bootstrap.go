package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
)

// Bootstrap binds a ledger market to exactly one pool and seeds it. The
// funder's collateral is split 1:1 into both sides and deposited as the
// pool's permanent liquidity, the oracle is initialized on the fresh
// accumulator, and the vault starts empty. A market can be bound at most
// once; with a delegated fee config the delegate derives and creates the
// pool and the returned identity is cross-checked against the local
// derivation.
func (e *Engine) Bootstrap(ctx context.Context, funder common.Address, marketID string, collateral uint64, fee domain.FeeConfig) (domain.BootstrapReport, error) {
	if err := e.enter(); err != nil {
		return domain.BootstrapReport{}, fmt.Errorf("engine: bootstrap %s: %w", marketID, err)
	}
	defer e.exit()

	report, err := e.bootstrapLocked(ctx, funder, marketID, collateral, fee)
	if err != nil {
		return domain.BootstrapReport{}, fmt.Errorf("engine: bootstrap %s: %w", marketID, err)
	}

	ev := e.newEvent(domain.EventBootstrap, marketID)
	ev.Bootstrap = &report
	e.emit(ctx, ev)
	return report, nil
}

func (e *Engine) bootstrapLocked(ctx context.Context, funder common.Address, marketID string, collateral uint64, fee domain.FeeConfig) (domain.BootstrapReport, error) {
	if collateral == 0 {
		return domain.BootstrapReport{}, domain.ErrInvalidAmount
	}
	if _, ok := e.bindings[marketID]; ok {
		return domain.BootstrapReport{}, domain.ErrAlreadyRegistered
	}
	info, err := e.ledger.Market(ctx, marketID)
	if err != nil {
		return domain.BootstrapReport{}, err
	}
	if info.Resolved {
		return domain.BootstrapReport{}, domain.ErrMarketResolved
	}
	now := e.clock()
	if !info.CloseTime.After(now) {
		return domain.BootstrapReport{}, domain.ErrInvalidCloseTime
	}
	if fee.HasDelegate() && e.delegate == nil {
		return domain.BootstrapReport{}, fmt.Errorf("%w: no delegate configured", domain.ErrPoolMismatch)
	}

	derived := domain.DerivePoolID(marketID, e.ledger.Address(), info.Collateral, fee)
	poolID := derived
	feeBps := fee.FlatFeeBps
	if fee.HasDelegate() {
		// The delegate owns pool creation for its markets; its derivation
		// must agree with ours or the binding is misconfigured.
		registered, err := e.delegate.RegisterMarket(ctx, marketID)
		if err != nil {
			return domain.BootstrapReport{}, err
		}
		if registered != derived {
			return domain.BootstrapReport{}, fmt.Errorf("%w: delegate pool %s, derived %s", domain.ErrPoolMismatch, registered, derived)
		}
		if fbps, err := e.delegate.CurrentFeeBps(ctx, marketID); err == nil {
			feeBps = fbps
		} else {
			feeBps = e.cfg.DefaultFeeBps
		}
	} else {
		if feeBps >= domain.PriceScale {
			return domain.BootstrapReport{}, fmt.Errorf("%w: flat fee %d bps", domain.ErrInvalidAmount, feeBps)
		}
		if err := e.pools.Create(ctx, poolID, marketID, feeBps); err != nil {
			return domain.BootstrapReport{}, err
		}
	}

	// The pool pulls from the engine's custody on AddLiquidity and swaps.
	if err := e.ledger.SetApproval(ctx, e.addr, e.pools.Address(), true); err != nil {
		return domain.BootstrapReport{}, err
	}

	collateralID := domain.CollateralTokenID(info.Collateral)
	if err := e.ledger.TransferFrom(ctx, e.addr, funder, e.addr, collateralID, collateral); err != nil {
		return domain.BootstrapReport{}, err
	}
	if err := e.ledger.Split(ctx, e.addr, marketID, collateral); err != nil {
		return domain.BootstrapReport{}, err
	}
	if err := e.pools.AddLiquidity(ctx, poolID, e.addr, collateral, collateral); err != nil {
		return domain.BootstrapReport{}, err
	}

	st, err := e.pools.State(ctx, poolID)
	if err != nil {
		return domain.BootstrapReport{}, err
	}
	if err := e.oracle.Initialize(marketID, st); err != nil {
		return domain.BootstrapReport{}, err
	}
	if err := e.vaults.Register(marketID, info.CloseTime); err != nil {
		return domain.BootstrapReport{}, err
	}

	e.bindings[marketID] = &domain.CanonicalBinding{
		MarketID: marketID,
		PoolID:   poolID,
		Fee:      fee,
		BoundAt:  now,
	}
	e.logger.Info("market bootstrapped",
		slog.String("market_id", marketID),
		slog.String("pool_id", poolID.Hex()),
		slog.Uint64("collateral", collateral),
		slog.Uint64("fee_bps", feeBps),
		slog.Bool("delegated", fee.HasDelegate()))

	return domain.BootstrapReport{
		Funder:     funder,
		PoolID:     poolID,
		Collateral: collateral,
		FeeBps:     feeBps,
		Delegated:  fee.HasDelegate(),
	}, nil
}

// UpdateOracle shifts the market's TWAP observation pair forward. It is
// permissionless; callers before the minimum interval are rejected.
func (e *Engine) UpdateOracle(ctx context.Context, marketID string) (domain.OracleUpdate, error) {
	if err := e.enter(); err != nil {
		return domain.OracleUpdate{}, fmt.Errorf("engine: oracle update %s: %w", marketID, err)
	}
	defer e.exit()

	b, err := e.binding(marketID)
	if err != nil {
		return domain.OracleUpdate{}, fmt.Errorf("engine: oracle update %s: %w", marketID, err)
	}
	st, err := e.pools.State(ctx, b.PoolID)
	if err != nil {
		return domain.OracleUpdate{}, fmt.Errorf("engine: oracle update %s: %w", marketID, err)
	}
	upd, err := e.oracle.Update(marketID, st)
	if err != nil {
		return domain.OracleUpdate{}, fmt.Errorf("engine: oracle update %s: %w", marketID, err)
	}

	ev := e.newEvent(domain.EventOracleUpdate, marketID)
	ev.Oracle = &upd
	e.emit(ctx, ev)
	return upd, nil
}
