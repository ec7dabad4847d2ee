package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
)

// Deposit moves amount outcome shares from the owner into the vault's
// custody and mints a proportional LP position for the receiver. Deposits
// are accepted only while the market is open.
func (e *Engine) Deposit(ctx context.Context, owner common.Address, marketID string, side domain.Side, amount uint64, receiver common.Address) (uint64, error) {
	if err := e.enter(); err != nil {
		return 0, fmt.Errorf("engine: deposit %s: %w", marketID, err)
	}
	defer e.exit()

	receiver = orSelf(receiver, owner)
	_, _, err := e.tradableMarket(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("engine: deposit %s: %w", marketID, err)
	}
	w, err := e.vaults.Working(marketID)
	if err != nil {
		return 0, fmt.Errorf("engine: deposit %s: %w", marketID, err)
	}
	minted, err := w.Deposit(side, amount, receiver, e.clock())
	if err != nil {
		return 0, fmt.Errorf("engine: deposit %s: %w", marketID, err)
	}
	shareID := domain.ShareTokenID(marketID, side)
	if err := e.ledger.TransferFrom(ctx, e.addr, owner, e.vaultAcct, shareID, amount); err != nil {
		return 0, fmt.Errorf("engine: deposit %s: %w", marketID, err)
	}
	e.vaults.Commit(w)

	ev := e.newEvent(domain.EventVaultDeposit, marketID)
	ev.Vault = &domain.VaultChange{Account: receiver, Side: side, Assets: amount, Shares: minted}
	e.emit(ctx, ev)
	return minted, nil
}

// Withdraw redeems LP shares for their proportional inventory plus the
// accrued fee reward. Withdrawal stays available after close and after
// resolution, subject to the deposit cooldown.
func (e *Engine) Withdraw(ctx context.Context, owner common.Address, marketID string, side domain.Side, shares uint64, receiver common.Address) (domain.VaultChange, error) {
	if err := e.enter(); err != nil {
		return domain.VaultChange{}, fmt.Errorf("engine: withdraw %s: %w", marketID, err)
	}
	defer e.exit()

	receiver = orSelf(receiver, owner)
	b, err := e.binding(marketID)
	if err != nil {
		return domain.VaultChange{}, fmt.Errorf("engine: withdraw %s: %w", marketID, err)
	}
	if b.Finalized {
		return domain.VaultChange{}, fmt.Errorf("engine: withdraw %s: %w", marketID, domain.ErrMarketFinalized)
	}
	info, err := e.ledger.Market(ctx, marketID)
	if err != nil {
		return domain.VaultChange{}, fmt.Errorf("engine: withdraw %s: %w", marketID, err)
	}
	w, err := e.vaults.Working(marketID)
	if err != nil {
		return domain.VaultChange{}, fmt.Errorf("engine: withdraw %s: %w", marketID, err)
	}
	out, err := w.Withdraw(side, shares, owner, e.clock())
	if err != nil {
		return domain.VaultChange{}, fmt.Errorf("engine: withdraw %s: %w", marketID, err)
	}
	if out.Assets > 0 {
		shareID := domain.ShareTokenID(marketID, side)
		if err := e.ledger.Transfer(ctx, e.vaultAcct, receiver, shareID, out.Assets); err != nil {
			return domain.VaultChange{}, fmt.Errorf("engine: withdraw %s: %w", marketID, err)
		}
	}
	if out.Reward > 0 {
		collateralID := domain.CollateralTokenID(info.Collateral)
		if err := e.ledger.Transfer(ctx, e.vaultAcct, receiver, collateralID, out.Reward); err != nil {
			return domain.VaultChange{}, fmt.Errorf("engine: withdraw %s: %w", marketID, err)
		}
	}
	e.vaults.Commit(w)

	change := domain.VaultChange{Account: owner, Side: side, Assets: out.Assets, Shares: shares, Reward: out.Reward}
	ev := e.newEvent(domain.EventVaultWithdraw, marketID)
	ev.Vault = &change
	e.emit(ctx, ev)
	return change, nil
}

// Harvest pays out the owner's pending fee rewards on both sides without
// touching LP shares. The deposit cooldown applies, closing the late-deposit
// fee-sniping route.
func (e *Engine) Harvest(ctx context.Context, owner common.Address, marketID string, receiver common.Address) (yesReward, noReward uint64, err error) {
	if err := e.enter(); err != nil {
		return 0, 0, fmt.Errorf("engine: harvest %s: %w", marketID, err)
	}
	defer e.exit()

	receiver = orSelf(receiver, owner)
	b, err := e.binding(marketID)
	if err != nil {
		return 0, 0, fmt.Errorf("engine: harvest %s: %w", marketID, err)
	}
	if b.Finalized {
		return 0, 0, fmt.Errorf("engine: harvest %s: %w", marketID, domain.ErrMarketFinalized)
	}
	info, err := e.ledger.Market(ctx, marketID)
	if err != nil {
		return 0, 0, fmt.Errorf("engine: harvest %s: %w", marketID, err)
	}
	w, err := e.vaults.Working(marketID)
	if err != nil {
		return 0, 0, fmt.Errorf("engine: harvest %s: %w", marketID, err)
	}
	out, err := w.Harvest(owner, e.clock())
	if err != nil {
		return 0, 0, fmt.Errorf("engine: harvest %s: %w", marketID, err)
	}
	collateralID := domain.CollateralTokenID(info.Collateral)
	for _, reward := range []uint64{out.Yes, out.No} {
		if reward == 0 {
			continue
		}
		if err := e.ledger.Transfer(ctx, e.vaultAcct, receiver, collateralID, reward); err != nil {
			return 0, 0, fmt.Errorf("engine: harvest %s: %w", marketID, err)
		}
	}
	e.vaults.Commit(w)

	for _, part := range []struct {
		side   domain.Side
		reward uint64
	}{{domain.SideYes, out.Yes}, {domain.SideNo, out.No}} {
		if part.reward == 0 {
			continue
		}
		ev := e.newEvent(domain.EventFeeHarvest, marketID)
		ev.Vault = &domain.VaultChange{Account: owner, Side: part.side, Reward: part.reward}
		e.emit(ctx, ev)
	}
	return out.Yes, out.No, nil
}
