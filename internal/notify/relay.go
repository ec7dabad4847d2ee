package notify

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/calweber/pmrouter/internal/domain"
)

// Relay adapts the engine's event sink to the Notifier. Each committed event
// is formatted into a short human-readable alert; delivery runs detached from
// the request context because senders block on outbound HTTP.
type Relay struct {
	notifier *Notifier
	logger   *slog.Logger
}

// NewRelay creates a Relay that formats engine events for the given
// Notifier.
func NewRelay(notifier *Notifier, logger *slog.Logger) *Relay {
	return &Relay{
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_relay")),
	}
}

// Emit implements domain.EventSink.
func (r *Relay) Emit(ctx context.Context, ev domain.Event) {
	title, message, ok := format(ev)
	if !ok {
		return
	}
	go func() {
		// The emitting operation has committed; a cancelled request must
		// not drop the alert.
		_ = r.notifier.Notify(context.WithoutCancel(ctx), ev.Kind, title, message)
	}()
}

// format renders one event into a title and message. Events with no payload
// for their kind are skipped.
func format(ev domain.Event) (title, message string, ok bool) {
	switch ev.Kind {
	case domain.EventBootstrap:
		if ev.Bootstrap == nil {
			return "", "", false
		}
		return "Market bootstrapped", fmt.Sprintf("%s: %s collateral seeded at %d bps fee by %s",
			ev.MarketID, amount(ev.Bootstrap.Collateral), ev.Bootstrap.FeeBps, shortAddr(ev.Bootstrap.Funder)), true

	case domain.EventOTCFill:
		if ev.Fill == nil {
			return "", "", false
		}
		return "OTC fill", fmt.Sprintf("%s: %s %s %s shares at %s (spread %s)",
			ev.MarketID, ev.Fill.Direction, amount(ev.Fill.Shares), ev.Fill.Side,
			price(ev.Fill.EffectivePriceBps), amount(ev.Fill.Spread)), true

	case domain.EventVaultDeposit:
		if ev.Vault == nil {
			return "", "", false
		}
		return "LP deposit", fmt.Sprintf("%s: %s %s shares from %s, minted %s",
			ev.MarketID, amount(ev.Vault.Assets), ev.Vault.Side, shortAddr(ev.Vault.Account), amount(ev.Vault.Shares)), true

	case domain.EventVaultWithdraw:
		if ev.Vault == nil {
			return "", "", false
		}
		return "LP withdrawal", fmt.Sprintf("%s: %s %s shares to %s, reward %s",
			ev.MarketID, amount(ev.Vault.Assets), ev.Vault.Side, shortAddr(ev.Vault.Account), amount(ev.Vault.Reward)), true

	case domain.EventFeeHarvest:
		if ev.Vault == nil {
			return "", "", false
		}
		return "Fees harvested", fmt.Sprintf("%s: %s %s to %s",
			ev.MarketID, amount(ev.Vault.Reward), ev.Vault.Side, shortAddr(ev.Vault.Account)), true

	case domain.EventOracleUpdate:
		if ev.Oracle == nil {
			return "", "", false
		}
		return "Oracle updated", fmt.Sprintf("%s: TWAP %s over %ds",
			ev.MarketID, price(ev.Oracle.PriceBps), ev.Oracle.WindowSecs), true

	case domain.EventRebalance:
		if ev.Rebalance == nil {
			return "", "", false
		}
		return "Inventory rebalanced", fmt.Sprintf("%s: merged %s pairs, budget used %s, bounty %s to %s",
			ev.MarketID, amount(ev.Rebalance.Merged), amount(ev.Rebalance.BudgetUsed),
			amount(ev.Rebalance.Bounty), shortAddr(ev.Rebalance.Caller)), true

	case domain.EventBudgetSettled:
		if ev.Settlement == nil {
			return "", "", false
		}
		return "Budget settled", fmt.Sprintf("%s: merged %s pairs, distributed %s",
			ev.MarketID, amount(ev.Settlement.Merged), amount(ev.Settlement.BudgetDistributed)), true

	case domain.EventRedemption:
		if ev.Settlement == nil {
			return "", "", false
		}
		return "Inventory redeemed", fmt.Sprintf("%s: redeemed %s winning shares",
			ev.MarketID, amount(ev.Settlement.Redeemed)), true

	case domain.EventFinalized:
		if ev.Settlement == nil {
			return "", "", false
		}
		return "Market finalized", fmt.Sprintf("%s: treasury payout %s",
			ev.MarketID, amount(ev.Settlement.TreasuryPayout)), true
	}

	return "", "", false
}

// amount renders base units of the 6-decimal collateral asset.
func amount(v uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -6).StringFixed(6)
}

// price renders a basis-point price as a probability.
func price(bps uint64) string {
	return decimal.New(int64(bps), -4).StringFixed(4)
}

func shortAddr(a common.Address) string {
	hex := a.Hex()
	return hex[:6] + ".." + hex[len(hex)-4:]
}

// Compile-time interface check.
var _ domain.EventSink = (*Relay)(nil)
