package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/calweber/pmrouter/internal/domain"
)

const (
	// EventChannel is the pub/sub channel carrying every engine event.
	EventChannel = "events"

	// EventStream is the durable stream the recorder appends events to.
	EventStream = "stream:events"
)

// MarketChannel returns the per-market pub/sub channel name.
func MarketChannel(marketID string) string {
	return "events:" + marketID
}

// Recorder implements domain.EventSink. It journals committed engine events
// into the persistent stores and fans them out on the signal bus so the
// WebSocket hub and notifiers can pick them up. Journal and publish failures
// are logged but never surfaced; the engine operation has already committed
// by the time Emit runs.
type Recorder struct {
	fills       domain.FillStore
	vaultEvents domain.VaultEventStore
	settlements domain.SettlementStore
	bus         domain.SignalBus
	logger      *slog.Logger
}

// NewRecorder creates a Recorder over the journal stores and the signal bus.
// Any dependency may be nil, in which case that output is skipped; the sim
// runs with only the bus, the server with everything.
func NewRecorder(
	fills domain.FillStore,
	vaultEvents domain.VaultEventStore,
	settlements domain.SettlementStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Recorder {
	return &Recorder{
		fills:       fills,
		vaultEvents: vaultEvents,
		settlements: settlements,
		bus:         bus,
		logger:      logger.With(slog.String("component", "recorder")),
	}
}

// Emit journals and publishes one committed engine event.
func (r *Recorder) Emit(ctx context.Context, ev domain.Event) {
	r.journal(ctx, ev)
	r.publish(ctx, ev)
}

func (r *Recorder) journal(ctx context.Context, ev domain.Event) {
	switch ev.Kind {
	case domain.EventOTCFill:
		if r.fills == nil || ev.Fill == nil {
			return
		}
		if err := r.fills.Insert(ctx, *ev.Fill); err != nil {
			r.warn(ctx, ev, "fill insert failed", err)
		}

	case domain.EventVaultDeposit, domain.EventVaultWithdraw, domain.EventFeeHarvest:
		if r.vaultEvents == nil || ev.Vault == nil {
			return
		}
		rec := domain.VaultChangeRecord{
			ID:       ev.ID,
			MarketID: ev.MarketID,
			Kind:     ev.Kind,
			Account:  ev.Vault.Account,
			Side:     ev.Vault.Side,
			Assets:   ev.Vault.Assets,
			Shares:   ev.Vault.Shares,
			Reward:   ev.Vault.Reward,
			At:       ev.At,
		}
		if err := r.vaultEvents.Insert(ctx, rec); err != nil {
			r.warn(ctx, ev, "vault event insert failed", err)
		}

	case domain.EventBudgetSettled, domain.EventRedemption, domain.EventFinalized:
		if r.settlements == nil || ev.Settlement == nil {
			return
		}
		rec := domain.SettlementRecord{
			ID:                ev.ID,
			MarketID:          ev.MarketID,
			Kind:              ev.Kind,
			BudgetDistributed: ev.Settlement.BudgetDistributed,
			Merged:            ev.Settlement.Merged,
			Redeemed:          ev.Settlement.Redeemed,
			TreasuryPayout:    ev.Settlement.TreasuryPayout,
			At:                ev.At,
		}
		if err := r.settlements.Insert(ctx, rec); err != nil {
			r.warn(ctx, ev, "settlement insert failed", err)
		}
	}
}

func (r *Recorder) publish(ctx context.Context, ev domain.Event) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		r.warn(ctx, ev, "event marshal failed", err)
		return
	}
	if err := r.bus.Publish(ctx, EventChannel, payload); err != nil {
		r.warn(ctx, ev, "event publish failed", err)
	}
	if err := r.bus.Publish(ctx, MarketChannel(ev.MarketID), payload); err != nil {
		r.warn(ctx, ev, "market channel publish failed", err)
	}
	if err := r.bus.StreamAppend(ctx, EventStream, payload); err != nil {
		r.warn(ctx, ev, "stream append failed", err)
	}
}

func (r *Recorder) warn(ctx context.Context, ev domain.Event, msg string, err error) {
	r.logger.WarnContext(ctx, "recorder: "+msg,
		slog.String("event_id", ev.ID),
		slog.String("kind", string(ev.Kind)),
		slog.String("market_id", ev.MarketID),
		slog.String("error", err.Error()),
	)
}

// FanOut returns an EventSink that forwards each event to every sink in
// order. Nil entries are skipped.
func FanOut(sinks ...domain.EventSink) domain.EventSink {
	return domain.EventSinkFunc(func(ctx context.Context, ev domain.Event) {
		for _, s := range sinks {
			if s == nil {
				continue
			}
			s.Emit(ctx, ev)
		}
	})
}

// Compile-time interface check.
var _ domain.EventSink = (*Recorder)(nil)
