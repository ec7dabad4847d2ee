package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calweber/pmrouter/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSender struct {
	name     string
	titles   []string
	messages []string
	err      error
}

func (f *fakeSender) Send(ctx context.Context, title, message string) error {
	f.titles = append(f.titles, title)
	f.messages = append(f.messages, message)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func TestNotifyFiltersByKind(t *testing.T) {
	s := &fakeSender{name: "test"}
	n := NewNotifier([]Sender{s}, []string{"rebalance", "finalized"}, testLogger)

	require.NoError(t, n.Notify(context.Background(), domain.EventOracleUpdate, "Oracle updated", "skip"))
	require.NoError(t, n.Notify(context.Background(), domain.EventRebalance, "Inventory rebalanced", "keep"))

	require.Len(t, s.titles, 1)
	assert.Equal(t, "Inventory rebalanced", s.titles[0])
}

func TestNotifyEmptyFilterAllowsEverything(t *testing.T) {
	s := &fakeSender{name: "test"}
	n := NewNotifier([]Sender{s}, nil, testLogger)

	require.NoError(t, n.Notify(context.Background(), domain.EventOracleUpdate, "Oracle updated", "keep"))
	assert.Len(t, s.titles, 1)
}

func TestDispatchContinuesPastFailedSender(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger)

	err := n.NotifyAll(context.Background(), "title", "message")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.titles, 1)
}

func TestFormatOTCFill(t *testing.T) {
	ev := domain.Event{
		Kind:     domain.EventOTCFill,
		MarketID: "mkt-1",
		At:       time.Now(),
		Fill: &domain.Fill{
			MarketID:          "mkt-1",
			Trader:            common.HexToAddress("0xaa"),
			Side:              domain.SideYes,
			Direction:         domain.FillBuy,
			Collateral:        50,
			Shares:            80,
			EffectivePriceBps: 6250,
			Principal:         49,
			Spread:            1,
		},
	}

	title, msg, ok := format(ev)
	require.True(t, ok)
	assert.Equal(t, "OTC fill", title)
	assert.Contains(t, msg, "buy 0.000080 yes shares")
	assert.Contains(t, msg, "at 0.6250")
}

func TestFormatSkipsEventWithoutPayload(t *testing.T) {
	_, _, ok := format(domain.Event{Kind: domain.EventRebalance, MarketID: "mkt-1"})
	assert.False(t, ok)
}

func TestFormatRebalanceShortensCaller(t *testing.T) {
	ev := domain.Event{
		Kind:     domain.EventRebalance,
		MarketID: "mkt-1",
		Rebalance: &domain.RebalanceReport{
			Caller:     common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			Merged:     300,
			BudgetUsed: 1100,
			Bounty:     1,
		},
	}

	_, msg, ok := format(ev)
	require.True(t, ok)
	assert.Contains(t, msg, "merged 0.000300 pairs")
	assert.Contains(t, msg, "bounty 0.000001 to 0x0000..")
}
