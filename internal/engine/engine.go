// Package engine implements the liquidity-bootstrapping and routing engine
// for binary outcome markets. Each public operation is one atomic unit of
// work: preconditions are validated and the full execution plan computed
// against current state before any mutation, vault changes ride on working
// copies committed at the end, and a single mutex serializes all entry
// points. The engine custodies funds only within a call; persistent custody
// belongs to the vault account and the external pool and ledger services.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/pool"
	"github.com/calweber/pmrouter/internal/pricing"
	"github.com/calweber/pmrouter/internal/twap"
	"github.com/calweber/pmrouter/internal/vault"
)

// Config holds the engine's routing policy. Spread, cooldown, and oracle
// policy live in the pricing, vault, and twap configs respectively.
type Config struct {
	// MaxDeviationBps gates OTC fills and rebalancing on the absolute
	// spot-vs-oracle probability gap.
	MaxDeviationBps uint64
	// DefaultFeeBps substitutes for a failing fee delegate.
	DefaultFeeBps uint64
	// DefaultCloseWindow substitutes for a failing or absent delegate.
	DefaultCloseWindow time.Duration
	// MintImbalanceRatioMax bounds the post-mint abundant/scarce inventory
	// ratio when the mint fallback lands on the abundant side.
	MintImbalanceRatioMax uint64
	// RebalanceBountyBps is the caller incentive paid from budget spent.
	RebalanceBountyBps uint64
}

// Defaults returns the production routing policy.
func Defaults() Config {
	return Config{
		MaxDeviationBps:       500,
		DefaultFeeBps:         30,
		DefaultCloseWindow:    time.Hour,
		MintImbalanceRatioMax: 2,
		RebalanceBountyBps:    10,
	}
}

// FlowRecorder is optionally implemented by fee delegates that track
// one-sided pool flow; completed pool swaps are reported to it.
type FlowRecorder interface {
	RecordFlow(marketID string, sideIn domain.Side, amountIn uint64)
}

// Engine routes trades across vault OTC inventory, the constant-product
// pool, and direct minting, and owns the market lifecycle from bootstrap to
// finalization.
type Engine struct {
	cfg       Config
	addr      common.Address
	vaultAcct common.Address
	treasury  common.Address

	ledger   domain.ShareLedger
	pools    domain.PoolService
	delegate domain.FeeDelegate
	oracle   *twap.Tracker
	vaults   *vault.Book
	model    *pricing.Model
	sink     domain.EventSink
	logger   *slog.Logger
	clock    func() time.Time

	mu       sync.Mutex
	entered  atomic.Bool
	bindings map[string]*domain.CanonicalBinding
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the parent logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSink sets the event sink.
func WithSink(sink domain.EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithDelegate sets the fee/impact delegate used by delegated bindings.
func WithDelegate(d domain.FeeDelegate) Option {
	return func(e *Engine) { e.delegate = d }
}

// WithTreasury sets the finalization payout address.
func WithTreasury(addr common.Address) Option {
	return func(e *Engine) { e.treasury = addr }
}

// WithAddress overrides the engine's transient custody account.
func WithAddress(addr common.Address) Option {
	return func(e *Engine) { e.addr = addr }
}

// WithVaultAddress overrides the vault custody account.
func WithVaultAddress(addr common.Address) Option {
	return func(e *Engine) { e.vaultAcct = addr }
}

// New creates an Engine over the given collaborators.
func New(cfg Config, l domain.ShareLedger, p domain.PoolService, oracle *twap.Tracker, vaults *vault.Book, model *pricing.Model, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		addr:      common.HexToAddress("0x000000000000000000000000000000000000e493"),
		vaultAcct: common.HexToAddress("0x000000000000000000000000000000000000b417"),
		treasury:  common.HexToAddress("0x0000000000000000000000000000000000007e35"),
		ledger:    l,
		pools:     p,
		oracle:    oracle,
		vaults:    vaults,
		model:     model,
		logger:    slog.Default(),
		clock:     time.Now,
		bindings:  make(map[string]*domain.CanonicalBinding),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "engine"))
	return e
}

// Address returns the engine's transient custody account. Traders approve it
// as a ledger operator so operations can pull their funds.
func (e *Engine) Address() common.Address {
	return e.addr
}

// VaultAddress returns the account holding vault inventory, accrued LP fees,
// and the rebalance budget.
func (e *Engine) VaultAddress() common.Address {
	return e.vaultAcct
}

// enter serializes the operation and arms the re-entrancy flag. The flag
// catches service callbacks that dispatch back into a mutating entry point.
func (e *Engine) enter() error {
	e.mu.Lock()
	if !e.entered.CompareAndSwap(false, true) {
		e.mu.Unlock()
		return domain.ErrReentrancy
	}
	return nil
}

func (e *Engine) exit() {
	e.entered.Store(false)
	e.mu.Unlock()
}

// emit publishes one event. Called after the operation's state has
// committed; sinks must not call back into the engine.
func (e *Engine) emit(ctx context.Context, ev domain.Event) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(ctx, ev)
}

func (e *Engine) newEvent(kind domain.EventKind, marketID string) domain.Event {
	return domain.Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		MarketID: marketID,
		At:       e.clock(),
	}
}

// binding returns the market's canonical binding. Callers hold the lock.
func (e *Engine) binding(marketID string) (*domain.CanonicalBinding, error) {
	b, ok := e.bindings[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", domain.ErrMarketNotRegistered, marketID)
	}
	return b, nil
}

// feeFor resolves the current swap fee, substituting the default on delegate
// failure.
func (e *Engine) feeFor(ctx context.Context, b *domain.CanonicalBinding) uint64 {
	if !b.Fee.HasDelegate() || e.delegate == nil {
		return b.Fee.FlatFeeBps
	}
	fee, err := e.delegate.CurrentFeeBps(ctx, b.MarketID)
	if err != nil {
		return e.cfg.DefaultFeeBps
	}
	return fee
}

// closeWindowFor resolves the mint/OTC lockout window before close.
func (e *Engine) closeWindowFor(ctx context.Context, b *domain.CanonicalBinding) time.Duration {
	if !b.Fee.HasDelegate() || e.delegate == nil {
		return e.cfg.DefaultCloseWindow
	}
	w, err := e.delegate.CloseWindow(ctx, b.MarketID)
	if err != nil {
		return e.cfg.DefaultCloseWindow
	}
	return w
}

// impactCapFor resolves the pool-leg price-impact cap; zero disables it.
func (e *Engine) impactCapFor(ctx context.Context, b *domain.CanonicalBinding) uint64 {
	if !b.Fee.HasDelegate() || e.delegate == nil {
		return 0
	}
	limit, err := e.delegate.MaxPriceImpactBps(ctx, b.MarketID)
	if err != nil {
		return 0
	}
	return limit
}

// oraclePrice returns the TWAP YES probability, or zero when unavailable.
func (e *Engine) oraclePrice(marketID string, st domain.PoolState) uint64 {
	return e.oracle.Price(marketID, st)
}

// withinDeviation reports whether the pool's spot probability sits inside
// the allowed band around the oracle price.
func (e *Engine) withinDeviation(st domain.PoolState, oracleBps uint64) bool {
	if oracleBps == 0 {
		return false
	}
	spot := pool.SpotProbability(st.ReserveYes, st.ReserveNo)
	var diff uint64
	if spot > oracleBps {
		diff = spot - oracleBps
	} else {
		diff = oracleBps - spot
	}
	return diff <= e.cfg.MaxDeviationBps
}

// fairPrice converts the oracle's YES probability into the fair price of
// one side.
func fairPrice(side domain.Side, oracleYesBps uint64) uint64 {
	if side == domain.SideYes {
		return oracleYesBps
	}
	return domain.PriceScale - oracleYesBps
}

// orSelf substitutes the fallback for a zero recipient.
func orSelf(recipient, fallback common.Address) common.Address {
	if recipient == (common.Address{}) {
		return fallback
	}
	return recipient
}

// checkDeadline rejects expired deadlines; the zero time means none.
func (e *Engine) checkDeadline(deadline time.Time) error {
	if !deadline.IsZero() && e.clock().After(deadline) {
		return domain.ErrDeadlineExpired
	}
	return nil
}

// tradableMarket loads and validates a market for trading: bound, not
// finalized, not resolved, not closed.
func (e *Engine) tradableMarket(ctx context.Context, marketID string) (*domain.CanonicalBinding, domain.MarketInfo, error) {
	b, err := e.binding(marketID)
	if err != nil {
		return nil, domain.MarketInfo{}, err
	}
	if b.Finalized {
		return nil, domain.MarketInfo{}, domain.ErrMarketFinalized
	}
	info, err := e.ledger.Market(ctx, marketID)
	if err != nil {
		return nil, domain.MarketInfo{}, err
	}
	if info.Resolved {
		return nil, domain.MarketInfo{}, domain.ErrMarketResolved
	}
	if !e.clock().Before(info.CloseTime) {
		return nil, domain.MarketInfo{}, domain.ErrMarketClosed
	}
	return b, info, nil
}

// MarketState is the composite read model served by the API layer.
type MarketState struct {
	Binding        domain.CanonicalBinding `json:"binding"`
	Market         domain.MarketInfo       `json:"market"`
	Pool           domain.PoolState        `json:"pool"`
	Vault          domain.VaultSnapshot    `json:"vault"`
	OraclePriceBps uint64                  `json:"oracle_price_bps"`
	SpotBps        uint64                  `json:"spot_bps"`
	FeeBps         uint64                  `json:"fee_bps"`
}

// Binding returns the market's canonical binding.
func (e *Engine) Binding(marketID string) (domain.CanonicalBinding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.binding(marketID)
	if err != nil {
		return domain.CanonicalBinding{}, fmt.Errorf("engine: binding %s: %w", marketID, err)
	}
	return *b, nil
}

// MarketIDs lists the markets bootstrapped through this engine.
func (e *Engine) MarketIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.bindings))
	for id := range e.bindings {
		ids = append(ids, id)
	}
	return ids
}

// State assembles the full market read model.
func (e *Engine) State(ctx context.Context, marketID string) (MarketState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.binding(marketID)
	if err != nil {
		return MarketState{}, fmt.Errorf("engine: state %s: %w", marketID, err)
	}
	info, err := e.ledger.Market(ctx, marketID)
	if err != nil {
		return MarketState{}, fmt.Errorf("engine: state %s: %w", marketID, err)
	}
	st, err := e.pools.State(ctx, b.PoolID)
	if err != nil {
		return MarketState{}, fmt.Errorf("engine: state %s: %w", marketID, err)
	}
	vs, err := e.vaults.Snapshot(marketID)
	if err != nil {
		return MarketState{}, fmt.Errorf("engine: state %s: %w", marketID, err)
	}
	return MarketState{
		Binding:        *b,
		Market:         info,
		Pool:           st,
		Vault:          vs,
		OraclePriceBps: e.oraclePrice(marketID, st),
		SpotBps:        pool.SpotProbability(st.ReserveYes, st.ReserveNo),
		FeeBps:         e.feeFor(ctx, b),
	}, nil
}

// Position returns an account's vault position with accrued pending fees.
func (e *Engine) Position(marketID string, owner common.Address) (domain.UserPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.vaults.Position(marketID, owner)
	if err != nil {
		return domain.UserPosition{}, fmt.Errorf("engine: position %s: %w", marketID, err)
	}
	return pos, nil
}

// OracleState returns the market's raw oracle observations.
func (e *Engine) OracleState(marketID string) (twap.Observations, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obs, err := e.oracle.Snapshot(marketID)
	if err != nil {
		return twap.Observations{}, fmt.Errorf("engine: oracle state %s: %w", marketID, err)
	}
	return obs, nil
}
