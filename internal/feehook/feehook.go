// Package feehook provides the default dynamic fee/impact delegate. The
// swap fee decays from a bootstrap maximum to a floor over the market's
// first days, then rises with pool skew (quadratically) and one-sided
// recent flow (linearly), capped overall. The hook owns pool creation for
// the markets registered with it, mirroring how a hooked pool is
// initialized by its hook.
package feehook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/fixedpoint"
	"github.com/calweber/pmrouter/internal/pool"
)

// Config holds the fee-curve policy parameters.
type Config struct {
	MinFeeBps         uint64
	MaxFeeBps         uint64
	BootstrapWindow   time.Duration
	MaxSkewFeeBps     uint64
	SkewReferenceBps  uint64
	AsymmetricFeeBps  uint64
	FeeCapBps         uint64
	MaxPriceImpactBps uint64
	CloseWindow       time.Duration
	FlowHalfLife      time.Duration
}

// Defaults returns the production fee curve.
func Defaults() Config {
	return Config{
		MinFeeBps:         10,
		MaxFeeBps:         75,
		BootstrapWindow:   48 * time.Hour,
		MaxSkewFeeBps:     80,
		SkewReferenceBps:  4000,
		AsymmetricFeeBps:  20,
		FeeCapBps:         300,
		MaxPriceImpactBps: 1200,
		CloseWindow:       time.Hour,
		FlowHalfLife:      time.Hour,
	}
}

type hookMarket struct {
	poolID       common.Hash
	registeredAt time.Time
	flowYes      uint64
	flowNo       uint64
	flowDecayed  time.Time
}

// Hook implements domain.FeeDelegate.
type Hook struct {
	mu      sync.Mutex
	cfg     Config
	addr    common.Address
	ledger  domain.ShareLedger
	pools   *pool.Service
	markets map[string]*hookMarket
	clock   func() time.Time
}

// Option configures a Hook.
type Option func(*Hook)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(h *Hook) { h.clock = clock }
}

// WithAddress overrides the hook's delegate identity.
func WithAddress(addr common.Address) Option {
	return func(h *Hook) { h.addr = addr }
}

// New creates a Hook that builds its pools on the given pool service.
func New(cfg Config, l domain.ShareLedger, pools *pool.Service, opts ...Option) *Hook {
	h := &Hook{
		cfg:     cfg,
		addr:    common.HexToAddress("0x000000000000000000000000000000000000f00c"),
		ledger:  l,
		pools:   pools,
		markets: make(map[string]*hookMarket),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ domain.FeeDelegate = (*Hook)(nil)

// Address returns the hook's delegate identity for binding configuration.
func (h *Hook) Address() common.Address {
	return h.addr
}

// RegisterMarket implements domain.FeeDelegate: derives the pool identity,
// creates the dynamically-priced pool, and returns the ID for the caller to
// cross-check.
func (h *Hook) RegisterMarket(ctx context.Context, marketID string) (common.Hash, error) {
	info, err := h.ledger.Market(ctx, marketID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("feehook: register %s: %w", marketID, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.markets[marketID]; ok {
		return common.Hash{}, fmt.Errorf("feehook: register %s: %w", marketID, domain.ErrAlreadyRegistered)
	}

	fee := domain.FeeConfig{Delegate: h.addr}
	poolID := domain.DerivePoolID(marketID, h.ledger.Address(), info.Collateral, fee)
	resolver := func(ctx context.Context, marketID string, st domain.PoolState) (uint64, error) {
		return h.feeForState(marketID, st)
	}
	if err := h.pools.CreateDynamic(poolID, marketID, h.cfg.MinFeeBps, resolver); err != nil {
		return common.Hash{}, fmt.Errorf("feehook: register %s: %w", marketID, err)
	}

	now := h.clock()
	h.markets[marketID] = &hookMarket{
		poolID:       poolID,
		registeredAt: now,
		flowDecayed:  now,
	}
	return poolID, nil
}

// CurrentFeeBps implements domain.FeeDelegate. The hook lock is released
// before the pool-state read so the lock order is always pool before hook.
func (h *Hook) CurrentFeeBps(ctx context.Context, marketID string) (uint64, error) {
	h.mu.Lock()
	m, ok := h.markets[marketID]
	if !ok {
		h.mu.Unlock()
		return 0, fmt.Errorf("feehook: fee %s: %w", marketID, domain.ErrMarketNotRegistered)
	}
	poolID := m.poolID
	h.mu.Unlock()

	st, err := h.pools.State(ctx, poolID)
	if err != nil {
		st = domain.PoolState{}
	}
	return h.feeForState(marketID, st)
}

// feeForState computes the fee against a caller-supplied pool snapshot. It
// never calls into the pool service, so it is safe as a swap-time resolver.
func (h *Hook) feeForState(marketID string, st domain.PoolState) (uint64, error) {
	h.mu.Lock()
	m, ok := h.markets[marketID]
	if !ok {
		h.mu.Unlock()
		return 0, fmt.Errorf("feehook: fee %s: %w", marketID, domain.ErrMarketNotRegistered)
	}
	h.decayFlow(m)
	flowYes, flowNo := m.flowYes, m.flowNo
	registeredAt := m.registeredAt
	h.mu.Unlock()

	fee := h.bootstrapFee(h.clock().Sub(registeredAt))
	if st.Ready() {
		fee += h.skewFee(pool.SpotProbability(st.ReserveYes, st.ReserveNo))
	}
	fee += h.asymmetryFee(flowYes, flowNo)

	if fee > h.cfg.FeeCapBps {
		fee = h.cfg.FeeCapBps
	}
	return fee, nil
}

// CloseWindow implements domain.FeeDelegate.
func (h *Hook) CloseWindow(_ context.Context, marketID string) (time.Duration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.markets[marketID]; !ok {
		return 0, fmt.Errorf("feehook: close window %s: %w", marketID, domain.ErrMarketNotRegistered)
	}
	return h.cfg.CloseWindow, nil
}

// MaxPriceImpactBps implements domain.FeeDelegate.
func (h *Hook) MaxPriceImpactBps(_ context.Context, marketID string) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.markets[marketID]; !ok {
		return 0, fmt.Errorf("feehook: impact cap %s: %w", marketID, domain.ErrMarketNotRegistered)
	}
	return h.cfg.MaxPriceImpactBps, nil
}

// RecordFlow feeds a completed pool swap into the asymmetric-flow tracker.
// Unregistered markets are ignored.
func (h *Hook) RecordFlow(marketID string, sideIn domain.Side, amountIn uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.markets[marketID]
	if !ok {
		return
	}
	h.decayFlow(m)
	if sideIn == domain.SideYes {
		m.flowYes, _ = fixedpoint.Add(m.flowYes, amountIn)
	} else {
		m.flowNo, _ = fixedpoint.Add(m.flowNo, amountIn)
	}
}

// bootstrapFee decays linearly from MaxFeeBps to MinFeeBps over the
// bootstrap window.
func (h *Hook) bootstrapFee(age time.Duration) uint64 {
	if age >= h.cfg.BootstrapWindow || h.cfg.BootstrapWindow <= 0 {
		return h.cfg.MinFeeBps
	}
	if age < 0 {
		age = 0
	}
	span := h.cfg.MaxFeeBps - h.cfg.MinFeeBps
	discount, err := fixedpoint.MulDiv(span, uint64(age), uint64(h.cfg.BootstrapWindow))
	if err != nil {
		return h.cfg.MinFeeBps
	}
	return h.cfg.MaxFeeBps - discount
}

// skewFee grows quadratically with the pool's distance from even odds,
// saturating at the skew reference.
func (h *Hook) skewFee(spotBps uint64) uint64 {
	var skew uint64
	if spotBps > 5000 {
		skew = spotBps - 5000
	} else {
		skew = 5000 - spotBps
	}
	if skew > h.cfg.SkewReferenceBps {
		skew = h.cfg.SkewReferenceBps
	}
	ref := h.cfg.SkewReferenceBps
	if ref == 0 {
		return 0
	}
	sq, err := fixedpoint.MulDiv(skew, skew, ref)
	if err != nil {
		return h.cfg.MaxSkewFeeBps
	}
	fee, err := fixedpoint.MulDiv(h.cfg.MaxSkewFeeBps, sq, ref)
	if err != nil {
		return h.cfg.MaxSkewFeeBps
	}
	return fee
}

// asymmetryFee grows linearly with the one-sidedness of recent pool flow.
func (h *Hook) asymmetryFee(flowYes, flowNo uint64) uint64 {
	total, err := fixedpoint.Add(flowYes, flowNo)
	if err != nil {
		flowYes >>= 1
		flowNo >>= 1
		total = flowYes + flowNo
	}
	if total == 0 {
		return 0
	}
	var diff uint64
	if flowYes > flowNo {
		diff = flowYes - flowNo
	} else {
		diff = flowNo - flowYes
	}
	fee, err := fixedpoint.MulDiv(h.cfg.AsymmetricFeeBps, diff, total)
	if err != nil {
		return h.cfg.AsymmetricFeeBps
	}
	return fee
}

// decayFlow halves the flow counters once per elapsed half-life. Callers
// hold the lock.
func (h *Hook) decayFlow(m *hookMarket) {
	if h.cfg.FlowHalfLife <= 0 {
		return
	}
	now := h.clock()
	for now.Sub(m.flowDecayed) >= h.cfg.FlowHalfLife {
		m.flowYes /= 2
		m.flowNo /= 2
		m.flowDecayed = m.flowDecayed.Add(h.cfg.FlowHalfLife)
		if m.flowYes == 0 && m.flowNo == 0 {
			m.flowDecayed = now
			break
		}
	}
}
