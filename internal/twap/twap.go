// Package twap derives a manipulation-resistant probability estimate from a
// pool's cumulative-price accumulator. Each market keeps two observations:
// while the newest is younger than the minimum interval, prices come from
// the closed obs0-obs1 window, which defeats update-then-trade
// manipulation; afterwards the window obs1-now only grows longer, and with
// it the cost of moving the average.
package twap

import (
	"fmt"
	"sync"
	"time"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/fixedpoint"
	"github.com/calweber/pmrouter/internal/pool"
)

// Observation is one timestamped cumulative-price sample.
type Observation struct {
	Timestamp  time.Time `json:"timestamp"`
	Cumulative uint64    `json:"cumulative"`
}

// Observations is the read model of one market's oracle state.
type Observations struct {
	Obs0        Observation `json:"obs0"`
	Obs1        Observation `json:"obs1"`
	CachedPrice uint64      `json:"cached_price"`
}

type marketOracle struct {
	obs0        Observation
	obs1        Observation
	cachedAt    time.Time
	cachedPrice uint64
}

// Config holds oracle policy.
type Config struct {
	// MinInterval is the shortest accepted distance between observations.
	MinInterval time.Duration
}

// Defaults returns the production oracle policy.
func Defaults() Config {
	return Config{MinInterval: 30 * time.Minute}
}

// Tracker maintains per-market observations. It never reads the pool
// itself; callers pass the pool snapshot they already hold.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	markets map[string]*marketOracle
	clock   func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// New creates an empty Tracker.
func New(cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:     cfg,
		markets: make(map[string]*marketOracle),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize captures the pool's current cumulative price and sets both
// observations to it. The oracle reports unavailable until the first
// accepted update widens the window.
func (t *Tracker) Initialize(marketID string, st domain.PoolState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.markets[marketID]; ok {
		return fmt.Errorf("twap: initialize %s: %w", marketID, domain.ErrAlreadyRegistered)
	}
	now := t.clock()
	cum, err := counterfactual(st, now)
	if err != nil {
		return fmt.Errorf("twap: initialize %s: %w", marketID, err)
	}
	obs := Observation{Timestamp: now, Cumulative: cum}
	t.markets[marketID] = &marketOracle{obs0: obs, obs1: obs}
	return nil
}

// Update shifts the observation pair forward. It is permissionless and
// rejected while the minimum interval since obs1 has not elapsed, or when
// the pool's cumulative cannot be extended to the present.
func (t *Tracker) Update(marketID string, st domain.PoolState) (domain.OracleUpdate, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.markets[marketID]
	if !ok {
		return domain.OracleUpdate{}, fmt.Errorf("twap: update %s: %w", marketID, domain.ErrMarketNotRegistered)
	}
	now := t.clock()
	if now.Sub(m.obs1.Timestamp) < t.cfg.MinInterval {
		return domain.OracleUpdate{}, fmt.Errorf("twap: update %s: %w", marketID, domain.ErrUpdateTooSoon)
	}
	cum, err := counterfactual(st, now)
	if err != nil {
		return domain.OracleUpdate{}, fmt.Errorf("twap: update %s: %w", marketID, err)
	}
	if cum < m.obs1.Cumulative {
		return domain.OracleUpdate{}, fmt.Errorf("twap: update %s: cumulative regressed: %w", marketID, domain.ErrOracleUnavailable)
	}

	m.obs0 = m.obs1
	m.obs1 = Observation{Timestamp: now, Cumulative: cum}

	window := uint64(m.obs1.Timestamp.Sub(m.obs0.Timestamp) / time.Second)
	price := windowPrice(m.obs0, m.obs1)
	m.cachedAt = now
	m.cachedPrice = price

	return domain.OracleUpdate{PriceBps: price, Cumulative: cum, WindowSecs: window}, nil
}

// Price returns the market's probability in basis points, clamped to
// 1-9999, or 0 when unavailable. Stale-but-valid observations are not an
// error: an idle market's window only grows more manipulation-resistant.
func (t *Tracker) Price(marketID string, st domain.PoolState) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.markets[marketID]
	if !ok {
		return 0
	}
	now := t.clock()
	if !m.cachedAt.IsZero() && m.cachedAt.Unix() == now.Unix() {
		return m.cachedPrice
	}

	if now.Sub(m.obs1.Timestamp) < t.cfg.MinInterval {
		return windowPrice(m.obs0, m.obs1)
	}

	cum, err := counterfactual(st, now)
	if err != nil || cum < m.obs1.Cumulative {
		return 0
	}
	return windowPrice(m.obs1, Observation{Timestamp: now, Cumulative: cum})
}

// Snapshot returns a copy of the market's observations.
func (t *Tracker) Snapshot(marketID string) (Observations, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.markets[marketID]
	if !ok {
		return Observations{}, fmt.Errorf("twap: snapshot %s: %w", marketID, domain.ErrMarketNotRegistered)
	}
	return Observations{Obs0: m.obs0, Obs1: m.obs1, CachedPrice: m.cachedPrice}, nil
}

// Drop forgets a market's observations after finalization.
func (t *Tracker) Drop(marketID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.markets, marketID)
}

// windowPrice averages the cumulative delta over the window, clamped into
// the valid 1-9999 range. A zero-width window is unavailable.
func windowPrice(older, newer Observation) uint64 {
	secs := uint64(newer.Timestamp.Sub(older.Timestamp) / time.Second)
	if secs == 0 || newer.Cumulative < older.Cumulative {
		return 0
	}
	p := (newer.Cumulative - older.Cumulative) / secs
	if p < 1 {
		return 1
	}
	if p > domain.PriceScale-1 {
		return domain.PriceScale - 1
	}
	return p
}

// counterfactual extends the pool's stored cumulative to the present at
// the instantaneous spot price, rejecting on multiplication wrap instead
// of silently truncating.
func counterfactual(st domain.PoolState, now time.Time) (uint64, error) {
	if !now.After(st.UpdatedAt) {
		return st.CumulativeBps, nil
	}
	elapsed := uint64(now.Sub(st.UpdatedAt) / time.Second)
	if elapsed == 0 || !st.Ready() {
		return st.CumulativeBps, nil
	}
	spot := pool.SpotProbability(st.ReserveYes, st.ReserveNo)
	delta, err := fixedpoint.Mul(spot, elapsed)
	if err != nil {
		return 0, fmt.Errorf("extending cumulative: %w", err)
	}
	cum, err := fixedpoint.Add(st.CumulativeBps, delta)
	if err != nil {
		return 0, fmt.Errorf("extending cumulative: %w", err)
	}
	return cum, nil
}
