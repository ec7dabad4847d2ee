// Package pool provides the in-process two-sided constant-product pool.
// Reserves are real ledger balances held by the pool's account, so every
// swap conserves tokens end to end. Each pool integrates the YES
// probability over time into a cumulative accumulator, which is the price
// source for the TWAP oracle.
package pool

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/fixedpoint"
)

// FeeResolver supplies the current swap fee for a dynamically-priced pool.
// It is invoked with the pool's pre-swap state while the pool lock is held,
// so implementations must not call back into the pool service.
type FeeResolver func(ctx context.Context, marketID string, st domain.PoolState) (uint64, error)

type poolState struct {
	marketID      string
	feeBps        uint64
	resolver      FeeResolver
	reserveYes    uint64
	reserveNo     uint64
	cumulativeBps uint64
	updatedAt     time.Time
}

// Service implements domain.PoolService for any number of pools.
type Service struct {
	mu     sync.Mutex
	addr   common.Address
	ledger domain.ShareLedger
	pools  map[common.Hash]*poolState
	clock  func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithAddress overrides the pool account address.
func WithAddress(addr common.Address) Option {
	return func(s *Service) { s.addr = addr }
}

// NewService creates a pool service holding reserves on the given ledger.
func NewService(l domain.ShareLedger, opts ...Option) *Service {
	s := &Service{
		addr:   common.HexToAddress("0x0000000000000000000000000000000000009001"),
		ledger: l,
		pools:  make(map[common.Hash]*poolState),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ domain.PoolService = (*Service)(nil)

// Address returns the pool service's ledger account.
func (s *Service) Address() common.Address {
	return s.addr
}

// Create implements domain.PoolService with a flat fee.
func (s *Service) Create(_ context.Context, poolID common.Hash, marketID string, feeBps uint64) error {
	return s.create(poolID, marketID, feeBps, nil)
}

// CreateDynamic registers a pool whose fee is resolved per swap, with a
// fallback flat fee for resolver failures. Used by fee delegates.
func (s *Service) CreateDynamic(poolID common.Hash, marketID string, fallbackFeeBps uint64, resolver FeeResolver) error {
	return s.create(poolID, marketID, fallbackFeeBps, resolver)
}

func (s *Service) create(poolID common.Hash, marketID string, feeBps uint64, resolver FeeResolver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[poolID]; ok {
		return fmt.Errorf("pool: create %s: %w", poolID, domain.ErrAlreadyRegistered)
	}
	if feeBps >= domain.PriceScale {
		return fmt.Errorf("pool: create %s: %w: fee %d bps", poolID, domain.ErrInvalidAmount, feeBps)
	}
	s.pools[poolID] = &poolState{
		marketID:  marketID,
		feeBps:    feeBps,
		resolver:  resolver,
		updatedAt: s.clock(),
	}
	return nil
}

// AddLiquidity implements domain.PoolService. Shares move from the funder
// to the pool account; there is no LP token, bootstrap liquidity stays in
// the pool for the market's lifetime.
func (s *Service) AddLiquidity(ctx context.Context, poolID common.Hash, from common.Address, amountYes, amountNo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[poolID]
	if !ok {
		return fmt.Errorf("pool: add liquidity %s: %w", poolID, domain.ErrNotFound)
	}
	if amountYes == 0 && amountNo == 0 {
		return fmt.Errorf("pool: add liquidity %s: %w", poolID, domain.ErrInvalidAmount)
	}
	if err := s.accumulate(p); err != nil {
		return fmt.Errorf("pool: add liquidity %s: %w", poolID, err)
	}

	yesID := domain.ShareTokenID(p.marketID, domain.SideYes)
	noID := domain.ShareTokenID(p.marketID, domain.SideNo)
	if amountYes > 0 {
		if err := s.ledger.TransferFrom(ctx, s.addr, from, s.addr, yesID, amountYes); err != nil {
			return fmt.Errorf("pool: add liquidity %s: %w", poolID, err)
		}
	}
	if amountNo > 0 {
		if err := s.ledger.TransferFrom(ctx, s.addr, from, s.addr, noID, amountNo); err != nil {
			return fmt.Errorf("pool: add liquidity %s: %w", poolID, err)
		}
	}

	var err error
	if p.reserveYes, err = fixedpoint.Add(p.reserveYes, amountYes); err != nil {
		return fmt.Errorf("pool: add liquidity %s: %w", poolID, err)
	}
	if p.reserveNo, err = fixedpoint.Add(p.reserveNo, amountNo); err != nil {
		return fmt.Errorf("pool: add liquidity %s: %w", poolID, err)
	}
	return nil
}

// SwapExactIn implements domain.PoolService.
func (s *Service) SwapExactIn(ctx context.Context, poolID common.Hash, from common.Address, sideIn domain.Side, amountIn, minOut uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[poolID]
	if !ok {
		return 0, fmt.Errorf("pool: swap %s: %w", poolID, domain.ErrNotFound)
	}
	if amountIn == 0 {
		return 0, fmt.Errorf("pool: swap %s: %w", poolID, domain.ErrInvalidAmount)
	}
	if p.reserveYes == 0 || p.reserveNo == 0 {
		return 0, fmt.Errorf("pool: swap %s: %w", poolID, domain.ErrPoolNotReady)
	}

	fee := p.currentFee(ctx, poolID)
	if fee >= domain.PriceScale {
		return 0, fmt.Errorf("pool: swap %s: %w", poolID, domain.ErrTradingHalted)
	}

	reserveIn, reserveOut := p.reserveYes, p.reserveNo
	if sideIn == domain.SideNo {
		reserveIn, reserveOut = p.reserveNo, p.reserveYes
	}
	out := SwapOut(amountIn, reserveIn, reserveOut, fee)
	if out == 0 {
		return 0, fmt.Errorf("pool: swap %s: %w: zero output", poolID, domain.ErrInvalidAmount)
	}
	if out < minOut {
		return 0, fmt.Errorf("pool: swap %s: %w", poolID, &domain.SlippageError{Got: out, Min: minOut})
	}
	if err := s.accumulate(p); err != nil {
		return 0, fmt.Errorf("pool: swap %s: %w", poolID, err)
	}

	inID := domain.ShareTokenID(p.marketID, sideIn)
	outID := domain.ShareTokenID(p.marketID, sideIn.Opposite())
	if err := s.ledger.TransferFrom(ctx, s.addr, from, s.addr, inID, amountIn); err != nil {
		return 0, fmt.Errorf("pool: swap %s: %w", poolID, err)
	}
	if err := s.ledger.Transfer(ctx, s.addr, from, outID, out); err != nil {
		return 0, fmt.Errorf("pool: swap %s: %w", poolID, err)
	}

	if sideIn == domain.SideYes {
		p.reserveYes, _ = fixedpoint.Add(p.reserveYes, amountIn)
		p.reserveNo -= out
	} else {
		p.reserveNo, _ = fixedpoint.Add(p.reserveNo, amountIn)
		p.reserveYes -= out
	}
	return out, nil
}

// State implements domain.PoolService. The cumulative accumulator is
// brought up to the current instant before reporting.
func (s *Service) State(_ context.Context, poolID common.Hash) (domain.PoolState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[poolID]
	if !ok {
		return domain.PoolState{}, fmt.Errorf("pool: state %s: %w", poolID, domain.ErrNotFound)
	}
	if err := s.accumulate(p); err != nil {
		return domain.PoolState{}, fmt.Errorf("pool: state %s: %w", poolID, err)
	}
	return domain.PoolState{
		PoolID:        poolID,
		ReserveYes:    p.reserveYes,
		ReserveNo:     p.reserveNo,
		CumulativeBps: p.cumulativeBps,
		UpdatedAt:     p.updatedAt,
	}, nil
}

// RecoverResidual implements domain.PoolService: sweeps share balances the
// pool account holds beyond its recorded reserves.
func (s *Service) RecoverResidual(ctx context.Context, poolID common.Hash, to common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[poolID]
	if !ok {
		return 0, fmt.Errorf("pool: recover %s: %w", poolID, domain.ErrNotFound)
	}

	var swept uint64
	for _, side := range []domain.Side{domain.SideYes, domain.SideNo} {
		id := domain.ShareTokenID(p.marketID, side)
		bal, err := s.ledger.BalanceOf(ctx, s.addr, id)
		if err != nil {
			return swept, fmt.Errorf("pool: recover %s: %w", poolID, err)
		}
		reserve := p.reserveYes
		if side == domain.SideNo {
			reserve = p.reserveNo
		}
		if bal <= reserve {
			continue
		}
		dust := bal - reserve
		if err := s.ledger.Transfer(ctx, s.addr, to, id, dust); err != nil {
			return swept, fmt.Errorf("pool: recover %s: %w", poolID, err)
		}
		swept += dust
	}
	return swept, nil
}

func (p *poolState) currentFee(ctx context.Context, poolID common.Hash) uint64 {
	if p.resolver == nil {
		return p.feeBps
	}
	st := domain.PoolState{
		PoolID:        poolID,
		ReserveYes:    p.reserveYes,
		ReserveNo:     p.reserveNo,
		CumulativeBps: p.cumulativeBps,
		UpdatedAt:     p.updatedAt,
	}
	fee, err := p.resolver(ctx, p.marketID, st)
	if err != nil {
		return p.feeBps
	}
	return fee
}

// accumulate folds the elapsed whole seconds at the current spot
// probability into the cumulative accumulator, carrying any sub-second
// remainder forward. Callers hold the service lock.
func (s *Service) accumulate(p *poolState) error {
	now := s.clock()
	elapsed := now.Sub(p.updatedAt)
	if elapsed < time.Second {
		return nil
	}
	elapsedSecs := uint64(elapsed / time.Second)
	if p.reserveYes > 0 && p.reserveNo > 0 {
		spot := SpotProbability(p.reserveYes, p.reserveNo)
		delta, err := fixedpoint.Mul(spot, elapsedSecs)
		if err != nil {
			return err
		}
		if p.cumulativeBps, err = fixedpoint.Add(p.cumulativeBps, delta); err != nil {
			return err
		}
	}
	p.updatedAt = p.updatedAt.Add(time.Duration(elapsedSecs) * time.Second)
	return nil
}

// SpotProbability returns the instantaneous YES probability in basis
// points implied by the reserves: scarce YES means expensive YES.
func SpotProbability(reserveYes, reserveNo uint64) uint64 {
	total, err := fixedpoint.Add(reserveYes, reserveNo)
	if err != nil {
		// Halve both sides; the ratio survives the rescale.
		reserveYes >>= 1
		reserveNo >>= 1
		total = reserveYes + reserveNo
	}
	if total == 0 {
		return 0
	}
	spot, _ := fixedpoint.MulDiv(reserveNo, domain.PriceScale, total)
	return spot
}

// SwapOut returns the constant-product output for an exact input with the
// fee charged on the input side. The product terms exceed 64 bits for
// large reserves, so the division runs on big integers; the result always
// fits because output is bounded by the out-side reserve.
func SwapOut(amountIn, reserveIn, reserveOut, feeBps uint64) uint64 {
	if amountIn == 0 || reserveIn == 0 || reserveOut == 0 || feeBps >= domain.PriceScale {
		return 0
	}
	inFee := new(big.Int).Mul(
		new(big.Int).SetUint64(amountIn),
		new(big.Int).SetUint64(domain.PriceScale-feeBps),
	)
	num := new(big.Int).Mul(inFee, new(big.Int).SetUint64(reserveOut))
	den := new(big.Int).Add(
		new(big.Int).Mul(new(big.Int).SetUint64(reserveIn), big.NewInt(domain.PriceScale)),
		inFee,
	)
	return num.Div(num, den).Uint64()
}
