package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Validation.
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidSide        = errors.New("invalid side")
	ErrInvalidCloseTime   = errors.New("invalid close time")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrInsufficientFunds  = errors.New("insufficient funds")

	// Timing.
	ErrDeadlineExpired = errors.New("deadline expired")
	ErrUpdateTooSoon   = errors.New("oracle update too soon")
	ErrMarketClosed    = errors.New("market closed")
	ErrMarketNotClosed = errors.New("market not closed")
	ErrPoolNotReady    = errors.New("pool reserves not ready")

	// State.
	ErrMarketNotRegistered = errors.New("market not registered")
	ErrAlreadyRegistered   = errors.New("market already registered")
	ErrMarketResolved      = errors.New("market resolved")
	ErrMarketNotResolved   = errors.New("market not resolved")
	ErrMarketFinalized     = errors.New("market finalized")
	ErrVaultStateCorrupt   = errors.New("vault shares and inventory out of sync")
	ErrActiveLPs           = errors.New("vault LP shares still circulating")

	// Computation.
	ErrOracleUnavailable = errors.New("oracle price unavailable")
	ErrPriceDeviation    = errors.New("spot price deviates from oracle")
	ErrPoolMismatch      = errors.New("derived pool id mismatch")

	// Shares and bounds.
	ErrZeroShares    = errors.New("zero shares")
	ErrInventoryCap  = errors.New("vault inventory cap exceeded")
	ErrTradingHalted = errors.New("trading halted")
	ErrReentrancy    = errors.New("reentrant call")

	// Infrastructure.
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrLockHeld     = errors.New("lock already held")
)

// CooldownError reports a withdrawal or harvest attempted before the
// deposit cooldown has elapsed.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown active: %s remaining", e.Remaining)
}

// Is lets errors.Is match any CooldownError regardless of the remaining
// time.
func (e *CooldownError) Is(target error) bool {
	_, ok := target.(*CooldownError)
	return ok
}

// SlippageError reports an execution whose total output fell below the
// caller's minimum.
type SlippageError struct {
	Got uint64
	Min uint64
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("slippage: output %d below minimum %d", e.Got, e.Min)
}

func (e *SlippageError) Is(target error) bool {
	_, ok := target.(*SlippageError)
	return ok
}
