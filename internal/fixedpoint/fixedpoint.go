// Package fixedpoint provides overflow-checked integer arithmetic for
// amounts in 6-decimal base units and prices in basis points. Products are
// computed in a 128-bit intermediate so multiply-then-divide never wraps
// silently; every failure mode is an explicit error.
package fixedpoint

import (
	"errors"
	"math/bits"
)

var (
	// ErrOverflow is returned when a result does not fit in uint64.
	ErrOverflow = errors.New("fixedpoint: overflow")
	// ErrDivisionByZero is returned for a zero divisor.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
)

// MulDiv returns floor(a*b/div). The product a*b is held in 128 bits, so the
// only overflow case is a quotient exceeding uint64.
func MulDiv(a, b, div uint64) (uint64, error) {
	if div == 0 {
		return 0, ErrDivisionByZero
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= div {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, div)
	return q, nil
}

// MulDivCeil returns ceil(a*b/div) with the same overflow discipline as
// MulDiv.
func MulDivCeil(a, b, div uint64) (uint64, error) {
	if div == 0 {
		return 0, ErrDivisionByZero
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= div {
		return 0, ErrOverflow
	}
	q, r := bits.Div64(hi, lo, div)
	if r == 0 {
		return q, nil
	}
	if q == ^uint64(0) {
		return 0, ErrOverflow
	}
	return q + 1, nil
}

// Add returns a+b, failing on wraparound.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b, failing on underflow.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// Mul returns a*b, failing when the product needs more than 64 bits.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}
