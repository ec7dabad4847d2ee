package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// CollateralDecimals is the precision of collateral and share base units.
const CollateralDecimals = 6

// PriceScale converts between basis points and unit probability.
const PriceScale = 10_000

// FormatAmount renders base units as a decimal string, e.g. 1_500_000 ->
// "1.5".
func FormatAmount(units uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -CollateralDecimals).String()
}

// FormatBpsPrice renders a basis-point probability as a unit price, e.g.
// 6000 -> "0.6".
func FormatBpsPrice(bps uint64) string {
	return decimal.New(int64(bps), -4).String()
}

// FormatBpsPercent renders basis points as a percentage, e.g. 150 -> "1.5%".
func FormatBpsPercent(bps uint64) string {
	return decimal.New(int64(bps), -2).String() + "%"
}
