// Package util provides common utility functions for price calculations.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// CentTick is the minimum price increment used for SPXW limit prices.
const CentTick = 0.01

// usable reports whether x and tick can be converted to decimals.
func usable(x, tick float64) bool {
	return tick != 0 && !math.IsNaN(x) && !math.IsInf(x, 0) && !math.IsNaN(tick) && !math.IsInf(tick, 0)
}

// toTick applies op to x measured in ticks. A negative tick is treated as
// its absolute value.
func toTick(x, tick float64, op func(decimal.Decimal) decimal.Decimal) float64 {
	if !usable(x, tick) {
		return x
	}
	t := decimal.NewFromFloat(math.Abs(tick))
	f, _ := op(decimal.NewFromFloat(x).Div(t)).Mul(t).Float64()
	return f
}

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.01, 1.235 becomes 1.24.
func RoundToTick(x, tick float64) float64 {
	return toTick(x, tick, func(d decimal.Decimal) decimal.Decimal { return d.Round(0) })
}

// FloorToTick rounds x down to the previous tick increment.
func FloorToTick(x, tick float64) float64 {
	return toTick(x, tick, decimal.Decimal.Floor)
}

// DollarCost returns price × qty × multiplier rounded to cents.
func DollarCost(price float64, qty int, multiplier float64) float64 {
	if !usable(price, multiplier) {
		return 0
	}
	f, _ := decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(int64(qty))).
		Mul(decimal.NewFromFloat(multiplier)).
		Round(2).
		Float64()
	return f
}
