// Package util provides common utility functions for price calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Floor(x/tick) * tick
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Ceil(x/tick) * tick
}

// RoundToStrike rounds a raw price to the nearest listed strike increment.
// Equity index options typically list in $1 or $5 increments.
func RoundToStrike(price, increment float64) float64 {
	if increment <= 0 {
		increment = 1.0
	}
	return math.Round(price/increment) * increment
}
