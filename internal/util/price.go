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

// FloorToLot rounds x down to the nearest lot boundary.
// Used for sizing satellite buys: with lot=100, 523.40 becomes 500.
func FloorToLot(x, lot float64) float64 {
	if lot <= 0 {
		return x
	}
	return math.Floor(x/lot) * lot
}
