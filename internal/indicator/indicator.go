// Package indicator computes technical indicators over bar sequences and
// memoizes the full indicator superset per (symbol, bar count, last close).
//
// Every indicator is incremental: it receives bars one at a time through
// Update and exposes its latest value. Compute runs the whole superset in a
// single pass over the bars; Cache guarantees that pass happens once per key.
package indicator

import (
	"errors"
	"math"

	"tradesignals/internal/model"
)

// MinLookback is the smallest bar count the cache will compute for.
// It covers the longest base window (EMA 26, the MACD slow leg).
const MinLookback = 26

// ErrInsufficientData is returned when fewer than MinLookback bars are given.
var ErrInsufficientData = errors.New("insufficient data")

// Indicator is the interface for all single-output technical indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "SMA", "EMA").
	Name() string

	// Update feeds a new bar and recalculates.
	Update(bar model.Bar)

	// Value returns the current calculated value. Returns 0 if not enough data.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool
}

// finite reports whether v is usable in a comparison.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ratio divides a by b, returning NaN for a zero or non-finite denominator.
func ratio(a, b float64) float64 {
	if b == 0 || !finite(a) || !finite(b) {
		return math.NaN()
	}
	return a / b
}
