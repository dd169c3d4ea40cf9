package ticks

import "math"

// Prices on Polymarket live on a 1/1000 grid between $0.001 and $0.999.
// Everything inside the engine speaks integer ticks so that averaging,
// ordering and threshold checks stay exact. Floats only exist at the
// API boundary.

const (
	Min = 1
	Max = 999

	// Grid is the tick denominator: price = tick / Grid.
	Grid = 1000
)

// Clamp saturates t into the valid [Min, Max] range.
func Clamp(t int) int {
	if t < Min {
		return Min
	}
	if t > Max {
		return Max
	}
	return t
}

// ToTick converts a decimal price to its tick. Truncation, not rounding:
// 0.4449 → 444. NaN collapses to Min so a bad upstream value can never
// poison an average.
func ToTick(price float64) int {
	if math.IsNaN(price) {
		return Min
	}
	return Clamp(int(math.Floor(price * Grid)))
}

// FromTick converts a tick back to its decimal price.
func FromTick(t int) float64 {
	return float64(Clamp(t)) / Grid
}

// SlippageAdjust moves a base tick by floor(base*slippage) in the adverse
// direction: up for buys, down for sells.
func SlippageAdjust(base int, slippage float64, isBuy bool) int {
	delta := int(math.Floor(float64(base) * slippage))
	if isBuy {
		return Clamp(base + delta)
	}
	return Clamp(base - delta)
}
