// Package mathx holds rounding helpers for quantizing frequencies and sample counts.
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Halves round away from zero.
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// RoundEven rounds x to the nearest multiple of unit, with halves going to
// the even multiple
func RoundEven(x, unit float64) float64 {
	return math.RoundToEven(x/unit) * unit
}

// QuantizeCount rounds n to the nearest multiple of step (ties to even) and
// floors the result at min.  The second return is true when the floor was applied.
func QuantizeCount(n float64, step, min int) (int, bool) {
	if step <= 0 {
		step = 1
	}
	q := int(math.RoundToEven(n/float64(step))) * step
	if q < min {
		return min, true
	}
	return q, false
}

// SnapFrequency returns the frequency nearest f (MHz) that completes an
// integer number of cycles in durUs microseconds.  Frequencies that would
// round to zero cycles are left unchanged.
func SnapFrequency(fMHz, durUs float64) float64 {
	if durUs <= 0 {
		return fMHz
	}
	cycles := math.Round(fMHz * durUs)
	if cycles == 0 {
		return fMHz
	}
	return cycles / durUs
}
