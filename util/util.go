// Package util contains misc internal utilities.
package util

import "math"

// Linspace returns n evenly spaced values over [start, stop], inclusive
func Linspace(start, stop float64, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}

// ClampInt limits x to [lo, hi]
func ClampInt(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Mod360 wraps an angle in degrees into [0, 360)
func Mod360(deg float64) float64 {
	m := math.Mod(deg, 360)
	if m < 0 {
		m += 360
	}
	if m >= 360 {
		m = 0
	}
	return m
}

// ResizeFloats returns a copy of s with length n.  Extra entries are
// filled with fill, excess entries are dropped
func ResizeFloats(s []float64, n int, fill float64) []float64 {
	out := make([]float64, n)
	copy(out, s)
	for i := len(s); i < n; i++ {
		out[i] = fill
	}
	return out
}

// EqualizeLength returns s padded by repeating its first element, or
// truncated, to length n.  An empty s is padded with zeros
func EqualizeLength(s []float64, n int) []float64 {
	fill := 0.
	if len(s) > 0 {
		fill = s[0]
	}
	return ResizeFloats(s, n, fill)
}

// CopyFloats returns a copy of s, nil for nil
func CopyFloats(s []float64) []float64 {
	if s == nil {
		return nil
	}
	out := make([]float64, len(s))
	copy(out, s)
	return out
}
