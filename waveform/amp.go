package waveform

import (
	"log"
	"math"
	"time"

	"golang.org/x/time/rate"
)

var expWarn = rate.NewLimiter(rate.Every(time.Second), 1)

// Amp writes the relative power of p at each time in t (seconds) into dst.
// len(dst) must equal len(t).
func Amp(dst []float64, p AmpProfile, t []float64) {
	n := len(t)
	if n == 0 {
		return
	}
	switch p := p.(type) {
	case StaticAmp:
		constant(dst, p.StartAmp)
	case Ramp:
		linear(dst, p.StartAmp, p.EndAmp)
	case Drop:
		t0 := t[0]
		mid := (t[n-1] - t0) / 2
		half := p.DropTimeUs * 1e-6 / 2
		for i, ti := range t {
			if math.Abs(ti-t0-mid) < half {
				dst[i] = p.DropAmp
			} else {
				dst[i] = p.StartAmp
			}
		}
	case ApproxExp:
		approxExp(dst, t, p.StartAmp, p.EndAmp, p.Index)
	case Modulate:
		t0 := t[0]
		for i, ti := range t {
			dst[i] = p.ModAmp*math.Sin(2*math.Pi*p.ModFreqKHz*1e3*(ti-t0)) + p.StartAmp
		}
	case TwoApproxExp:
		i1 := clampIndex(int(float64(n)*p.Frac1), 0, n)
		i2 := clampIndex(int(float64(n)*(1-p.Frac2)), i1, n)
		approxExp(dst[:i1], t[:i1], p.StartAmp, p.MiddleAmp, p.Index1)
		constant(dst[i1:i2], p.MiddleAmp)
		approxExp(dst[i2:], t[i2:], p.MiddleAmp, p.EndAmp, p.Index2)
	case Empty:
		constant(dst, 0)
	}
}

// approxExp is (k^x - 1)/(k - 1) scaled between the endpoints, x the
// normalized time.  Positive k is mirrored in time so the fast change comes
// first.  |k| <= 1 has no such curve and falls back to a linear ramp.
func approxExp(dst, t []float64, start, end, k float64) {
	n := len(t)
	if n == 0 {
		return
	}
	if math.Abs(k) <= 1 {
		if expWarn.Allow() {
			log.Printf("approx_exp index %v is invalid, using a linear ramp instead", k)
		}
		linear(dst, start, end)
		return
	}
	t0 := t[0]
	T := t[n-1] - t0
	x := func(i int) float64 {
		if T <= 0 {
			return 0
		}
		return (t[i] - t0) / T
	}
	if k > 0 {
		for i := range dst {
			dst[i] = (math.Pow(k, x(n-1-i))-1)/(k-1)*(start-end) + end
		}
		return
	}
	k = -k
	for i := range dst {
		dst[i] = (math.Pow(k, x(i))-1)/(k-1)*(end-start) + start
	}
}
