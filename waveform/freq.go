package waveform

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"math/rand/v2"
)

// Freq writes the frequency (MHz) of p at each time in t (seconds) into dst.
// len(dst) must equal len(t).
func Freq(dst []float64, p FreqProfile, t []float64) {
	if len(t) == 0 {
		return
	}
	switch p := p.(type) {
	case StaticFreq:
		constant(dst, p.StartFreqMHz)
	case Sweep:
		sweep(dst, t, p)
	case MinJerk:
		t0 := t[0]
		T := t[len(t)-1] - t0
		for i, ti := range t {
			dst[i] = minJerk(ti-t0, T, p.StartFreqMHz, p.EndFreqMHz)
		}
	case SweepWithWaits:
		n := len(t)
		i1 := clampIndex(int(float64(n)*(0.5-p.SweepFrac/2)), 0, n)
		i2 := clampIndex(int(float64(n)*(0.5+p.SweepFrac/2)), i1, n)
		constant(dst[:i1], p.StartFreqMHz)
		sweep(dst[i1:i2], t[i1:i2], p.Sweep)
		constant(dst[i2:], p.EndFreqMHz)
	case NoisySweep:
		sweep(dst, t, p.Sweep)
		rng := rand.New(rand.NewPCG(noiseSeed(p, len(t))))
		w := p.NoiseWidthMHz
		for i := range dst {
			dst[i] += (rng.Float64() - 0.5) * w
		}
	case DitheredSweep:
		sweep(dst, t, p.Sweep)
		t0 := t[0]
		for i, ti := range t {
			dst[i] += p.DitherAmpMHz * math.Sin(2*math.Pi*(ti-t0)*p.DitherFreqMHz*1e6)
		}
	}
}

func constant(dst []float64, v float64) {
	for i := range dst {
		dst[i] = v
	}
}

func clampIndex(i, lo, hi int) int {
	if i < lo {
		return lo
	}
	if i > hi {
		return hi
	}
	return i
}

// minJerk is the quintic from start to end over [0, T] evaluated at tau
func minJerk(tau, T, start, end float64) float64 {
	if T <= 0 {
		return start
	}
	x := tau / T
	x3 := x * x * x
	return (end-start)*(10*x3-15*x3*x+6*x3*x*x) + start
}

// linear writes an index-spaced ramp from start to end into dst
func linear(dst []float64, start, end float64) {
	n := len(dst)
	if n == 1 {
		dst[0] = start
		return
	}
	for i := range dst {
		dst[i] = start + (end-start)*float64(i)/float64(n-1)
	}
	if n > 1 {
		dst[n-1] = end
	}
}

// sweep evaluates a hybrid linear/minimum-jerk sweep.  For 0 < h < 1 the
// first and last round((1-h)/2*n) samples follow halves of a minimum-jerk
// curve over 2*deltat, with deltaf chosen so the linear middle joins them
// with matching slope.
func sweep(dst, t []float64, p Sweep) {
	n := len(t)
	if n == 0 {
		return
	}
	s, e, h := p.StartFreqMHz, p.EndFreqMHz, p.Hybridicity
	if n == 1 {
		dst[0] = s
		return
	}
	t0 := t[0]
	T := t[n-1] - t0
	switch {
	case h >= 1:
		linear(dst, s, e)
		return
	case h <= 0:
		for i, ti := range t {
			dst[i] = minJerk(ti-t0, T, s, e)
		}
		return
	}

	d := e - s
	deltat := T * (1 - h) / 2
	deltaf := d / (2 + 15./4*h/(1-h))
	cut := int(math.RoundToEven((1 - h) / 2 * float64(n)))
	if cut > n/2 {
		cut = n / 2
	}

	for i := 0; i < cut; i++ {
		dst[i] = minJerk(t[i]-t0, 2*deltat, s, s+2*deltaf)
	}
	for i := n - cut; i < n; i++ {
		dst[i] = minJerk(t[i]-t0-T+2*deltat, 2*deltat, e-2*deltaf, e)
	}

	fs, ts := s, 0.
	fe, te := e, T
	if cut > 0 {
		fs, ts = dst[cut-1], t[cut-1]-t0
		fe, te = dst[n-cut], t[n-cut]-t0
	}
	for i := cut; i < n-cut; i++ {
		dst[i] = fs + (t[i]-t0-ts)/(te-ts)*(fe-fs)
	}
}

// noiseSeed derives a seed from the profile so recalculating identical
// parameters gives identical noise
func noiseSeed(p NoisySweep, n int) (uint64, uint64) {
	h := fnv.New64a()
	var b [8]byte
	for _, v := range []float64{p.StartFreqMHz, p.EndFreqMHz, p.Hybridicity, p.StartPhase, p.NoiseWidthMHz, float64(n)} {
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		h.Write(b[:])
	}
	s := h.Sum64()
	return s, s ^ 0x9e3779b97f4a7c15
}
