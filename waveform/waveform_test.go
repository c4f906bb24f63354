package waveform

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tweezerlab/awg/fault"
	"github.com/tweezerlab/awg/util"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

// axis returns n samples of a segment of dur seconds, starting at t0
func axis(t0, dur float64, n int) []float64 {
	return util.Linspace(t0, t0+dur, n)
}

func TestDecodeDefaults(t *testing.T) {
	p, err := DecodeFreq(FreqSweep, nil)
	require.NoError(t, err)
	assert.Equal(t, Sweep{StartFreqMHz: 100, EndFreqMHz: 101, Hybridicity: 1}, p)

	a, err := DecodeAmp(AmpTwoApproxExp, map[string]float64{"middle_amp": 0.5})
	require.NoError(t, err)
	assert.Equal(t, TwoApproxExp{MiddleAmp: 0.5, Index1: -20, Index2: 20, Frac1: 0.25, Frac2: 0.25}, a)
}

func TestDecodeEmbedded(t *testing.T) {
	p, err := DecodeFreq(FreqDitheredSweep, map[string]float64{StartFreq: 90, "dither_amp_MHz": 2})
	require.NoError(t, err)
	d := p.(DitheredSweep)
	assert.Equal(t, 90., d.StartFreqMHz)
	assert.Equal(t, 2., d.DitherAmpMHz)
	assert.Equal(t, 1., d.DitherFreqMHz)
	assert.Equal(t, FreqDitheredSweep, p.Kind())
}

func TestDecodeRejectsUnknown(t *testing.T) {
	_, err := DecodeFreq(FreqStatic, map[string]float64{"end_freq_MHz": 3})
	assert.True(t, fault.Is(err, fault.Validation))
	_, err = DecodeFreq("warp", nil)
	assert.True(t, fault.Is(err, fault.Validation))
	_, err = DecodeAmp("warp", nil)
	assert.True(t, fault.Is(err, fault.Validation))
}

func TestEveryKindDecodes(t *testing.T) {
	for _, k := range FreqKinds() {
		p, err := DecodeFreq(k, nil)
		require.NoError(t, err, k)
		assert.Equal(t, k, p.Kind())
		ps, _ := FreqParams(k)
		assert.True(t, HasParam(ps, StartPhase), "%s lacks start_phase", k)
		assert.True(t, HasParam(ps, StartFreq), "%s lacks start_freq_MHz", k)
	}
	for _, k := range AmpKinds() {
		p, err := DecodeAmp(k, nil)
		require.NoError(t, err, k)
		assert.Equal(t, k, p.Kind())
	}
}

func TestLinearSweepEndpoints(t *testing.T) {
	tm := axis(0.5, 1e-3, 101)
	dst := make([]float64, len(tm))
	Freq(dst, Sweep{StartFreqMHz: 100, EndFreqMHz: 110, Hybridicity: 1}, tm)
	assert.Equal(t, 100., dst[0])
	assert.Equal(t, 110., dst[100])
	assert.InDelta(t, 105, dst[50], 1e-12)
}

func TestMinJerkShape(t *testing.T) {
	tm := axis(0, 1e-3, 1001)
	dst := make([]float64, len(tm))
	Freq(dst, MinJerk{StartFreqMHz: 100, EndFreqMHz: 102}, tm)
	assert.InDelta(t, 100, dst[0], 1e-12)
	assert.InDelta(t, 102, dst[1000], 1e-12)
	assert.InDelta(t, 101, dst[500], 1e-9)
	// zero initial slope: first step much smaller than the linear step
	assert.Less(t, dst[1]-dst[0], 1e-6)

	// hybridicity 0 is the same curve
	h0 := make([]float64, len(tm))
	Freq(h0, Sweep{StartFreqMHz: 100, EndFreqMHz: 102, Hybridicity: 0}, tm)
	if diff := cmp.Diff(dst, h0, approx); diff != "" {
		t.Errorf("hybridicity 0 differs from min_jerk:\n%s", diff)
	}
}

func TestHybridSweepIsMonotonicAndContinuous(t *testing.T) {
	tm := axis(0, 1e-3, 2000)
	dst := make([]float64, len(tm))
	Freq(dst, Sweep{StartFreqMHz: 100, EndFreqMHz: 110, Hybridicity: 0.5}, tm)
	assert.InDelta(t, 100, dst[0], 1e-12)
	assert.InDelta(t, 110, dst[len(dst)-1], 1e-2)
	maxStep := 0.
	for i := 1; i < len(dst); i++ {
		step := dst[i] - dst[i-1]
		require.GreaterOrEqual(t, step, -1e-12, "not monotonic at %d", i)
		maxStep = math.Max(maxStep, step)
	}
	// no jumps at the joins: every step below twice the mean linear step
	assert.Less(t, maxStep, 2*10./2000)
}

func TestSweepWithWaits(t *testing.T) {
	tm := axis(0, 1e-3, 100)
	dst := make([]float64, len(tm))
	Freq(dst, SweepWithWaits{Sweep: Sweep{StartFreqMHz: 100, EndFreqMHz: 101, Hybridicity: 1}, SweepFrac: 0.5}, tm)
	assert.Equal(t, 100., dst[0])
	assert.Equal(t, 100., dst[24])
	assert.Equal(t, 100., dst[25])
	assert.Equal(t, 101., dst[74])
	assert.Equal(t, 101., dst[99])
}

func TestNoisySweepDeterministic(t *testing.T) {
	tm := axis(0, 1e-4, 500)
	p := NoisySweep{Sweep: Sweep{StartFreqMHz: 100, EndFreqMHz: 101, Hybridicity: 1}, NoiseWidthMHz: 2}
	a := make([]float64, len(tm))
	b := make([]float64, len(tm))
	Freq(a, p, tm)
	Freq(b, p, tm)
	assert.Equal(t, a, b)
	clean := make([]float64, len(tm))
	Freq(clean, p.Sweep, tm)
	for i := range a {
		assert.LessOrEqual(t, math.Abs(a[i]-clean[i]), 1.)
	}
	assert.NotEqual(t, clean, a)
}

func TestDitheredSweep(t *testing.T) {
	// 1 us at 1 MHz dither is one full period
	tm := axis(0, 1e-6, 5)
	dst := make([]float64, len(tm))
	Freq(dst, DitheredSweep{Sweep: Sweep{StartFreqMHz: 100, EndFreqMHz: 100, Hybridicity: 1}, DitherAmpMHz: 1, DitherFreqMHz: 1}, tm)
	want := []float64{100, 101, 100, 99, 100}
	if diff := cmp.Diff(want, dst, approx); diff != "" {
		t.Errorf("dither mismatch:\n%s", diff)
	}
}

func TestAmpProfiles(t *testing.T) {
	tm := axis(0, 1e-3, 11)
	cases := []struct {
		name string
		p    AmpProfile
		want []float64
	}{
		{"static", StaticAmp{StartAmp: 0.3}, []float64{0.3, 0.3, 0.3, 0.3, 0.3, 0.3, 0.3, 0.3, 0.3, 0.3, 0.3}},
		{"ramp", Ramp{StartAmp: 1, EndAmp: 0}, []float64{1, 0.9, 0.8, 0.7, 0.6, 0.5, 0.4, 0.3, 0.2, 0.1, 0}},
		{"drop", Drop{StartAmp: 1, DropAmp: 0.2, DropTimeUs: 250}, []float64{1, 1, 1, 1, 0.2, 0.2, 0.2, 1, 1, 1, 1}},
		{"empty", Empty{}, make([]float64, 11)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dst := make([]float64, len(tm))
			Amp(dst, c.p, tm)
			if diff := cmp.Diff(c.want, dst, approx); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApproxExpEndpoints(t *testing.T) {
	tm := axis(0, 1e-3, 101)
	for _, idx := range []float64{20, -20} {
		dst := make([]float64, len(tm))
		Amp(dst, ApproxExp{StartAmp: 1, EndAmp: 0, Index: idx}, tm)
		assert.InDelta(t, 1, dst[0], 1e-12, "index %v", idx)
		assert.InDelta(t, 0, dst[100], 1e-12, "index %v", idx)
		for i := 1; i < len(dst); i++ {
			assert.LessOrEqual(t, dst[i], dst[i-1]+1e-12)
		}
	}
	// positive index changes quickly first
	pos := make([]float64, len(tm))
	neg := make([]float64, len(tm))
	Amp(pos, ApproxExp{StartAmp: 1, EndAmp: 0, Index: 20}, tm)
	Amp(neg, ApproxExp{StartAmp: 1, EndAmp: 0, Index: -20}, tm)
	assert.Less(t, pos[10], neg[10])
}

func TestApproxExpFallsBackToRamp(t *testing.T) {
	tm := axis(0, 1e-3, 5)
	dst := make([]float64, len(tm))
	Amp(dst, ApproxExp{StartAmp: 0, EndAmp: 1, Index: 0.5}, tm)
	assert.Equal(t, []float64{0, 0.25, 0.5, 0.75, 1}, dst)
}

func TestTwoApproxExp(t *testing.T) {
	tm := axis(0, 1e-3, 100)
	dst := make([]float64, len(tm))
	Amp(dst, TwoApproxExp{StartAmp: 0, MiddleAmp: 1, EndAmp: 0, Index1: -20, Index2: 20, Frac1: 0.25, Frac2: 0.25}, tm)
	assert.InDelta(t, 0, dst[0], 1e-12)
	assert.InDelta(t, 1, dst[24], 1e-12)
	assert.Equal(t, 1., dst[50])
	assert.InDelta(t, 1, dst[75], 1e-12)
	assert.InDelta(t, 0, dst[99], 1e-12)

	// overlapping fractions still fill exactly len(t) samples
	Amp(dst, TwoApproxExp{StartAmp: 0, MiddleAmp: 1, EndAmp: 0, Index1: -20, Index2: 20, Frac1: 0.8, Frac2: 0.8}, tm)
}

func TestModulate(t *testing.T) {
	// 100 us at 10 kHz is one period
	tm := axis(0, 100e-6, 5)
	dst := make([]float64, len(tm))
	Amp(dst, Modulate{StartAmp: 0.8, ModAmp: 0.2, ModFreqKHz: 10}, tm)
	if diff := cmp.Diff([]float64{0.8, 1, 0.8, 0.6, 0.8}, dst, approx); diff != "" {
		t.Errorf("modulate mismatch:\n%s", diff)
	}
}

func TestSubsetTimeAxis(t *testing.T) {
	// a sparse subset of the axis keeps the endpoints of a linear sweep
	full := axis(0, 1e-3, 1001)
	sub := []float64{full[0], full[250], full[500], full[750], full[1000]}
	dst := make([]float64, len(sub))
	Freq(dst, Sweep{StartFreqMHz: 100, EndFreqMHz: 104, Hybridicity: 1}, sub)
	if diff := cmp.Diff([]float64{100, 101, 102, 103, 104}, dst, approx); diff != "" {
		t.Errorf("subset mismatch:\n%s", diff)
	}
}
