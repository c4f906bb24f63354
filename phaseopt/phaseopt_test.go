package phaseopt

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
)

func TestSeed(t *testing.T) {
	got := Seed(4)
	want := []float64{45, 180, 45, 0}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("Seed(4) mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, Seed(0))
	assert.Equal(t, []float64{0, 135, 0, 315}, Normalize(got))
}

func TestNormalize(t *testing.T) {
	got := Normalize([]float64{90, 45, 450, 80})
	assert.Equal(t, []float64{0, 315, 0, 350}, got)
}

func TestCrestSingleTone(t *testing.T) {
	c := Crest([]float64{0}, []float64{1}, []float64{1})
	assert.InDelta(t, math.Sqrt2, c, 0.01)
}

func TestCrestZeroAmplitude(t *testing.T) {
	assert.Equal(t, 0., Crest([]float64{0, 0}, []float64{100, 101}, []float64{0, 0}))
}

func TestMinimizeSevenTones(t *testing.T) {
	freqs := []float64{100, 101, 102, 103, 104, 105, 106}
	amps := []float64{1, 1, 1, 1, 1, 1, 1}
	phases := Minimize(freqs, amps)
	assert.Len(t, phases, 7)
	assert.Equal(t, 0., phases[0])
	for _, p := range phases {
		assert.True(t, p >= 0 && p < 360, "phase %v out of range", p)
	}
	got := Crest(phases, freqs, amps)
	zeros := Crest(make([]float64, 7), freqs, amps)
	seed := Crest(Normalize(Seed(7)), freqs, amps)
	assert.LessOrEqual(t, got, zeros)
	assert.LessOrEqual(t, got, seed)
	// all-zero phases on an equal multisine peak at N/sqrt(N/2)
	assert.Less(t, got, zeros*0.75)
}

func TestMinimizeTrivial(t *testing.T) {
	assert.Equal(t, []float64{}, Minimize(nil, nil))
	assert.Equal(t, []float64{0}, Minimize([]float64{100}, []float64{1}))
}

func TestMinimizeMismatchedAmps(t *testing.T) {
	phases := Minimize([]float64{100, 102, 104}, []float64{1})
	assert.Len(t, phases, 3)
}
