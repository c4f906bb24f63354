// Package phaseopt picks tone phases that keep the peak of a multi-tone
// signal low relative to its RMS, so more power per tone fits under the
// card's output limit.
package phaseopt

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/tweezerlab/awg/util"
)

const (
	// WindowPoints is the number of samples in the analysis window
	WindowPoints = 1000

	// WindowUs is the length of the analysis window in microseconds
	WindowUs = 1.
)

// Options tune the numeric refinement
type Options struct {
	// JointEvaluations bounds the function evaluations of the joint pass
	JointEvaluations int

	// CoordinateEvaluations bounds the evaluations per phase in the coordinate pass
	CoordinateEvaluations int

	// SimplexSize is the initial Nelder-Mead simplex edge, in degrees
	SimplexSize float64
}

// DefaultOptions are suitable for up to a few tens of tones
func DefaultOptions() Options {
	return Options{
		JointEvaluations:      4000,
		CoordinateEvaluations: 200,
		SimplexSize:           30,
	}
}

// Seed returns the closed form quadratic phase sequence 180(i+1)^2/N mod 360,
// in degrees
func Seed(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		k := float64(i + 1)
		out[i] = util.Mod360(180 * k * k / float64(n))
	}
	return out
}

// Normalize shifts phases so the first is zero and wraps them into [0, 360)
func Normalize(phases []float64) []float64 {
	out := make([]float64, len(phases))
	if len(phases) == 0 {
		return out
	}
	for i, p := range phases {
		out[i] = util.Mod360(p - phases[0])
	}
	return out
}

// problem precomputes the in-phase and quadrature basis of each tone over the
// window so an evaluation is a weighted sum rather than N*WindowPoints sines
type problem struct {
	sin, cos [][]float64
	amps     []float64
	y        []float64
}

func newProblem(freqsMHz, amps []float64) *problem {
	t := util.Linspace(0, WindowUs, WindowPoints)
	p := &problem{
		sin:  make([][]float64, len(freqsMHz)),
		cos:  make([][]float64, len(freqsMHz)),
		amps: amps,
		y:    make([]float64, WindowPoints),
	}
	for i, f := range freqsMHz {
		s := make([]float64, WindowPoints)
		c := make([]float64, WindowPoints)
		for k, tk := range t {
			s[k], c[k] = math.Sincos(2 * math.Pi * f * tk)
		}
		p.sin[i], p.cos[i] = s, c
	}
	return p
}

// crest evaluates peak/RMS for phases in degrees
func (p *problem) crest(phases []float64) float64 {
	for k := range p.y {
		p.y[k] = 0
	}
	for i, ph := range phases {
		sp, cp := math.Sincos(ph * math.Pi / 180)
		// sin(a + ph) = sin a cos ph + cos a sin ph
		floats.AddScaled(p.y, p.amps[i]*cp, p.sin[i])
		floats.AddScaled(p.y, p.amps[i]*sp, p.cos[i])
	}
	rms := floats.Norm(p.y, 2) / math.Sqrt(float64(len(p.y)))
	if rms == 0 {
		return 0
	}
	peak := math.Max(floats.Max(p.y), -floats.Min(p.y))
	return peak / rms
}

// equalAmps returns amps if it matches n, otherwise n ones
func equalAmps(amps []float64, n int) []float64 {
	if len(amps) == n {
		return amps
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// Crest returns the crest factor of the multisine with the given phases
// (degrees), frequencies (MHz) and amplitudes over the analysis window
func Crest(phases, freqsMHz, amps []float64) float64 {
	if len(phases) == 0 {
		return 0
	}
	return newProblem(freqsMHz, equalAmps(amps, len(freqsMHz))).crest(phases)
}

// Minimize returns phases (degrees, first phase zero) for the tones that
// reduce the crest factor.  Refinement starts from Seed.  The result is never
// worse than the seed shifted to start at zero, nor than all-zero phases.  Amplitudes of the wrong length are replaced by ones.
func Minimize(freqsMHz, amps []float64) []float64 {
	return MinimizeWith(freqsMHz, amps, DefaultOptions())
}

// MinimizeWith is Minimize with explicit options
func MinimizeWith(freqsMHz, amps []float64, o Options) []float64 {
	n := len(freqsMHz)
	if n <= 1 {
		return make([]float64, n)
	}
	p := newProblem(freqsMHz, equalAmps(amps, n))
	seed := Seed(n)

	x := append([]float64(nil), seed...)
	joint := optimize.Problem{Func: p.crest}
	if res := minimize(joint, x, o.JointEvaluations, o.SimplexSize); res != nil {
		copy(x, res)
	}

	// then one phase at a time, the rest held fixed
	trial := make([]float64, n)
	for i := 0; i < n; i++ {
		single := optimize.Problem{Func: func(v []float64) float64 {
			copy(trial, x)
			trial[i] = v[0]
			return p.crest(trial)
		}}
		if res := minimize(single, []float64{x[i]}, o.CoordinateEvaluations, o.SimplexSize); res != nil {
			x[i] = res[0]
		}
	}

	// a common offset changes the crest factor, so candidates compete in the
	// normalized form that is returned
	best := Normalize(x)
	bestCrest := p.crest(best)
	for _, cand := range [][]float64{Normalize(seed), make([]float64, n)} {
		if c := p.crest(cand); c < bestCrest {
			best, bestCrest = cand, c
		}
	}
	return best
}

// minimize runs Nelder-Mead from x0 and returns the best point, or nil if
// the run produced nothing usable
func minimize(prob optimize.Problem, x0 []float64, evals int, simplex float64) []float64 {
	// crest reuses a scratch buffer, so evaluations must be serial
	settings := &optimize.Settings{
		Concurrent:      1,
		FuncEvaluations: evals,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Iterations: 50,
		},
	}
	res, err := optimize.Minimize(prob, x0, settings, &optimize.NelderMead{SimplexSize: simplex})
	if res == nil || (err != nil && len(res.X) != len(x0)) {
		return nil
	}
	for _, v := range res.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
	}
	return res.X
}
