package action

import (
	"sort"

	"github.com/tweezerlab/awg/fault"
	"github.com/tweezerlab/awg/util"
	"github.com/tweezerlab/awg/waveform"
)

// MaxTones is the most tones one action may carry
const MaxTones = 100

// Names of the parameters shared by every action of a segment
const (
	DurationParam       = "duration_ms"
	PhaseBehaviourParam = "phase_behaviour"
)

// PhaseBehaviour selects how an action picks the start phase of its tones
type PhaseBehaviour string

const (
	// Optimise minimizes the crest factor of the start frequencies
	Optimise PhaseBehaviour = "optimise"

	// Continue adopts the end phases of the previous segment
	Continue PhaseBehaviour = "continue"

	// Manual keeps whatever start_phase holds
	Manual PhaseBehaviour = "manual"
)

// Valid returns true if b is a known phase behaviour
func (b PhaseBehaviour) Valid() bool {
	return b == Optimise || b == Continue || b == Manual
}

// Target picks the frequency or amplitude parameter set of an action
type Target string

const (
	// Auto searches the frequency parameters first, then amplitude
	Auto Target = ""
	// Freq is the frequency profile
	Freq Target = "freq"
	// Amp is the amplitude profile
	Amp Target = "amp"
)

// ToneParams is a profile name and the per-tone values of each of its parameters
type ToneParams struct {
	Function string               `yaml:"function" json:"function"`
	Values   map[string][]float64 `yaml:",inline" json:"params"`
}

// Params fully describe an action.  They are the persisted form;
// New(p.Clone()) recreates an action that computes the same buffer.
type Params struct {
	DurationMs     float64        `yaml:"duration_ms" json:"duration_ms"`
	PhaseBehaviour PhaseBehaviour `yaml:"phase_behaviour" json:"phase_behaviour"`
	Freq           ToneParams     `yaml:"freq" json:"freq"`
	Amp            ToneParams     `yaml:"amp" json:"amp"`
}

// DefaultParams is a single static 100 MHz tone at full relative power for 1 ms
func DefaultParams() Params {
	return Params{
		DurationMs:     1,
		PhaseBehaviour: Manual,
		Freq: ToneParams{
			Function: string(waveform.FreqStatic),
			Values:   map[string][]float64{waveform.StartFreq: {100}, waveform.StartPhase: {0}},
		},
		Amp: ToneParams{
			Function: string(waveform.AmpStatic),
			Values:   map[string][]float64{waveform.StartAmp: {1}},
		},
	}
}

// Clone returns a deep copy of p
func (p Params) Clone() Params {
	p.Freq = p.Freq.clone()
	p.Amp = p.Amp.clone()
	return p
}

func (t ToneParams) clone() ToneParams {
	return ToneParams{Function: t.Function, Values: cloneValues(t.Values)}
}

func cloneValues(m map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(m))
	for k, v := range m {
		out[k] = util.CopyFloats(v)
	}
	return out
}

// Names returns the parameter names in sorted order
func (t ToneParams) Names() []string {
	names := make([]string, 0, len(t.Values))
	for k := range t.Values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// toneCount is the longest parameter list of either profile, at least 1
func toneCount(f, a map[string][]float64) int {
	n := 1
	for _, m := range []map[string][]float64{f, a} {
		for _, v := range m {
			if len(v) > n {
				n = len(v)
			}
		}
	}
	return n
}

// complete overlays values onto the profile defaults and equalizes every
// list to n tones.  Unknown names are a validation error.
func complete(op string, schema []waveform.Param, values map[string][]float64, n int) (map[string][]float64, error) {
	out := make(map[string][]float64, len(schema))
	for _, p := range schema {
		out[p.Name] = []float64{p.Default}
	}
	for k, v := range values {
		if _, ok := out[k]; !ok {
			return nil, fault.Validationf(op, "unknown parameter %q", k)
		}
		if len(v) > 0 {
			out[k] = util.CopyFloats(v)
		}
	}
	equalize(out, n)
	return out, nil
}

// equalize pads every list by repeating its first value, or truncates, to n
func equalize(m map[string][]float64, n int) {
	for k, v := range m {
		if len(v) != n {
			m[k] = util.EqualizeLength(v, n)
		}
	}
}

// tone returns the values of tone i as a name -> value map
func tone(m map[string][]float64, i int) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v[i]
	}
	return out
}
