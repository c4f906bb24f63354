// Package waveform holds the frequency and amplitude profiles a tone can
// follow during a segment.
//
// Profiles are a closed set of typed parameter structs.  The persisted form
// of a tone is a kind name plus a map of named values; Decode turns that into
// the matching struct once, and the evaluation functions switch on the
// concrete type.  Every evaluation takes an explicit time axis (seconds) and
// writes into a caller supplied slice, so previews can evaluate a sparse
// subset without touching the full segment.
package waveform

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"

	"github.com/tweezerlab/awg/fault"
)

// FreqKind names a frequency profile
type FreqKind string

// AmpKind names an amplitude profile
type AmpKind string

const (
	FreqStatic         FreqKind = "static"
	FreqSweep          FreqKind = "sweep"
	FreqMinJerk        FreqKind = "min_jerk"
	FreqSweepWithWaits FreqKind = "sweep_with_waits"
	FreqNoisySweep     FreqKind = "noisy_sweep"
	FreqDitheredSweep  FreqKind = "dithered_sweep"

	AmpStatic       AmpKind = "static"
	AmpRamp         AmpKind = "ramp"
	AmpDrop         AmpKind = "drop"
	AmpApproxExp    AmpKind = "approx_exp"
	AmpModulate     AmpKind = "modulate"
	AmpTwoApproxExp AmpKind = "two_approx_exp"
	AmpEmpty        AmpKind = "empty"
)

// Parameter names shared across profiles
const (
	StartFreq  = "start_freq_MHz"
	EndFreq    = "end_freq_MHz"
	StartPhase = "start_phase"
	StartAmp   = "start_amp"
	EndAmp     = "end_amp"
)

// Param is a named profile parameter and its default value
type Param struct {
	Name    string
	Default float64
}

var sweepParams = []Param{{StartFreq, 100}, {EndFreq, 101}, {"hybridicity", 1}, {StartPhase, 0}}

var freqParams = map[FreqKind][]Param{
	FreqStatic:         {{StartFreq, 100}, {StartPhase, 0}},
	FreqSweep:          sweepParams,
	FreqMinJerk:        {{StartFreq, 100}, {EndFreq, 101}, {StartPhase, 0}},
	FreqSweepWithWaits: append(append([]Param{}, sweepParams...), Param{"sweep_frac", 0.5}),
	FreqNoisySweep:     append(append([]Param{}, sweepParams...), Param{"noise_width_MHz", 10}),
	FreqDitheredSweep:  append(append([]Param{}, sweepParams...), Param{"dither_amp_MHz", 10}, Param{"dither_freq_MHz", 1}),
}

var ampParams = map[AmpKind][]Param{
	AmpStatic:       {{StartAmp, 1}},
	AmpRamp:         {{StartAmp, 1}, {EndAmp, 0}},
	AmpDrop:         {{StartAmp, 1}, {"drop_amp", 0}, {"drop_time_us", 100}},
	AmpApproxExp:    {{StartAmp, 1}, {EndAmp, 0}, {"index", 20}},
	AmpModulate:     {{StartAmp, 0.8}, {"mod_amp", 0.2}, {"mod_freq_kHz", 10}},
	AmpTwoApproxExp: {{StartAmp, 0}, {"middle_amp", 1}, {EndAmp, 0}, {"index_1", -20}, {"index_2", 20}, {"frac_1", 0.25}, {"frac_2", 0.25}},
	AmpEmpty:        {{"null", 0}},
}

// FreqParams returns the parameters of a frequency profile in display order
func FreqParams(k FreqKind) ([]Param, error) {
	p, ok := freqParams[k]
	if !ok {
		return nil, fault.Validationf("waveform.FreqParams", "unknown frequency profile %q", k)
	}
	return append([]Param(nil), p...), nil
}

// AmpParams returns the parameters of an amplitude profile in display order
func AmpParams(k AmpKind) ([]Param, error) {
	p, ok := ampParams[k]
	if !ok {
		return nil, fault.Validationf("waveform.AmpParams", "unknown amplitude profile %q", k)
	}
	return append([]Param(nil), p...), nil
}

// FreqKinds lists the frequency profiles, sorted
func FreqKinds() []FreqKind {
	out := make([]FreqKind, 0, len(freqParams))
	for k := range freqParams {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AmpKinds lists the amplitude profiles, sorted
func AmpKinds() []AmpKind {
	out := make([]AmpKind, 0, len(ampParams))
	for k := range ampParams {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasParam reports whether the parameter list contains name
func HasParam(ps []Param, name string) bool {
	for _, p := range ps {
		if p.Name == name {
			return true
		}
	}
	return false
}

// FreqProfile is one tone's frequency trajectory
type FreqProfile interface {
	Kind() FreqKind
	Phase() float64
	freqProfile()
}

// AmpProfile is one tone's relative power trajectory
type AmpProfile interface {
	Kind() AmpKind
	ampProfile()
}

// StaticFreq holds a fixed frequency
type StaticFreq struct {
	StartFreqMHz float64 `mapstructure:"start_freq_MHz"`
	StartPhase   float64 `mapstructure:"start_phase"`
}

// Sweep moves from start to end.  Hybridicity 1 is linear, 0 is minimum
// jerk, values between join minimum-jerk ends to a linear middle.
type Sweep struct {
	StartFreqMHz float64 `mapstructure:"start_freq_MHz"`
	EndFreqMHz   float64 `mapstructure:"end_freq_MHz"`
	Hybridicity  float64 `mapstructure:"hybridicity"`
	StartPhase   float64 `mapstructure:"start_phase"`
}

// MinJerk is a quintic sweep with zero velocity and acceleration at both ends
type MinJerk struct {
	StartFreqMHz float64 `mapstructure:"start_freq_MHz"`
	EndFreqMHz   float64 `mapstructure:"end_freq_MHz"`
	StartPhase   float64 `mapstructure:"start_phase"`
}

// SweepWithWaits holds the start frequency, sweeps for SweepFrac of the
// duration, then holds the end frequency
type SweepWithWaits struct {
	Sweep     `mapstructure:",squash"`
	SweepFrac float64 `mapstructure:"sweep_frac"`
}

// NoisySweep adds uniform noise of full width NoiseWidthMHz to a sweep
type NoisySweep struct {
	Sweep         `mapstructure:",squash"`
	NoiseWidthMHz float64 `mapstructure:"noise_width_MHz"`
}

// DitheredSweep adds a sinusoidal frequency excursion to a sweep
type DitheredSweep struct {
	Sweep         `mapstructure:",squash"`
	DitherAmpMHz  float64 `mapstructure:"dither_amp_MHz"`
	DitherFreqMHz float64 `mapstructure:"dither_freq_MHz"`
}

func (StaticFreq) Kind() FreqKind     { return FreqStatic }
func (Sweep) Kind() FreqKind          { return FreqSweep }
func (MinJerk) Kind() FreqKind        { return FreqMinJerk }
func (SweepWithWaits) Kind() FreqKind { return FreqSweepWithWaits }
func (NoisySweep) Kind() FreqKind     { return FreqNoisySweep }
func (DitheredSweep) Kind() FreqKind  { return FreqDitheredSweep }

func (p StaticFreq) Phase() float64 { return p.StartPhase }
func (p Sweep) Phase() float64      { return p.StartPhase }
func (p MinJerk) Phase() float64    { return p.StartPhase }

func (StaticFreq) freqProfile()     {}
func (Sweep) freqProfile()          {}
func (MinJerk) freqProfile()        {}
func (SweepWithWaits) freqProfile() {}
func (NoisySweep) freqProfile()     {}
func (DitheredSweep) freqProfile()  {}

// StaticAmp holds a fixed power
type StaticAmp struct {
	StartAmp float64 `mapstructure:"start_amp"`
}

// Ramp changes power linearly
type Ramp struct {
	StartAmp float64 `mapstructure:"start_amp"`
	EndAmp   float64 `mapstructure:"end_amp"`
}

// Drop holds StartAmp except for DropTimeUs centred in the segment
type Drop struct {
	StartAmp   float64 `mapstructure:"start_amp"`
	DropAmp    float64 `mapstructure:"drop_amp"`
	DropTimeUs float64 `mapstructure:"drop_time_us"`
}

// ApproxExp is an exponential-like ramp.  A positive index changes quickly
// at the start, a negative index changes slowly at the start.
type ApproxExp struct {
	StartAmp float64 `mapstructure:"start_amp"`
	EndAmp   float64 `mapstructure:"end_amp"`
	Index    float64 `mapstructure:"index"`
}

// Modulate is a sinusoidal power modulation, for parametric heating
type Modulate struct {
	StartAmp   float64 `mapstructure:"start_amp"`
	ModAmp     float64 `mapstructure:"mod_amp"`
	ModFreqKHz float64 `mapstructure:"mod_freq_kHz"`
}

// TwoApproxExp ramps up over Frac1, holds MiddleAmp, then ramps down over Frac2
type TwoApproxExp struct {
	StartAmp  float64 `mapstructure:"start_amp"`
	MiddleAmp float64 `mapstructure:"middle_amp"`
	EndAmp    float64 `mapstructure:"end_amp"`
	Index1    float64 `mapstructure:"index_1"`
	Index2    float64 `mapstructure:"index_2"`
	Frac1     float64 `mapstructure:"frac_1"`
	Frac2     float64 `mapstructure:"frac_2"`
}

// Empty is zero power, used to pad unused rearrangement slots
type Empty struct {
	Null float64 `mapstructure:"null"`
}

func (StaticAmp) Kind() AmpKind    { return AmpStatic }
func (Ramp) Kind() AmpKind         { return AmpRamp }
func (Drop) Kind() AmpKind         { return AmpDrop }
func (ApproxExp) Kind() AmpKind    { return AmpApproxExp }
func (Modulate) Kind() AmpKind     { return AmpModulate }
func (TwoApproxExp) Kind() AmpKind { return AmpTwoApproxExp }
func (Empty) Kind() AmpKind        { return AmpEmpty }

func (StaticAmp) ampProfile()    {}
func (Ramp) ampProfile()         {}
func (Drop) ampProfile()         {}
func (ApproxExp) ampProfile()    {}
func (Modulate) ampProfile()     {}
func (TwoApproxExp) ampProfile() {}
func (Empty) ampProfile()        {}

// fill overlays values onto the defaults, rejecting names the profile does not have
func fill(op string, defaults []Param, values map[string]float64) (map[string]float64, error) {
	m := make(map[string]float64, len(defaults))
	for _, p := range defaults {
		m[p.Name] = p.Default
	}
	for k, v := range values {
		if _, ok := m[k]; !ok {
			return nil, fault.Validationf(op, "unknown parameter %q", k)
		}
		m[k] = v
	}
	return m, nil
}

func decode(op string, in map[string]float64, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fault.New(fault.Validation, op, err)
	}
	return nil
}

// DecodeFreq builds the typed profile for one tone.  Missing parameters take
// their defaults; unknown ones are a validation error.
func DecodeFreq(k FreqKind, values map[string]float64) (FreqProfile, error) {
	const op = "waveform.DecodeFreq"
	defaults, ok := freqParams[k]
	if !ok {
		return nil, fault.Validationf(op, "unknown frequency profile %q", k)
	}
	m, err := fill(op, defaults, values)
	if err != nil {
		return nil, err
	}
	switch k {
	case FreqStatic:
		var p StaticFreq
		err = decode(op, m, &p)
		return p, err
	case FreqSweep:
		var p Sweep
		err = decode(op, m, &p)
		return p, err
	case FreqMinJerk:
		var p MinJerk
		err = decode(op, m, &p)
		return p, err
	case FreqSweepWithWaits:
		var p SweepWithWaits
		err = decode(op, m, &p)
		return p, err
	case FreqNoisySweep:
		var p NoisySweep
		err = decode(op, m, &p)
		return p, err
	case FreqDitheredSweep:
		var p DitheredSweep
		err = decode(op, m, &p)
		return p, err
	}
	return nil, fmt.Errorf("%s: unhandled profile %q", op, k)
}

// DecodeAmp builds the typed profile for one tone.  Missing parameters take
// their defaults; unknown ones are a validation error.
func DecodeAmp(k AmpKind, values map[string]float64) (AmpProfile, error) {
	const op = "waveform.DecodeAmp"
	defaults, ok := ampParams[k]
	if !ok {
		return nil, fault.Validationf(op, "unknown amplitude profile %q", k)
	}
	m, err := fill(op, defaults, values)
	if err != nil {
		return nil, err
	}
	switch k {
	case AmpStatic:
		var p StaticAmp
		err = decode(op, m, &p)
		return p, err
	case AmpRamp:
		var p Ramp
		err = decode(op, m, &p)
		return p, err
	case AmpDrop:
		var p Drop
		err = decode(op, m, &p)
		return p, err
	case AmpApproxExp:
		var p ApproxExp
		err = decode(op, m, &p)
		return p, err
	case AmpModulate:
		var p Modulate
		err = decode(op, m, &p)
		return p, err
	case AmpTwoApproxExp:
		var p TwoApproxExp
		err = decode(op, m, &p)
		return p, err
	case AmpEmpty:
		var p Empty
		err = decode(op, m, &p)
		return p, err
	}
	return nil, fmt.Errorf("%s: unhandled profile %q", op, k)
}
