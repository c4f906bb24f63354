/*Package action computes the contribution of one output channel to one card
segment.

An Action owns the per-tone frequency and amplitude parameters of that
channel, derives the time axis from the card settings, and composes the
waveform profiles, the channel's calibration and the phase optimizer into a
sample buffer in millivolts.  Calculation is lazy: parameter updates only
mark the action dirty, and Calculate does nothing on a clean action.

Actions are not safe for concurrent use.  The sequence that owns them
serializes edits; distinct actions may be calculated in parallel.
*/
package action

import (
	"log"
	"math"
	"reflect"

	"github.com/tweezerlab/awg/calibration"
	"github.com/tweezerlab/awg/card"
	"github.com/tweezerlab/awg/fault"
	"github.com/tweezerlab/awg/mathx"
	"github.com/tweezerlab/awg/phaseopt"
	"github.com/tweezerlab/awg/util"
	"github.com/tweezerlab/awg/waveform"
)

// Action is one channel of one segment
type Action struct {
	card *card.Settings
	cal  *calibration.Holder

	durationMs float64
	phase      PhaseBehaviour
	freqKind   waveform.FreqKind
	ampKind    waveform.AmpKind
	freq       map[string][]float64
	amp        map[string][]float64
	freqProf   []waveform.FreqProfile
	ampProf    []waveform.AmpProfile

	time     []float64
	data     []float64
	endPhase []float64

	needsCalc     bool
	needsTransfer bool
	calClamped    int

	// start frequencies and amplitudes the phases were last optimised for
	optimisedFor []float64
}

// New creates an action from p.  cs is shared and never modified.  A nil
// holder uses a disabled calibration.
//
// If the duration had to be raised to the card minimum, the action is
// returned together with a fault.Clamped error.  Any other error is a
// fault.Validation and the action is nil.
func New(p Params, cs *card.Settings, cal *calibration.Holder) (*Action, error) {
	const op = "action.New"
	if cs == nil {
		return nil, fault.Validationf(op, "no card settings")
	}
	if cal == nil {
		cal = calibration.NewHolder(nil)
	}
	if !p.PhaseBehaviour.Valid() {
		return nil, fault.Validationf(op, "invalid phase_behaviour %q", p.PhaseBehaviour)
	}
	if p.DurationMs <= 0 || math.IsNaN(p.DurationMs) {
		return nil, fault.Validationf(op, "duration_ms must be positive, got %v", p.DurationMs)
	}
	fk := waveform.FreqKind(p.Freq.Function)
	ak := waveform.AmpKind(p.Amp.Function)
	fs, err := waveform.FreqParams(fk)
	if err != nil {
		return nil, err
	}
	as, err := waveform.AmpParams(ak)
	if err != nil {
		return nil, err
	}
	n := toneCount(p.Freq.Values, p.Amp.Values)
	if n > MaxTones {
		return nil, fault.Validationf(op, "%d tones requested, at most %d allowed", n, MaxTones)
	}
	freq, err := complete(op, fs, p.Freq.Values, n)
	if err != nil {
		return nil, err
	}
	amp, err := complete(op, as, p.Amp.Values, n)
	if err != nil {
		return nil, err
	}
	fp, ap, err := decodeAll(fk, ak, freq, amp, n)
	if err != nil {
		return nil, err
	}
	a := &Action{
		card:     cs,
		cal:      cal,
		phase:    p.PhaseBehaviour,
		freqKind: fk,
		ampKind:  ak,
		freq:     freq,
		amp:      amp,
		freqProf: fp,
		ampProf:  ap,
	}
	return a, a.setDuration(p.DurationMs)
}

func decodeAll(fk waveform.FreqKind, ak waveform.AmpKind, freq, amp map[string][]float64, n int) ([]waveform.FreqProfile, []waveform.AmpProfile, error) {
	fp := make([]waveform.FreqProfile, n)
	ap := make([]waveform.AmpProfile, n)
	for i := 0; i < n; i++ {
		var err error
		fp[i], err = waveform.DecodeFreq(fk, tone(freq, i))
		if err != nil {
			return nil, nil, err
		}
		ap[i], err = waveform.DecodeAmp(ak, tone(amp, i))
		if err != nil {
			return nil, nil, err
		}
	}
	return fp, ap, nil
}

// setDuration quantizes the sample count and rebuilds the time axis.  The
// stored duration is snapped to the realized count.
func (a *Action) setDuration(ms float64) error {
	rate := a.card.SampleRateHz
	n, clamped := mathx.QuantizeCount(ms*1e-3*rate, a.card.SegmentStepSamples, a.card.SegmentMinSamples)
	a.durationMs = float64(n) / rate * 1e3
	a.time = util.Linspace(0, a.durationMs*1e-3, n+1)
	a.data = nil
	a.needsCalc = true
	if clamped {
		err := fault.Clampedf("action.Duration", "%v ms is below the minimum of %d samples, using %v ms", ms, n, a.durationMs)
		log.Println(err)
		return err
	}
	return nil
}

// SetDuration changes the segment length.  A fault.Clamped error is
// returned if the minimum sample count was applied; the change still happens.
func (a *Action) SetDuration(ms float64) error {
	if ms <= 0 || math.IsNaN(ms) {
		return fault.Validationf("action.SetDuration", "duration_ms must be positive, got %v", ms)
	}
	if ms == a.durationMs {
		return nil
	}
	return a.setDuration(ms)
}

// SetPhaseBehaviour changes how SetStartPhase picks phases
func (a *Action) SetPhaseBehaviour(b PhaseBehaviour) error {
	if !b.Valid() {
		return fault.Validationf("action.SetPhaseBehaviour", "%q is not a valid phase_behaviour", b)
	}
	if b != a.phase {
		a.phase = b
		a.needsCalc = true
	}
	return nil
}

// resolve finds which profile carries name
func (a *Action) resolve(target Target, name string) (Target, error) {
	const op = "action.UpdateParam"
	_, inF := a.freq[name]
	_, inA := a.amp[name]
	switch target {
	case Auto:
		if inF {
			return Freq, nil
		}
		if inA {
			return Amp, nil
		}
		return target, fault.Validationf(op, "%q is not a parameter of freq %s or amp %s", name, a.freqKind, a.ampKind)
	case Freq:
		if !inF {
			return target, fault.Validationf(op, "%q is not a parameter of freq %s", name, a.freqKind)
		}
	case Amp:
		if !inA {
			return target, fault.Validationf(op, "%q is not a parameter of amp %s", name, a.ampKind)
		}
	default:
		return target, fault.Validationf(op, "unknown target %q", target)
	}
	return target, nil
}

// UpdateParam replaces the per-tone values of one parameter.  The length of
// values becomes the tone count, and every other parameter of both profiles
// is padded or truncated to match.  duration_ms is also accepted and uses
// values[0].  Unknown names are a fault.Validation error and nothing changes.
func (a *Action) UpdateParam(target Target, name string, values []float64) error {
	const op = "action.UpdateParam"
	if len(values) == 0 {
		return fault.Validationf(op, "no values for %q", name)
	}
	if name == DurationParam {
		return a.SetDuration(values[0])
	}
	target, err := a.resolve(target, name)
	if err != nil {
		return err
	}
	if len(values) > MaxTones {
		return fault.Validationf(op, "%d tones requested, at most %d allowed", len(values), MaxTones)
	}
	cur := a.freq
	if target == Amp {
		cur = a.amp
	}
	if reflect.DeepEqual(cur[name], values) {
		return nil
	}

	freq := cloneValues(a.freq)
	amp := cloneValues(a.amp)
	if target == Freq {
		freq[name] = util.CopyFloats(values)
	} else {
		amp[name] = util.CopyFloats(values)
	}
	n := len(values)
	equalize(freq, n)
	equalize(amp, n)
	fp, ap, err := decodeAll(a.freqKind, a.ampKind, freq, amp, n)
	if err != nil {
		return err
	}
	a.freq, a.amp, a.freqProf, a.ampProf = freq, amp, fp, ap
	a.needsCalc = true
	return nil
}

// UpdateParamTone sets one parameter of a single tone.  A negative tone sets
// every tone to value.  duration_ms ignores tone.
func (a *Action) UpdateParamTone(target Target, name string, value float64, tone int) error {
	if name == DurationParam {
		return a.SetDuration(value)
	}
	target, err := a.resolve(target, name)
	if err != nil {
		return err
	}
	cur := a.freq[name]
	if target == Amp {
		cur = a.amp[name]
	}
	values := util.CopyFloats(cur)
	switch {
	case tone < 0:
		for i := range values {
			values[i] = value
		}
	case tone < len(values):
		values[tone] = value
	default:
		return fault.Validationf("action.UpdateParamTone", "tone %d out of range, action has %d tones", tone, len(values))
	}
	return a.UpdateParam(target, name, values)
}

// SetStartPhase picks the start phases according to the phase behaviour.
// optimise ignores prev and minimizes the crest factor of the start
// frequencies and calibrated start amplitudes.  continue adopts prev,
// truncated or zero padded to the tone count; a nil prev keeps the current
// phases.  manual ignores prev.
func (a *Action) SetStartPhase(prev []float64) {
	var phases []float64
	switch a.phase {
	case Optimise:
		f0, mv0 := a.startPoint()
		key := append(f0, mv0...)
		if reflect.DeepEqual(key, a.optimisedFor) {
			return
		}
		phases = phaseopt.Minimize(f0, mv0)
		a.optimisedFor = key
	case Continue:
		if prev == nil {
			return
		}
		phases = util.ResizeFloats(prev, a.ToneCount(), 0)
	default:
		return
	}
	if reflect.DeepEqual(phases, a.freq[waveform.StartPhase]) {
		return
	}
	// the start phase never fails to decode, so this cannot error
	if err := a.UpdateParam(Freq, waveform.StartPhase, phases); err != nil {
		log.Println(err)
	}
}

// startPoint evaluates every tone at the first sample, amplitude in mV
func (a *Action) startPoint() ([]float64, []float64) {
	n := a.ToneCount()
	t := a.time[:1]
	f0 := make([]float64, n)
	p0 := make([]float64, n)
	for i := 0; i < n; i++ {
		waveform.Freq(f0[i:i+1], a.freqProf[i], t)
		waveform.Amp(p0[i:i+1], a.ampProf[i], t)
	}
	mv := make([]float64, n)
	a.cal.Load().EvaluateInto(mv, f0, p0)
	return f0, mv
}

// Calculate computes the buffer if a parameter changed since the last call.
// Each tone's phase is the running sum of its frequency anchored at
// start_phase, so the last sample's phase is the end phase the next
// segment continues from.  The first sample duplicates the previous
// segment's last one and is dropped.
func (a *Action) Calculate() {
	if !a.needsCalc {
		return
	}
	cal := a.cal.Load()
	n := len(a.time)
	dt := a.time[1] - a.time[0]
	sum := make([]float64, n)
	f := make([]float64, n)
	p := make([]float64, n)
	mv := make([]float64, n)
	end := make([]float64, a.ToneCount())
	clamped := 0
	for k := range a.freqProf {
		waveform.Freq(f, a.freqProf[k], a.time)
		waveform.Amp(p, a.ampProf[k], a.time)
		clamped += cal.EvaluateInto(mv, f, p)

		ph := a.freqProf[k].Phase()
		for i := range f {
			if i > 0 {
				ph += 360 * f[i] * 1e6 * dt
				if ph >= 360 || ph < 0 {
					ph = util.Mod360(ph)
				}
			}
			sum[i] += mv[i] * math.Sin(ph*math.Pi/180)
		}
		end[k] = util.Mod360(ph)
	}
	if clamped > 0 {
		log.Println(fault.Clampedf("action.Calculate", "%d calibration queries clamped", clamped))
	}
	a.calClamped = clamped
	a.data = sum[1:]
	a.endPhase = end
	a.needsCalc = false
	a.needsTransfer = true
}

// Data calculates if needed and returns the buffer in mV.  The slice is
// owned by the action and must not be modified.
func (a *Action) Data() []float64 {
	a.Calculate()
	return a.data
}

// EndPhase calculates if needed and returns the phase in degrees [0, 360)
// each tone ends on
func (a *Action) EndPhase() []float64 {
	a.Calculate()
	return util.CopyFloats(a.endPhase)
}

// NeedsCalculate is true if a parameter changed since the last calculation
func (a *Action) NeedsCalculate() bool { return a.needsCalc }

// NeedsTransfer is true if the buffer changed since MarkTransferred
func (a *Action) NeedsTransfer() bool { return a.needsTransfer }

// MarkTransferred records that the buffer was uploaded
func (a *Action) MarkTransferred() { a.needsTransfer = false }

// Invalidate forces the next Calculate to recompute, after a calibration reload
func (a *Action) Invalidate() { a.needsCalc = true }

// ToneCount is the number of tones
func (a *Action) ToneCount() int { return len(a.freqProf) }

// Samples is the number of samples the buffer holds
func (a *Action) Samples() int { return len(a.time) - 1 }

// DurationMs is the realized duration
func (a *Action) DurationMs() float64 { return a.durationMs }

// PhaseBehaviour returns the phase behaviour
func (a *Action) PhaseBehaviour() PhaseBehaviour { return a.phase }

// FreqKind returns the frequency profile
func (a *Action) FreqKind() waveform.FreqKind { return a.freqKind }

// AmpKind returns the amplitude profile
func (a *Action) AmpKind() waveform.AmpKind { return a.ampKind }

// Calibration returns the holder the action reads its calibration from
func (a *Action) Calibration() *calibration.Holder { return a.cal }

// CalibrationClamped is the number of queries the last calculation clamped
func (a *Action) CalibrationClamped() int { return a.calClamped }

// Value returns a copy of the per-tone values of a parameter
func (a *Action) Value(target Target, name string) ([]float64, error) {
	target, err := a.resolve(target, name)
	if err != nil {
		return nil, err
	}
	if target == Amp {
		return util.CopyFloats(a.amp[name]), nil
	}
	return util.CopyFloats(a.freq[name]), nil
}

// Params returns a deep copy of the parameters, sufficient to recreate the action
func (a *Action) Params() Params {
	return Params{
		DurationMs:     a.durationMs,
		PhaseBehaviour: a.phase,
		Freq:           ToneParams{Function: string(a.freqKind), Values: a.freq}.clone(),
		Amp:            ToneParams{Function: string(a.ampKind), Values: a.amp}.clone(),
	}
}

// IsFreqChanging is true if the frequency profile has an end frequency
func (a *Action) IsFreqChanging() bool {
	_, ok := a.freq[waveform.EndFreq]
	return ok
}

// IsAmpChanging is true if the amplitude profile has an end amplitude
func (a *Action) IsAmpChanging() bool {
	_, ok := a.amp[waveform.EndAmp]
	return ok
}

// IsStatic is true if both profiles are static.  Only static actions may loop.
func (a *Action) IsStatic() bool {
	return a.freqKind == waveform.FreqStatic && a.ampKind == waveform.AmpStatic
}

// Preview is a sparse sample of every tone's profiles
type Preview struct {
	TimeUs []float64   `json:"time_us"`
	Freq   [][]float64 `json:"freq_MHz"`
	Amp    [][]float64 `json:"amp"`
	InMV   bool        `json:"amp_in_mV"`
}

// Preview evaluates the profiles at points evenly spaced samples without
// calculating the buffer.  If inMV, amplitudes pass through the calibration.
func (a *Action) Preview(points int, inMV bool) Preview {
	if points < 2 {
		points = 2
	}
	last := len(a.time) - 1
	t := make([]float64, points)
	out := Preview{TimeUs: make([]float64, points), InMV: inMV}
	for i, x := range util.Linspace(0, float64(last), points) {
		t[i] = a.time[int(math.Round(x))]
		out.TimeUs[i] = t[i] * 1e6
	}
	cal := a.cal.Load()
	for k := range a.freqProf {
		f := make([]float64, points)
		p := make([]float64, points)
		waveform.Freq(f, a.freqProf[k], t)
		waveform.Amp(p, a.ampProf[k], t)
		if inMV {
			cal.EvaluateInto(p, f, p)
		}
		out.Freq = append(out.Freq, f)
		out.Amp = append(out.Amp, p)
	}
	return out
}
