package sequence

import (
	"log"
	"math"

	"github.com/tweezerlab/awg/action"
	"github.com/tweezerlab/awg/mathx"
	"github.com/tweezerlab/awg/waveform"
)

// Options are the continuity rules applied after every edit
type Options struct {
	// PreventFreqJumps moves each start frequency onto the nearest end
	// frequency of the previous segment
	PreventFreqJumps bool `yaml:"prevent_freq_jumps" json:"prevent_freq_jumps"`

	// PreventAmpJumps does the same for start amplitudes
	PreventAmpJumps bool `yaml:"prevent_amp_jumps" json:"prevent_amp_jumps"`

	// FreqAdjustStatic snaps the tones of static segments to frequencies
	// that complete an integer number of cycles, so the segment loops cleanly
	FreqAdjustStatic bool `yaml:"freq_adjust_static_segments" json:"freq_adjust_static_segments"`

	// CoupleStepsSegments keeps exactly one step per segment
	CoupleStepsSegments bool `yaml:"couple_steps_segments" json:"couple_steps_segments"`
}

// Options returns the continuity rules in force
func (s *Sequence) Options() Options { return s.opts }

// SetOptions changes the continuity rules and applies them.  Jump
// prevention needs coupled steps and is switched off without them.
func (s *Sequence) SetOptions(o Options) {
	if !o.CoupleStepsSegments {
		o.PreventFreqJumps = false
		o.PreventAmpJumps = false
	}
	s.opts = o
	s.afterEdit()
}

func (s *Sequence) afterEdit() {
	if s.opts.PreventAmpJumps {
		s.preventAmpJumps()
	}
	if s.opts.PreventFreqJumps {
		s.preventFreqJumps(false)
	}
	if s.opts.FreqAdjustStatic {
		s.freqAdjustStatic()
	}
	if s.opts.PreventFreqJumps {
		s.preventFreqJumps(true)
	}
	if s.opts.CoupleStepsSegments {
		s.coupleSteps()
	}
}

// continuing yields the (previous, current) action pairs the jump rules
// apply to.  The rearrangement segment is left alone.
func (s *Sequence) continuing(f func(seg, ch int, prev, cur *action.Action)) {
	for i := 1; i < len(s.segs); i++ {
		if i == s.rearr {
			continue
		}
		for ch, cur := range s.segs[i].Actions {
			f(i, ch, s.segs[i-1].Actions[ch], cur)
		}
	}
}

// nearest returns the element of set closest to x, x itself if present
func nearest(x float64, set []float64) float64 {
	best, d := x, math.Inf(1)
	for _, v := range set {
		if v == x {
			return x
		}
		if dd := math.Abs(v - x); dd < d {
			best, d = v, dd
		}
	}
	return best
}

func snapAll(values, set []float64) ([]float64, bool) {
	out := make([]float64, len(values))
	changed := false
	for i, v := range values {
		out[i] = nearest(v, set)
		changed = changed || out[i] != v
	}
	return out, changed
}

// endValues is the end parameter of a, or the start one if it has none
func endValues(a *action.Action, target action.Target, end, start string) []float64 {
	if v, err := a.Value(target, end); err == nil {
		return v
	}
	v, _ := a.Value(target, start)
	return v
}

func (s *Sequence) preventAmpJumps() {
	s.continuing(func(seg, ch int, prev, cur *action.Action) {
		starts, err := cur.Value(action.Amp, waveform.StartAmp)
		if err != nil {
			return
		}
		prevAmps := endValues(prev, action.Amp, waveform.EndAmp, waveform.StartAmp)
		if len(prevAmps) == 0 {
			return
		}
		if snapped, changed := snapAll(starts, prevAmps); changed {
			log.Printf("changed segment %d Ch%d start_amp from %v to %v to avoid an amplitude jump", seg, ch, starts, snapped)
			cur.UpdateParam(action.Amp, waveform.StartAmp, snapped)
		}
	})
}

// preventFreqJumps moves start frequencies onto the previous segment's end
// frequencies.  On the second pass static segments have already been
// snapped, so the previous segment's end frequencies move instead.
func (s *Sequence) preventFreqJumps(staticFixed bool) {
	s.continuing(func(seg, ch int, prev, cur *action.Action) {
		if staticFixed && cur.FreqKind() == waveform.FreqStatic {
			ends, err := prev.Value(action.Freq, waveform.EndFreq)
			if err != nil {
				return
			}
			starts, _ := cur.Value(action.Freq, waveform.StartFreq)
			if snapped, changed := snapAll(ends, starts); changed {
				log.Printf("changed segment %d Ch%d end_freq_MHz from %v to %v to avoid a frequency jump", seg-1, ch, ends, snapped)
				prev.UpdateParam(action.Freq, waveform.EndFreq, snapped)
			}
			return
		}
		starts, _ := cur.Value(action.Freq, waveform.StartFreq)
		prevFreqs := endValues(prev, action.Freq, waveform.EndFreq, waveform.StartFreq)
		if snapped, changed := snapAll(starts, prevFreqs); changed {
			log.Printf("changed segment %d Ch%d start_freq_MHz from %v to %v to avoid a frequency jump", seg, ch, starts, snapped)
			cur.UpdateParam(action.Freq, waveform.StartFreq, snapped)
		}
	})
}

func (s *Sequence) freqAdjustStatic() {
	for i, seg := range s.segs {
		for ch, a := range seg.Actions {
			if !a.IsStatic() {
				continue
			}
			freqs, _ := a.Value(action.Freq, waveform.StartFreq)
			adjusted := make([]float64, len(freqs))
			changed := false
			for k, f := range freqs {
				adjusted[k] = mathx.SnapFrequency(f, a.DurationMs()*1e3)
				changed = changed || adjusted[k] != f
			}
			if changed {
				log.Printf("adjusted static frequency of segment %d Ch%d from %v to %v", i, ch, freqs, adjusted)
				a.UpdateParam(action.Freq, waveform.StartFreq, adjusted)
			}
		}
	}
}

// coupleSteps rebuilds the step program with one step per segment, in
// segment order.  The first existing step of a segment keeps its loops and
// continuation; the rearrangement segment gets a rearr step.
func (s *Sequence) coupleSteps() {
	steps := make([]Step, 0, len(s.segs))
	for i := range s.segs {
		if i == s.rearr {
			st := DefaultStep(i)
			st.Rearr = true
			steps = append(steps, st)
			continue
		}
		st := DefaultStep(i)
		for _, old := range s.steps {
			if old.Segment == i {
				st = old
				st.Rearr = false
				break
			}
		}
		steps = append(steps, st)
	}
	s.steps = steps
}
