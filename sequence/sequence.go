/*Package sequence holds the segments and steps played by the card.

A Sequence owns one Segment per card segment, each made of one Action per
active channel, plus the ordered step program that references them.  It keeps
step references valid as segments are added, removed and moved, propagates
start phases along chains of continue segments, and applies the optional
frequency and amplitude continuity rules between neighbouring segments.

A Sequence is not safe for concurrent use; the controller serializes access.
*/
package sequence

import (
	"sync"

	"github.com/tweezerlab/awg/action"
	"github.com/tweezerlab/awg/calibration"
	"github.com/tweezerlab/awg/card"
	"github.com/tweezerlab/awg/fault"
)

// NoRearrangement is the rearrangement segment index when rearrangement is off
const NoRearrangement = -1

// Step is one entry of the step program
type Step struct {
	Segment int               `yaml:"segment" json:"segment"`
	Loops   int               `yaml:"number_of_loops" json:"number_of_loops"`
	After   card.Continuation `yaml:"after_step" json:"after_step"`
	Rearr   bool              `yaml:"rearr" json:"rearr"`
}

// DefaultStep plays segment once and continues
func DefaultStep(segment int) Step {
	return Step{Segment: segment, Loops: 1, After: card.Continue}
}

// Sequence is the ordered set of segments and steps
type Sequence struct {
	card  *card.Settings
	cals  []*calibration.Holder
	opts  Options
	segs  []*Segment
	steps []Step
	rearr int
}

// New returns an empty sequence.  cals must hold one holder per active channel.
func New(cs *card.Settings, cals []*calibration.Holder) *Sequence {
	return &Sequence{card: cs, cals: cals, rearr: NoRearrangement}
}

// Card returns the card settings the sequence computes against
func (s *Sequence) Card() *card.Settings { return s.card }

// Calibrations returns the per-channel calibration holders
func (s *Sequence) Calibrations() []*calibration.Holder { return s.cals }

// Len is the number of segments
func (s *Sequence) Len() int { return len(s.segs) }

// Segment returns segment i
func (s *Sequence) Segment(i int) (*Segment, error) {
	if err := s.checkSegment("sequence.Segment", i); err != nil {
		return nil, err
	}
	return s.segs[i], nil
}

// Steps returns a copy of the step program
func (s *Sequence) Steps() []Step {
	return append([]Step(nil), s.steps...)
}

// RearrSegment is the segment used for rearrangement, or NoRearrangement
func (s *Sequence) RearrSegment() int { return s.rearr }

// SetRearrSegment marks segment i as the rearrangement segment.
// NoRearrangement clears it.
func (s *Sequence) SetRearrSegment(i int) error {
	if i != NoRearrangement {
		if err := s.checkSegment("sequence.SetRearrSegment", i); err != nil {
			return err
		}
	}
	s.rearr = i
	if s.opts.CoupleStepsSegments {
		s.coupleSteps()
	}
	return nil
}

func (s *Sequence) checkSegment(op string, i int) error {
	if i < 0 || i >= len(s.segs) {
		return fault.Validationf(op, "segment %d out of range, sequence has %d", i, len(s.segs))
	}
	return nil
}

func (s *Sequence) checkStep(op string, st Step) error {
	if err := s.checkSegment(op, st.Segment); err != nil {
		return err
	}
	if st.Loops < 1 {
		return fault.Validationf(op, "number_of_loops must be at least 1, got %d", st.Loops)
	}
	if !st.After.Valid() {
		return fault.Validationf(op, "invalid after_step %q", st.After)
	}
	return nil
}

// AddSegment inserts a segment built from p before index at.  at < 0 or
// at >= Len appends.  Segments after it move one slot up.
func (s *Sequence) AddSegment(p SegmentParams, at int) (int, error) {
	seg, err := NewSegment(p, s.card, s.cals)
	if err != nil {
		return 0, err
	}
	if at < 0 || at > len(s.segs) {
		at = len(s.segs)
	}
	s.segs = append(s.segs, nil)
	copy(s.segs[at+1:], s.segs[at:])
	s.segs[at] = seg
	s.remap(func(i int) int {
		if i >= at {
			return i + 1
		}
		return i
	})
	s.touch(at)
	s.afterEdit()
	return at, nil
}

// ReplaceSegment rebuilds segment i from p
func (s *Sequence) ReplaceSegment(i int, p SegmentParams) error {
	const op = "sequence.ReplaceSegment"
	if err := s.checkSegment(op, i); err != nil {
		return err
	}
	seg, err := NewSegment(p, s.card, s.cals)
	if err != nil {
		return err
	}
	s.segs[i] = seg
	s.afterEdit()
	return nil
}

// RemoveSegment deletes segment i.  Steps that played it are removed and
// later steps are renumbered.  The rearrangement segment cannot be removed.
func (s *Sequence) RemoveSegment(i int) error {
	const op = "sequence.RemoveSegment"
	if err := s.checkSegment(op, i); err != nil {
		return err
	}
	if i == s.rearr {
		return fault.Validationf(op, "segment %d is the rearrangement segment, turn rearrangement off first", i)
	}
	s.segs = append(s.segs[:i], s.segs[i+1:]...)
	s.remap(func(j int) int {
		switch {
		case j == i:
			return -1
		case j > i:
			return j - 1
		}
		return j
	})
	s.touch(i)
	s.afterEdit()
	return nil
}

// MoveSegment moves segment from to index to, shifting those in between.
// The rearrangement segment cannot be moved, nor can others cross it.
func (s *Sequence) MoveSegment(from, to int) error {
	const op = "sequence.MoveSegment"
	if err := s.checkSegment(op, from); err != nil {
		return err
	}
	if err := s.checkSegment(op, to); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	lo, hi := from, to
	if lo > hi {
		lo, hi = hi, lo
	}
	if s.rearr != NoRearrangement && s.rearr >= lo && s.rearr <= hi {
		return fault.Validationf(op, "cannot move segments through rearrangement segment %d", s.rearr)
	}
	seg := s.segs[from]
	if from < to {
		copy(s.segs[from:to], s.segs[from+1:to+1])
	} else {
		copy(s.segs[to+1:from+1], s.segs[to:from])
	}
	s.segs[to] = seg
	s.remap(func(j int) int {
		switch {
		case j == from:
			return to
		case from < to && j > from && j <= to:
			return j - 1
		case to < from && j >= to && j < from:
			return j + 1
		}
		return j
	})
	s.touch(lo)
	s.afterEdit()
	return nil
}

// RemoveAllSegments clears segments, steps and rearrangement
func (s *Sequence) RemoveAllSegments() {
	s.segs = nil
	s.steps = nil
	s.rearr = NoRearrangement
}

// remap rewrites segment references in the steps and the rearrangement
// index.  Steps mapped to -1 are dropped.
func (s *Sequence) remap(f func(int) int) {
	kept := s.steps[:0]
	for _, st := range s.steps {
		st.Segment = f(st.Segment)
		if st.Segment >= 0 {
			kept = append(kept, st)
		}
	}
	s.steps = kept
	if s.rearr != NoRearrangement {
		s.rearr = f(s.rearr)
	}
}

// touch flags every segment from i on as needing upload to its new slot
func (s *Sequence) touch(i int) {
	for _, seg := range s.segs[i:] {
		seg.moved = true
	}
}

// AddStep inserts st before index at.  at < 0 or at >= number of steps
// appends.  A step flagged rearr always plays the rearrangement segment.
func (s *Sequence) AddStep(st Step, at int) (int, error) {
	const op = "sequence.AddStep"
	st, err := s.rearrStep(op, st)
	if err != nil {
		return 0, err
	}
	if err := s.checkStep(op, st); err != nil {
		return 0, err
	}
	if at < 0 || at > len(s.steps) {
		at = len(s.steps)
	}
	s.steps = append(s.steps, Step{})
	copy(s.steps[at+1:], s.steps[at:])
	s.steps[at] = st
	return at, nil
}

// ReplaceStep overwrites step i
func (s *Sequence) ReplaceStep(i int, st Step) error {
	const op = "sequence.ReplaceStep"
	if i < 0 || i >= len(s.steps) {
		return fault.Validationf(op, "step %d out of range, sequence has %d", i, len(s.steps))
	}
	st, err := s.rearrStep(op, st)
	if err != nil {
		return err
	}
	if err := s.checkStep(op, st); err != nil {
		return err
	}
	s.steps[i] = st
	return nil
}

// RemoveStep deletes step i
func (s *Sequence) RemoveStep(i int) error {
	if i < 0 || i >= len(s.steps) {
		return fault.Validationf("sequence.RemoveStep", "step %d out of range, sequence has %d", i, len(s.steps))
	}
	s.steps = append(s.steps[:i], s.steps[i+1:]...)
	return nil
}

// MoveStep moves step from to index to
func (s *Sequence) MoveStep(from, to int) error {
	const op = "sequence.MoveStep"
	n := len(s.steps)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fault.Validationf(op, "step %d or %d out of range, sequence has %d", from, to, n)
	}
	st := s.steps[from]
	if from < to {
		copy(s.steps[from:to], s.steps[from+1:to+1])
	} else {
		copy(s.steps[to+1:from+1], s.steps[to:from])
	}
	s.steps[to] = st
	return nil
}

// ToggleAfter flips step i between continue and loop_until_trigger
func (s *Sequence) ToggleAfter(i int) error {
	if i < 0 || i >= len(s.steps) {
		return fault.Validationf("sequence.ToggleAfter", "step %d out of range, sequence has %d", i, len(s.steps))
	}
	if s.steps[i].After == card.Continue {
		s.steps[i].After = card.LoopUntilTrigger
	} else {
		s.steps[i].After = card.Continue
	}
	return nil
}

// RemoveAllSteps clears the step program
func (s *Sequence) RemoveAllSteps() { s.steps = nil }

func (s *Sequence) rearrStep(op string, st Step) (Step, error) {
	if !st.Rearr {
		return st, nil
	}
	if s.rearr == NoRearrangement {
		return st, fault.Validationf(op, "step flagged rearr but rearrangement is off")
	}
	st.Segment = s.rearr
	return st, nil
}

// RearrSteps returns the indices of the steps flagged rearr
func (s *Sequence) RearrSteps() []int {
	var out []int
	for i, st := range s.steps {
		if st.Rearr {
			out = append(out, i)
		}
	}
	return out
}

// actionOf returns the action of channel ch in segment seg
func (s *Sequence) actionOf(op string, seg, ch int) (*action.Action, error) {
	if err := s.checkSegment(op, seg); err != nil {
		return nil, err
	}
	if ch < 0 || ch >= len(s.segs[seg].Actions) {
		return nil, fault.Validationf(op, "channel %d out of range", ch)
	}
	return s.segs[seg].Actions[ch], nil
}

// UpdateParam sets a parameter of one channel of a segment.  duration_ms
// applies to every channel of the segment.
func (s *Sequence) UpdateParam(seg, ch int, target action.Target, name string, values []float64) error {
	const op = "sequence.UpdateParam"
	a, err := s.actionOf(op, seg, ch)
	if err != nil {
		return err
	}
	if name == action.DurationParam {
		if len(values) == 0 {
			return fault.Validationf(op, "no value for %s", name)
		}
		return s.SetDuration(seg, values[0])
	}
	if err := nonFatal(a.UpdateParam(target, name, values)); err != nil {
		return err
	}
	s.afterEdit()
	return nil
}

// UpdateParamTone sets a parameter of a single tone.  A negative tone sets
// every tone.
func (s *Sequence) UpdateParamTone(seg, ch int, target action.Target, name string, value float64, tone int) error {
	const op = "sequence.UpdateParamTone"
	a, err := s.actionOf(op, seg, ch)
	if err != nil {
		return err
	}
	if name == action.DurationParam {
		return s.SetDuration(seg, value)
	}
	if err := nonFatal(a.UpdateParamTone(target, name, value, tone)); err != nil {
		return err
	}
	s.afterEdit()
	return nil
}

// SetDuration changes the duration of every channel of segment seg
func (s *Sequence) SetDuration(seg int, ms float64) error {
	const op = "sequence.SetDuration"
	if err := s.checkSegment(op, seg); err != nil {
		return err
	}
	for _, a := range s.segs[seg].Actions {
		if err := nonFatal(a.SetDuration(ms)); err != nil {
			return err
		}
	}
	s.afterEdit()
	return nil
}

// SetPhaseBehaviour changes the phase behaviour of every channel of segment seg
func (s *Sequence) SetPhaseBehaviour(seg int, b action.PhaseBehaviour) error {
	const op = "sequence.SetPhaseBehaviour"
	if err := s.checkSegment(op, seg); err != nil {
		return err
	}
	if !b.Valid() {
		return fault.Validationf(op, "%q is not a valid phase_behaviour", b)
	}
	for _, a := range s.segs[seg].Actions {
		if err := a.SetPhaseBehaviour(b); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate forces every action of channel ch to recalculate, after its
// calibration changed.  A negative ch invalidates every channel.
func (s *Sequence) Invalidate(ch int) {
	for _, seg := range s.segs {
		for i, a := range seg.Actions {
			if ch < 0 || i == ch {
				a.Invalidate()
			}
		}
	}
}

// PhaseChain returns, for each segment, the segment whose end phases it
// starts from, or -1 if it starts a new chain.  A segment continues from
// its predecessor only in continue mode.
func (s *Sequence) PhaseChain() []int {
	chain := make([]int, len(s.segs))
	for i, seg := range s.segs {
		chain[i] = -1
		if i > 0 && seg.PhaseBehaviour() == action.Continue {
			chain[i] = i - 1
		}
	}
	return chain
}

// CalculateAll calculates every dirty action.  Channels are independent and
// run concurrently; within a channel segments are walked in order so a
// continue segment always sees its predecessor's final end phases.  Returns
// the number of actions recalculated.
func (s *Sequence) CalculateAll() int {
	chain := s.PhaseChain()
	channels := s.card.ActiveChannels
	counts := make([]int, channels)
	var wg sync.WaitGroup
	for ch := 0; ch < channels; ch++ {
		wg.Add(1)
		go func(ch int) {
			defer wg.Done()
			for i, seg := range s.segs {
				if ch >= len(seg.Actions) {
					continue
				}
				a := seg.Actions[ch]
				if up := chain[i]; up >= 0 {
					a.SetStartPhase(s.segs[up].Actions[ch].EndPhase())
				} else {
					a.SetStartPhase(nil)
				}
				if a.NeedsCalculate() {
					a.Calculate()
					counts[ch]++
				}
			}
		}(ch)
	}
	wg.Wait()
	total := 0
	for _, c := range counts {
		total += c
	}
	return total
}
