package controller

import (
	"github.com/tweezerlab/awg/card"
	"github.com/tweezerlab/awg/sequence"
)

// layout maps sequence segments onto card memory slots.  Segments before the
// rearrangement segment keep their index, the rearrangement segment owns
// reserved consecutive slots, and later segments shift up to make room.
type layout struct {
	segments int
	base     int
	reserved int
}

func newLayout(segments, base, reserved int) layout {
	if base == sequence.NoRearrangement {
		reserved = 1
	}
	return layout{segments: segments, base: base, reserved: reserved}
}

func (l layout) slot(seg int) int {
	if l.base == sequence.NoRearrangement || seg <= l.base {
		return seg
	}
	return seg + l.reserved - 1
}

func (l layout) slots() int {
	if l.segments == 0 {
		return 0
	}
	return l.segments + l.reserved - 1
}

// program expands the step list into sequencer entries.  A rearrangement
// step plays each reserved slot once in turn; its loops and continuation
// apply to the last one.  The last entry wraps to the first.
func (l layout) program(steps []sequence.Step) []card.HardwareStep {
	out := make([]card.HardwareStep, 0, len(steps))
	for _, st := range steps {
		if st.Rearr && l.base != sequence.NoRearrangement {
			for k := 0; k < l.reserved; k++ {
				hs := card.HardwareStep{Segment: l.base + k, Loops: 1, After: card.Continue}
				if k == l.reserved-1 {
					hs.Loops, hs.After = st.Loops, st.After
				}
				out = append(out, hs)
			}
			continue
		}
		out = append(out, card.HardwareStep{Segment: l.slot(st.Segment), Loops: st.Loops, After: st.After})
	}
	for i := range out {
		out[i].Next = i + 1
	}
	if len(out) > 0 {
		out[len(out)-1].Next = 0
	}
	return out
}
