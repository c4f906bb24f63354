package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tweezerlab/awg/action"
	"github.com/tweezerlab/awg/card"
	"github.com/tweezerlab/awg/fault"
	"github.com/tweezerlab/awg/mathx"
	"github.com/tweezerlab/awg/waveform"
)

const shortMs = 6400 / 625e6 * 1e3

func newSeq(channels int) *Sequence {
	cs := card.DefaultSettings()
	cs.ActiveChannels = channels
	return New(&cs, nil)
}

func staticSeg(channels int, freq float64, b action.PhaseBehaviour) SegmentParams {
	p := DefaultSegmentParams(channels)
	p.DurationMs = shortMs
	p.PhaseBehaviour = b
	for i := range p.Channels {
		p.Channels[i].Freq.Values = map[string][]float64{waveform.StartFreq: {freq, freq + 1.1}, waveform.StartPhase: {0}}
	}
	return p
}

func sweepSeg(channels int, start, end float64) SegmentParams {
	p := DefaultSegmentParams(channels)
	p.DurationMs = shortMs
	for i := range p.Channels {
		p.Channels[i].Freq = action.ToneParams{Function: string(waveform.FreqSweep), Values: map[string][]float64{
			waveform.StartFreq: {start}, waveform.EndFreq: {end},
		}}
	}
	return p
}

func build(t *testing.T, s *Sequence, ps ...SegmentParams) {
	t.Helper()
	for _, p := range ps {
		_, err := s.AddSegment(p, -1)
		require.NoError(t, err)
	}
}

func segments(steps []Step) []int {
	out := make([]int, len(steps))
	for i, st := range steps {
		out[i] = st.Segment
	}
	return out
}

func TestSegmentChannelsMustMatchCard(t *testing.T) {
	s := newSeq(2)
	_, err := s.AddSegment(DefaultSegmentParams(1), -1)
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Equal(t, 0, s.Len())
}

func TestStepsFollowSegments(t *testing.T) {
	s := newSeq(1)
	build(t, s, staticSeg(1, 100, action.Manual), staticSeg(1, 101, action.Manual), staticSeg(1, 102, action.Manual))
	for i := 0; i < 3; i++ {
		_, err := s.AddStep(DefaultStep(i), -1)
		require.NoError(t, err)
	}

	// insert at the front shifts every reference
	_, err := s.AddSegment(staticSeg(1, 99, action.Manual), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, segments(s.Steps()))

	// removing a played segment drops its step
	require.NoError(t, s.RemoveSegment(2))
	assert.Equal(t, []int{1, 2}, segments(s.Steps()))

	// moving 0 to the end renumbers the rest down
	require.NoError(t, s.MoveSegment(0, 2))
	assert.Equal(t, []int{0, 1}, segments(s.Steps()))
	seg, _ := s.Segment(2)
	f, _ := seg.Actions[0].Value(action.Freq, waveform.StartFreq)
	assert.Equal(t, 99., f[0])

	_, err = s.AddStep(DefaultStep(7), -1)
	assert.True(t, fault.Is(err, fault.Validation))
	_, err = s.AddStep(Step{Segment: 0, Loops: 0, After: card.Continue}, -1)
	assert.True(t, fault.Is(err, fault.Validation))
	_, err = s.AddStep(Step{Segment: 0, Loops: 1, After: "later"}, -1)
	assert.True(t, fault.Is(err, fault.Validation))
}

func TestStepEditing(t *testing.T) {
	s := newSeq(1)
	build(t, s, staticSeg(1, 100, action.Manual), staticSeg(1, 101, action.Manual))
	s.AddStep(DefaultStep(0), -1)
	s.AddStep(DefaultStep(1), -1)
	_, err := s.AddStep(DefaultStep(1), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 1}, segments(s.Steps()))

	require.NoError(t, s.MoveStep(0, 2))
	assert.Equal(t, []int{0, 1, 1}, segments(s.Steps()))
	require.NoError(t, s.ToggleAfter(1))
	assert.Equal(t, card.LoopUntilTrigger, s.Steps()[1].After)
	require.NoError(t, s.ReplaceStep(2, Step{Segment: 0, Loops: 3, After: card.Continue}))
	require.NoError(t, s.RemoveStep(0))
	assert.Equal(t, []Step{{Segment: 1, Loops: 1, After: card.LoopUntilTrigger}, {Segment: 0, Loops: 3, After: card.Continue}}, s.Steps())
	assert.True(t, fault.Is(s.RemoveStep(5), fault.Validation))
	assert.True(t, fault.Is(s.MoveStep(0, 5), fault.Validation))
}

func TestRearrSegmentProtected(t *testing.T) {
	s := newSeq(1)
	build(t, s, staticSeg(1, 100, action.Manual), sweepSeg(1, 100, 104), staticSeg(1, 104, action.Manual), staticSeg(1, 105, action.Manual))
	require.NoError(t, s.SetRearrSegment(1))

	assert.True(t, fault.Is(s.RemoveSegment(1), fault.Validation))
	assert.True(t, fault.Is(s.MoveSegment(0, 2), fault.Validation))
	assert.True(t, fault.Is(s.MoveSegment(1, 3), fault.Validation))
	require.NoError(t, s.MoveSegment(2, 3))

	_, err := s.AddStep(Step{Segment: 3, Loops: 1, After: card.Continue, Rearr: true}, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Steps()[0].Segment, "rearr steps always play the rearrangement segment")
	assert.Equal(t, []int{0}, s.RearrSteps())

	require.NoError(t, s.RemoveSegment(0))
	assert.Equal(t, 0, s.RearrSegment())
	assert.Equal(t, 0, s.Steps()[0].Segment)

	require.NoError(t, s.SetRearrSegment(NoRearrangement))
	_, err = s.AddStep(Step{Segment: 0, Loops: 1, After: card.Continue, Rearr: true}, -1)
	assert.True(t, fault.Is(err, fault.Validation))
}

func TestPhaseChain(t *testing.T) {
	s := newSeq(1)
	build(t, s,
		staticSeg(1, 100, action.Continue),
		staticSeg(1, 100, action.Continue),
		staticSeg(1, 100, action.Manual),
		staticSeg(1, 100, action.Continue),
		staticSeg(1, 100, action.Optimise),
	)
	assert.Equal(t, []int{-1, 0, -1, 2, -1}, s.PhaseChain())
}

func TestCalculateAllPropagatesContinue(t *testing.T) {
	s := newSeq(2)
	build(t, s,
		staticSeg(2, 100, action.Manual),
		staticSeg(2, 100, action.Continue),
		staticSeg(2, 100, action.Continue),
		staticSeg(2, 100, action.Manual),
	)
	assert.Equal(t, 8, s.CalculateAll())
	assert.Equal(t, 0, s.CalculateAll(), "clean sequence recalculates nothing")

	for i := 1; i < 3; i++ {
		for ch := 0; ch < 2; ch++ {
			prev := s.segs[i-1].Actions[ch].EndPhase()
			start, _ := s.segs[i].Actions[ch].Value(action.Freq, waveform.StartPhase)
			assert.Equal(t, prev, start, "segment %d channel %d", i, ch)
		}
	}

	// a change upstream reaches every continue segment and stops at manual
	require.NoError(t, s.UpdateParamTone(0, 1, action.Freq, waveform.StartPhase, 45, -1))
	assert.Equal(t, 3, s.CalculateAll())
	assert.False(t, s.segs[3].Actions[1].NeedsCalculate())
	start, _ := s.segs[2].Actions[1].Value(action.Freq, waveform.StartPhase)
	assert.Equal(t, s.segs[1].Actions[1].EndPhase(), start)
}

func TestSharedParams(t *testing.T) {
	s := newSeq(2)
	build(t, s, staticSeg(2, 100, action.Manual))
	require.NoError(t, s.UpdateParam(0, 1, action.Auto, action.DurationParam, []float64{2 * shortMs}))
	seg, _ := s.Segment(0)
	assert.Equal(t, 12800, seg.Actions[0].Samples())
	assert.Equal(t, 12800, seg.Actions[1].Samples())

	require.NoError(t, s.SetPhaseBehaviour(0, action.Optimise))
	assert.Equal(t, action.Optimise, seg.Actions[1].PhaseBehaviour())
	assert.True(t, fault.Is(s.SetPhaseBehaviour(0, "sideways"), fault.Validation))
	assert.True(t, fault.Is(s.UpdateParam(0, 2, action.Auto, waveform.StartFreq, []float64{1}), fault.Validation))
	assert.True(t, fault.Is(s.UpdateParam(3, 0, action.Auto, waveform.StartFreq, []float64{1}), fault.Validation))
}

func TestFreqAdjustStatic(t *testing.T) {
	s := newSeq(1)
	build(t, s, staticSeg(1, 100.3, action.Manual))
	s.SetOptions(Options{FreqAdjustStatic: true})
	f, _ := s.segs[0].Actions[0].Value(action.Freq, waveform.StartFreq)
	dur := s.segs[0].DurationMs() * 1e3
	assert.Equal(t, []float64{mathx.SnapFrequency(100.3, dur), mathx.SnapFrequency(101.4, dur)}, f)
	assert.NotEqual(t, 100.3, f[0])
}

func TestPreventJumps(t *testing.T) {
	s := newSeq(1)
	build(t, s, sweepSeg(1, 100, 105), staticSeg(1, 104.9, action.Manual))
	s.segs[0].Actions[0].UpdateParam(action.Amp, waveform.StartAmp, []float64{0.5})

	// jump prevention needs coupled steps
	s.SetOptions(Options{PreventFreqJumps: true})
	assert.False(t, s.Options().PreventFreqJumps)

	s.SetOptions(Options{PreventFreqJumps: true, PreventAmpJumps: true, CoupleStepsSegments: true})
	f, _ := s.segs[1].Actions[0].Value(action.Freq, waveform.StartFreq)
	assert.Equal(t, []float64{105, 105}, f)
	a, _ := s.segs[1].Actions[0].Value(action.Amp, waveform.StartAmp)
	assert.Equal(t, []float64{0.5, 0.5}, a)
}

func TestPreventJumpsMovesSweepOntoSnappedStatic(t *testing.T) {
	s := newSeq(1)
	build(t, s, sweepSeg(1, 100, 100.3), staticSeg(1, 100.3, action.Manual))
	s.SetOptions(Options{PreventFreqJumps: true, FreqAdjustStatic: true, CoupleStepsSegments: true})
	static, _ := s.segs[1].Actions[0].Value(action.Freq, waveform.StartFreq)
	end, _ := s.segs[0].Actions[0].Value(action.Freq, waveform.EndFreq)
	assert.NotEqual(t, 100.3, static[0])
	assert.Equal(t, static[0], end[0])
}

func TestCoupleSteps(t *testing.T) {
	s := newSeq(1)
	build(t, s, staticSeg(1, 100, action.Manual), sweepSeg(1, 100, 104), staticSeg(1, 104, action.Manual))
	s.AddStep(Step{Segment: 2, Loops: 5, After: card.LoopUntilTrigger}, -1)
	require.NoError(t, s.SetRearrSegment(1))
	s.SetOptions(Options{CoupleStepsSegments: true})
	assert.Equal(t, []Step{
		{Segment: 0, Loops: 1, After: card.Continue},
		{Segment: 1, Loops: 1, After: card.Continue, Rearr: true},
		{Segment: 2, Loops: 5, After: card.LoopUntilTrigger},
	}, s.Steps())

	build(t, s, staticSeg(1, 90, action.Manual))
	assert.Len(t, s.Steps(), 4)
}

func TestSegmentCodesAndTransfer(t *testing.T) {
	s := newSeq(2)
	build(t, s, staticSeg(2, 100, action.Manual), staticSeg(2, 101, action.Manual))
	seg, _ := s.Segment(0)
	buf, sat, err := seg.Codes(card.DefaultSettings().MaxOutputMV)
	require.NoError(t, err)
	assert.Len(t, buf, 2*6400)
	// two tones at 100 mV on a 100 mV card saturate somewhere
	assert.Greater(t, sat, 0)
	assert.True(t, seg.NeedsTransfer())
	seg.MarkTransferred()
	assert.False(t, seg.NeedsTransfer())

	other, _ := s.Segment(1)
	other.MarkTransferred()
	require.NoError(t, s.MoveSegment(1, 0))
	assert.True(t, other.NeedsTransfer(), "moved segments upload to their new slot")
}
