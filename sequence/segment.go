package sequence

import (
	"github.com/tweezerlab/awg/action"
	"github.com/tweezerlab/awg/calibration"
	"github.com/tweezerlab/awg/card"
	"github.com/tweezerlab/awg/fault"
)

// ChannelParams are the tone parameters of one channel of a segment
type ChannelParams struct {
	Freq action.ToneParams `yaml:"freq" json:"freq"`
	Amp  action.ToneParams `yaml:"amp" json:"amp"`
}

// SegmentParams describe a segment.  Duration and phase behaviour are shared
// by every channel.
type SegmentParams struct {
	DurationMs     float64               `yaml:"duration_ms" json:"duration_ms"`
	PhaseBehaviour action.PhaseBehaviour `yaml:"phase_behaviour" json:"phase_behaviour"`
	Channels       []ChannelParams       `yaml:"channels" json:"channels"`
}

// ActionParams returns the action parameters of channel ch
func (p SegmentParams) ActionParams(ch int) action.Params {
	c := p.Channels[ch]
	return action.Params{
		DurationMs:     p.DurationMs,
		PhaseBehaviour: p.PhaseBehaviour,
		Freq:           c.Freq,
		Amp:            c.Amp,
	}.Clone()
}

// DefaultSegmentParams is the default action on every channel
func DefaultSegmentParams(channels int) SegmentParams {
	d := action.DefaultParams()
	p := SegmentParams{DurationMs: d.DurationMs, PhaseBehaviour: d.PhaseBehaviour}
	for i := 0; i < channels; i++ {
		p.Channels = append(p.Channels, ChannelParams{Freq: d.Freq, Amp: d.Amp})
	}
	return p
}

// Segment is one action per active channel
type Segment struct {
	Actions []*action.Action

	// moved is set when the segment changed hardware slot
	moved bool
}

// NewSegment builds the actions of p.  cals holds one calibration per channel.
func NewSegment(p SegmentParams, cs *card.Settings, cals []*calibration.Holder) (*Segment, error) {
	const op = "sequence.NewSegment"
	if len(p.Channels) != cs.ActiveChannels {
		return nil, fault.Validationf(op, "segment has %d channels, card has %d active", len(p.Channels), cs.ActiveChannels)
	}
	s := &Segment{moved: true}
	for ch := range p.Channels {
		var cal *calibration.Holder
		if ch < len(cals) {
			cal = cals[ch]
		}
		a, err := action.New(p.ActionParams(ch), cs, cal)
		if err = nonFatal(err); err != nil {
			return nil, err
		}
		s.Actions = append(s.Actions, a)
	}
	return s, nil
}

// Params returns a deep copy of the segment's parameters
func (s *Segment) Params() SegmentParams {
	var p SegmentParams
	for i, a := range s.Actions {
		ap := a.Params()
		if i == 0 {
			p.DurationMs = ap.DurationMs
			p.PhaseBehaviour = ap.PhaseBehaviour
		}
		p.Channels = append(p.Channels, ChannelParams{Freq: ap.Freq, Amp: ap.Amp})
	}
	return p
}

// DurationMs is the realized duration shared by the actions
func (s *Segment) DurationMs() float64 { return s.Actions[0].DurationMs() }

// PhaseBehaviour is the phase behaviour shared by the actions
func (s *Segment) PhaseBehaviour() action.PhaseBehaviour { return s.Actions[0].PhaseBehaviour() }

// Samples is the per-channel sample count
func (s *Segment) Samples() int { return s.Actions[0].Samples() }

// IsStatic is true if every channel is static
func (s *Segment) IsStatic() bool {
	for _, a := range s.Actions {
		if !a.IsStatic() {
			return false
		}
	}
	return true
}

// NeedsTransfer is true if any channel changed, or the segment moved slot,
// since the last MarkTransferred
func (s *Segment) NeedsTransfer() bool {
	if s.moved {
		return true
	}
	for _, a := range s.Actions {
		if a.NeedsTransfer() {
			return true
		}
	}
	return false
}

// MarkTransferred records the segment was uploaded
func (s *Segment) MarkTransferred() {
	s.moved = false
	for _, a := range s.Actions {
		a.MarkTransferred()
	}
}

// Codes calculates every channel and returns the multiplexed card buffer
// and the number of samples that saturated
func (s *Segment) Codes(maxMV float64) ([]int16, int, error) {
	n := s.Samples()
	chans := make([][]int16, len(s.Actions))
	sat := 0
	for i, a := range s.Actions {
		chans[i] = make([]int16, n)
		sat += card.ToCodes(chans[i], a.Data(), maxMV)
	}
	buf := make([]int16, n*len(chans))
	return buf, sat, card.Multiplex(buf, chans)
}

// nonFatal drops clamp warnings, which the action has already logged
func nonFatal(err error) error {
	if fault.Is(err, fault.Clamped) {
		return nil
	}
	return err
}
