// Package card describes the arbitrary waveform generator card the controller
// drives: its immutable settings, the narrow interface used to upload segments
// and program the step sequencer, and the fixed-point/multiplexing helpers that
// turn per-channel millivolt buffers into the interleaved int16 data the card
// plays.
package card

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/tweezerlab/awg/fault"
)

const (
	// DamageThresholdMV is the largest peak output the downstream RF
	// amplifier tolerates
	DamageThresholdMV = 282.

	// FullScale is the int16 code corresponding to MaxOutputMV
	FullScale = 32767

	// MaxSteps is the depth of the step sequencer memory
	MaxSteps = 4096
)

var (
	// ErrNoChannels is generated when a multiplex is attempted with zero channels
	ErrNoChannels = errors.New("no channels to multiplex")

	// ErrLengthMismatch is generated when channel buffers of a segment differ in length
	ErrLengthMismatch = errors.New("channel buffers differ in length")
)

// Settings hold the properties of the card that every waveform is computed against
type Settings struct {
	// ActiveChannels is the number of enabled outputs, channel 0 is always first
	ActiveChannels int `yaml:"active_channels" json:"active_channels" koanf:"active_channels"`

	// SampleRateHz is the output sample rate in S/s
	SampleRateHz float64 `yaml:"sample_rate_Hz" json:"sample_rate_Hz" koanf:"sample_rate_Hz"`

	// MaxOutputMV is the peak amplitude represented by full scale
	MaxOutputMV float64 `yaml:"max_output_mV" json:"max_output_mV" koanf:"max_output_mV"`

	// NumberOfSegments is how many segments the card memory is divided into.
	// Must be a power of two
	NumberOfSegments int `yaml:"number_of_segments" json:"number_of_segments" koanf:"number_of_segments"`

	// SegmentMinSamples is the smallest segment the card accepts
	SegmentMinSamples int `yaml:"segment_min_samples" json:"segment_min_samples" koanf:"segment_min_samples"`

	// SegmentStepSamples is the granularity of segment lengths
	SegmentStepSamples int `yaml:"segment_step_samples" json:"segment_step_samples" koanf:"segment_step_samples"`
}

// DefaultSettings returns the settings of a single channel M4i.66xx at 625 MS/s
func DefaultSettings() Settings {
	return Settings{
		ActiveChannels:     1,
		SampleRateHz:       625e6,
		MaxOutputMV:        100,
		NumberOfSegments:   8,
		SegmentMinSamples:  192,
		SegmentStepSamples: 32,
	}
}

// Normalize returns a validated copy of s.  An output amplitude above the
// damage threshold is clamped and reported as a fault.Clamped warning;
// other invalid values are a fault.Validation error.
func (s Settings) Normalize() (Settings, error) {
	const op = "card.Settings"
	if s.ActiveChannels < 1 || s.ActiveChannels > 2 {
		return s, fault.Validationf(op, "active_channels must be 1 or 2, got %d", s.ActiveChannels)
	}
	if s.SampleRateHz <= 0 {
		return s, fault.Validationf(op, "sample_rate_Hz must be positive, got %v", s.SampleRateHz)
	}
	if s.MaxOutputMV <= 0 {
		return s, fault.Validationf(op, "max_output_mV must be positive, got %v", s.MaxOutputMV)
	}
	if s.NumberOfSegments < 1 || s.NumberOfSegments&(s.NumberOfSegments-1) != 0 {
		return s, fault.Validationf(op, "number_of_segments must be a power of two, got %d", s.NumberOfSegments)
	}
	if s.SegmentMinSamples < 1 || s.SegmentStepSamples < 1 {
		return s, fault.Validationf(op, "segment sample granularity must be positive")
	}
	if s.MaxOutputMV > DamageThresholdMV {
		orig := s.MaxOutputMV
		s.MaxOutputMV = DamageThresholdMV
		err := fault.Clampedf(op, "max_output_mV %v exceeds amplifier damage threshold, set to %v", orig, s.MaxOutputMV)
		log.Println(err)
		return s, err
	}
	return s, nil
}

// Continuation is what the sequencer does when a step's loops finish
type Continuation string

const (
	// Continue moves to the next step immediately
	Continue Continuation = "continue"

	// LoopUntilTrigger repeats the step until an external trigger arrives
	LoopUntilTrigger Continuation = "loop_until_trigger"
)

// Valid returns true if c is a known continuation
func (c Continuation) Valid() bool {
	return c == Continue || c == LoopUntilTrigger
}

// HardwareStep is one entry of the card's step sequencer
type HardwareStep struct {
	Segment int          `json:"segment"`
	Loops   int          `json:"number_of_loops"`
	After   Continuation `json:"after_step"`
	Next    int          `json:"next_step"`
}

// Card is the interface to the waveform generator hardware.
// Buffers passed to UploadSegment are already multiplexed across channels.
type Card interface {
	// UploadSegment copies buf into segment memory slot index
	UploadSegment(index int, buf []int16) error

	// ProgramStep writes one entry of the step sequencer
	ProgramStep(index int, step HardwareStep) error

	// Trigger forces a software trigger
	Trigger() error

	// CurrentStep returns the index of the step being played
	CurrentStep() (int, error)
}

// MVToCode converts a millivolt value to the int16 code for a card whose
// full scale is maxMV, saturating at the rails
func MVToCode(mV, maxMV float64) int16 {
	v := math.Round(mV / maxMV * FullScale)
	if v > FullScale {
		return FullScale
	}
	if v < -FullScale-1 {
		return -FullScale - 1
	}
	return int16(v)
}

// ToCodes converts a millivolt buffer into dst, which must be at least as
// long as src.  It returns the number of saturated samples.
func ToCodes(dst []int16, src []float64, maxMV float64) int {
	sat := 0
	scale := FullScale / maxMV
	for i, v := range src {
		c := math.Round(v * scale)
		switch {
		case c > FullScale:
			dst[i] = FullScale
			sat++
		case c < -FullScale-1:
			dst[i] = -FullScale - 1
			sat++
		default:
			dst[i] = int16(c)
		}
	}
	return sat
}

// SaturatingAdd adds src into dst elementwise, clamping to the int16 range
func SaturatingAdd(dst, src []int16) {
	for i, v := range src {
		s := int32(dst[i]) + int32(v)
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		dst[i] = int16(s)
	}
}

// Multiplex interleaves equal length channel buffers into dst so that
// dst[k*C+c] = chans[c][k].  dst must have length len(chans)*len(chans[0]).
func Multiplex(dst []int16, chans [][]int16) error {
	if len(chans) == 0 {
		return ErrNoChannels
	}
	n := len(chans[0])
	for _, c := range chans[1:] {
		if len(c) != n {
			return ErrLengthMismatch
		}
	}
	C := len(chans)
	if len(dst) != n*C {
		return fmt.Errorf("multiplex destination has length %d, need %d", len(dst), n*C)
	}
	if C == 1 {
		copy(dst, chans[0])
		return nil
	}
	for c, buf := range chans {
		for k, v := range buf {
			dst[k*C+c] = v
		}
	}
	return nil
}

// Demultiplex is the inverse of Multiplex
func Demultiplex(buf []int16, channels int) ([][]int16, error) {
	if channels < 1 {
		return nil, ErrNoChannels
	}
	if len(buf)%channels != 0 {
		return nil, ErrLengthMismatch
	}
	n := len(buf) / channels
	out := make([][]int16, channels)
	for c := range out {
		out[c] = make([]int16, n)
		for k := 0; k < n; k++ {
			out[c][k] = buf[k*channels+c]
		}
	}
	return out, nil
}
