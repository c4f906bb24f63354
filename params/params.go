// Package params persists the complete parameter set of a waveform generator
// (card settings, calibrations, continuity rules, segments, steps and the
// rearrangement configuration) as YAML.
package params

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/tweezerlab/awg/calibration"
	"github.com/tweezerlab/awg/card"
	"github.com/tweezerlab/awg/fault"
	"github.com/tweezerlab/awg/rearrange"
	"github.com/tweezerlab/awg/sequence"
)

// File is one parameter document
type File struct {
	// Name identifies the generator the parameters were saved from
	Name string `yaml:"name" json:"name"`

	Card card.Settings `yaml:"card_settings" json:"card_settings"`

	// Calibration holds one entry per active channel
	Calibration []calibration.Settings `yaml:"amp_adjuster_settings" json:"amp_adjuster_settings"`

	Datagen sequence.Options `yaml:"datagen_settings" json:"datagen_settings"`

	Segments []sequence.SegmentParams `yaml:"segments" json:"segments"`

	Steps []sequence.Step `yaml:"steps" json:"steps"`

	// Rearr is nil when rearrangement is off
	Rearr *rearrange.Config `yaml:"rearr_settings,omitempty" json:"rearr_settings,omitempty"`
}

// Default is a single channel playing one default segment forever
func Default() File {
	cs := card.DefaultSettings()
	f := File{
		Name:     "AWG1",
		Card:     cs,
		Datagen:  sequence.Options{CoupleStepsSegments: true},
		Segments: []sequence.SegmentParams{sequence.DefaultSegmentParams(cs.ActiveChannels)},
		Steps:    []sequence.Step{sequence.DefaultStep(0)},
	}
	for i := 0; i < cs.ActiveChannels; i++ {
		f.Calibration = append(f.Calibration, calibration.DefaultSettings())
	}
	return f
}

// Validate checks the parts of f that do not need the waveform machinery.
// Segment and step contents are validated when they are built.
func (f File) Validate() error {
	const op = "params.Validate"
	if _, err := f.Card.Normalize(); err != nil && !fault.Is(err, fault.Clamped) {
		return err
	}
	if len(f.Calibration) != f.Card.ActiveChannels {
		return fault.Validationf(op, "%d calibration entries for %d active channels", len(f.Calibration), f.Card.ActiveChannels)
	}
	for i, s := range f.Segments {
		if len(s.Channels) != f.Card.ActiveChannels {
			return fault.Validationf(op, "segment %d has %d channels, card has %d active", i, len(s.Channels), f.Card.ActiveChannels)
		}
	}
	if f.Rearr != nil && (f.Rearr.Segment < 0 || f.Rearr.Segment >= len(f.Segments)) {
		return fault.Validationf(op, "rearrangement segment %d out of range", f.Rearr.Segment)
	}
	return nil
}

// Decode reads a parameter document from r
func Decode(r io.Reader) (File, error) {
	f := File{}
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return f, errors.Wrap(err, "decoding parameters")
	}
	return f, f.Validate()
}

// Encode writes f to w
func Encode(w io.Writer, f File) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(f); err != nil {
		return errors.Wrap(err, "encoding parameters")
	}
	return enc.Close()
}

// Load reads the parameter file at path
func Load(path string) (File, error) {
	fid, err := os.Open(path)
	if err != nil {
		return File{}, errors.Wrapf(err, "loading parameters from %s", path)
	}
	defer fid.Close()
	f, err := Decode(fid)
	return f, errors.Wrapf(err, "loading parameters from %s", path)
}

// Save writes f to path, creating its directory if needed
func Save(path string, f File) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "saving parameters to %s", path)
		}
	}
	fid, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "saving parameters to %s", path)
	}
	defer fid.Close()
	return errors.Wrapf(Encode(fid, f), "saving parameters to %s", path)
}
