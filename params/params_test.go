package params

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tweezerlab/awg/card"
	"github.com/tweezerlab/awg/fault"
	"github.com/tweezerlab/awg/rearrange"
	"github.com/tweezerlab/awg/sequence"
	"github.com/tweezerlab/awg/waveform"
)

func sample() File {
	f := Default()
	sweep := sequence.DefaultSegmentParams(1)
	sweep.PhaseBehaviour = "continue"
	sweep.Channels[0].Freq.Function = string(waveform.FreqSweep)
	sweep.Channels[0].Freq.Values = map[string][]float64{
		waveform.StartFreq:  {100, 101},
		waveform.EndFreq:    {102, 103},
		"hybridicity":       {0.5, 0.5},
		waveform.StartPhase: {0, 90},
	}
	f.Segments = append(f.Segments, sweep)
	f.Steps = append(f.Steps, sequence.Step{Segment: 1, Loops: 3, After: card.LoopUntilTrigger, Rearr: true})
	rc := rearrange.DefaultConfig()
	f.Rearr = &rc
	return f
}

func TestSaveLoadRoundTrip(t *testing.T) {
	want := sample()
	path := filepath.Join(t.TempDir(), "nested", "params.yml")
	require.NoError(t, Save(path, want))
	got, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeInlinesToneParams(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sample()))
	s := buf.String()
	assert.Contains(t, s, "function: sweep")
	assert.Contains(t, s, "end_freq_MHz:")
	assert.Contains(t, s, "rearr_settings:")
	assert.Contains(t, s, "after_step: loop_until_trigger")
}

func TestDefaultHasNoRearrangement(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Default()))
	assert.NotContains(t, buf.String(), "rearr_settings")
	f, err := Decode(&buf)
	require.NoError(t, err)
	assert.Nil(t, f.Rearr)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]func(*File){
		"channels":    func(f *File) { f.Card.ActiveChannels = 2 },
		"segment":     func(f *File) { f.Segments[0].Channels = nil },
		"rearr range": func(f *File) { rc := rearrange.DefaultConfig(); rc.Segment = 7; f.Rearr = &rc },
		"card":        func(f *File) { f.Card.NumberOfSegments = 3 },
	}
	for name, mut := range cases {
		f := Default()
		mut(&f)
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, f), name)
		_, err := Decode(&buf)
		assert.True(t, fault.Is(err, fault.Validation), "%s: %v", name, err)
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Cause(err)))

	_, err = Decode(strings.NewReader("segments: [1, 2"))
	assert.Error(t, err)
}
