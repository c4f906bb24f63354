package export

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tweezerlab/awg/action"
)

type fakeSource [][][]float64

func (f fakeSource) SegmentData(seg int) ([][]float64, error) {
	if seg >= len(f) {
		return nil, errors.New("no such segment")
	}
	return f[seg], nil
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []float64{0, 1.5, -2.25e-3}))
	assert.Equal(t, "0\n1.5\n-0.00225\n", buf.String())
}

func TestSegmentsToCSV(t *testing.T) {
	src := fakeSource{
		{{1, 2}, {3, 4}},
		{{5, 6}, {7, 8}},
	}
	dir := filepath.Join(t.TempDir(), "out")
	paths, err := SegmentsToCSV(dir, src, 2)
	require.NoError(t, err)
	require.Len(t, paths, 4)
	assert.Equal(t, filepath.Join(dir, "seg1ch0.csv"), paths[2])
	b, err := os.ReadFile(paths[3])
	require.NoError(t, err)
	assert.Equal(t, "7\n8\n", string(b))

	_, err = SegmentsToCSV(dir, src, 3)
	assert.Error(t, err)
}

func TestWriteFITS(t *testing.T) {
	data := [][]float64{{0, 1, 2, 3}, {-1, -2, -3, -4}}
	var buf bytes.Buffer
	md := []fitsio.Card{{Name: "AWGNAME", Value: "AWG1", Comment: "generator"}}
	require.NoError(t, WriteFITS(&buf, md, data))

	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	img, ok := f.HDU(0).(fitsio.Image)
	require.True(t, ok)
	assert.Equal(t, []int{4, 2}, img.Header().Axes())
	card := img.Header().Get("AWGNAME")
	require.NotNil(t, card)
	assert.Equal(t, "AWG1", card.Value)

	assert.Equal(t, ErrNoData, WriteFITS(&buf, nil, nil))
	assert.Error(t, WriteFITS(&buf, nil, [][]float64{{1, 2}, {1}}))
}

func TestPreviewPNG(t *testing.T) {
	p := action.Preview{
		TimeUs: []float64{0, 1, 2},
		Freq:   [][]float64{{100, 100.5, 101}, {102, 102, 102}},
		Amp:    [][]float64{{1, 1, 1}, {0.5, 0.4, 0.3}},
	}
	var buf bytes.Buffer
	require.NoError(t, PreviewPNG(&buf, "segment 1 channel 0", p))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))

	assert.Equal(t, ErrNoData, PreviewPNG(&buf, "", action.Preview{}))
}
