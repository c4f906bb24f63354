package calibration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tweezerlab/awg/fault"
)

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func flat(fmin, fmax, mV float64) curve {
	return curve{Freqs: []float64{fmin, (fmin + fmax) / 2, fmax}, Amps: []float64{mV, mV, mV}}
}

func contourSettings(t *testing.T, contours map[string]curve) Settings {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "cal"+ContourExt)
	writeJSON(t, fn, contours)
	s := DefaultSettings()
	s.Enabled = true
	s.Filename = fn
	return s
}

func TestMissingFileDegrades(t *testing.T) {
	s := DefaultSettings()
	s.Enabled = true
	s.Filename = filepath.Join(t.TempDir(), "nope.txt")
	c, err := Build(s)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Degraded))
	assert.False(t, c.Enabled())
	assert.False(t, c.Settings().Enabled)
	assert.True(t, c.Requested().Enabled)
	assert.Equal(t, []float64{50, 100}, c.Evaluate([]float64{100, 100}, []float64{0.5, 1}))
}

func TestCorruptFileDegrades(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(fn, []byte("{not json"), 0o644))
	s := DefaultSettings()
	s.Enabled = true
	s.Filename = fn
	c, err := Build(s)
	assert.True(t, fault.Is(err, fault.Degraded))
	assert.False(t, c.Enabled())
}

func TestDisabledIsLinear(t *testing.T) {
	s := DefaultSettings()
	s.NonAdjustedAmpMV = 200
	c, err := Build(s)
	require.NoError(t, err)
	v, clamped := c.At(150, 0.25)
	assert.Equal(t, 50., v)
	assert.False(t, clamped)
}

func TestContourInterpolates(t *testing.T) {
	c, err := Build(contourSettings(t, map[string]curve{
		"0": flat(90, 110, 0),
		"1": flat(90, 110, 200),
	}))
	require.NoError(t, err)
	require.True(t, c.Enabled())

	v, clamped := c.At(100, 0.5)
	assert.InDelta(t, 100, v, 1e-6)
	assert.False(t, clamped)

	v, clamped = c.At(100, 2)
	assert.InDelta(t, 200, v, 1e-6)
	assert.True(t, clamped)

	_, clamped = c.At(150, 0.5)
	assert.True(t, clamped)

	fmin, fmax, pmin, pmax, ok := c.Bounds()
	require.True(t, ok)
	assert.Equal(t, []float64{90, 110, 0, 1}, []float64{fmin, fmax, pmin, pmax})
}

func TestContourFillsWithCurveMaximum(t *testing.T) {
	c, err := Build(contourSettings(t, map[string]curve{
		"0.5": {Freqs: []float64{90, 110}, Amps: []float64{10, 20}},
		"1":   {Freqs: []float64{95, 105}, Amps: []float64{50, 60}},
	}))
	require.NoError(t, err)
	// 92 MHz is outside the 1.0 contour, which holds its maximum there
	v, _ := c.At(92, 1)
	assert.InDelta(t, 60, v, 1e-6)
}

func TestEvaluateIntoCountsClamps(t *testing.T) {
	c, err := Build(contourSettings(t, map[string]curve{
		"0": flat(90, 110, 0),
		"1": flat(90, 110, 200),
	}))
	require.NoError(t, err)
	dst := make([]float64, 3)
	n := c.EvaluateInto(dst, []float64{100, 80, 100}, []float64{0.25, 0.25, -1})
	assert.Equal(t, 2, n)
	assert.InDelta(t, 50, dst[0], 1e-6)
	assert.InDelta(t, 50, dst[1], 1e-6)
	assert.InDelta(t, 0, dst[2], 1e-6)
}

func TestLegacyNearestPowerAndCap(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "legacy.txt")
	writeJSON(t, fn, legacyFile{Curves: map[string]curve{
		"0.5": flat(80, 120, 100),
		"1":   flat(80, 120, 300),
		"bad": flat(80, 120, 1),
	}})
	s := DefaultSettings()
	s.Enabled = true
	s.Filename = fn
	s.FreqLimit1MHz, s.FreqLimit2MHz = 110, 90
	c, err := Build(s)
	require.NoError(t, err)

	v, _ := c.At(100, 0.2)
	assert.InDelta(t, 100, v, 1e-6)
	v, _ = c.At(100, 0.99)
	assert.InDelta(t, MaxAmplitudeMV, v, 1e-9)
	fmin, fmax, _, _, _ := c.Bounds()
	assert.Equal(t, 90., fmin)
	assert.Equal(t, 110., fmax)
}

func TestHolderCopyOnWrite(t *testing.T) {
	h := NewHolder(nil)
	old := h.Load()
	s := DefaultSettings()
	s.NonAdjustedAmpMV = 10
	require.NoError(t, h.Reload(s))
	v, _ := old.At(100, 1)
	assert.Equal(t, 100., v, "snapshot taken before reload must not change")
	v, _ = h.Load().At(100, 1)
	assert.Equal(t, 10., v)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	s := contourSettings(t, map[string]curve{
		"0": flat(90, 110, 0),
		"1": flat(90, 110, 100),
	})
	c, err := Build(s)
	require.NoError(t, err)
	h := NewHolder(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan error, 8)
	go Watch(ctx, h, func(err error) { reloaded <- err })

	// give the watcher a moment to register
	time.Sleep(100 * time.Millisecond)
	writeJSON(t, s.Filename, map[string]curve{
		"0": flat(90, 110, 0),
		"1": flat(90, 110, 200),
	})
	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("calibration was not reloaded")
	}
	assert.Eventually(t, func() bool {
		v, _ := h.Load().At(100, 1)
		return v > 199 && v < 201
	}, 2*time.Second, 10*time.Millisecond)
}
