package calibration

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/interp"

	"github.com/tweezerlab/awg/util"
)

const (
	// legacyFreqPoints and legacyPowerPoints size the grid a legacy
	// curve file is resampled onto before smoothing
	legacyFreqPoints  = 100
	legacyPowerPoints = 200

	// MaxAmplitudeMV caps the drive amplitude any calibration may request
	MaxAmplitudeMV = 280.

	// ContourExt is the extension of pre-baked contour files
	ContourExt = ".awgde"
)

// curve is one constant-optical-power contour as it appears on disk
type curve struct {
	Freqs []float64 `json:"Frequency (MHz)"`
	Amps  []float64 `json:"RF Amplitude (mV)"`
}

// legacyFile is the outer object of a legacy power-indexed curve file
type legacyFile struct {
	Curves map[string]curve `json:"Power_calibration"`
}

// rawTable is a calibration sampled on a rectangular but not necessarily
// smooth or dense grid
type rawTable struct {
	powers []float64
	freqs  []float64
	rows   [][]float64 // rows[i][j] is the amplitude at powers[i], freqs[j]
}

// readSource dispatches on file extension
func readSource(s Settings) (rawTable, error) {
	buf, err := os.ReadFile(s.Filename)
	if err != nil {
		return rawTable{}, errors.Wrap(err, "reading calibration file")
	}
	if strings.EqualFold(filepath.Ext(s.Filename), ContourExt) {
		return parseContours(buf)
	}
	return parseLegacy(buf, s)
}

// fit returns a 1-D interpolant for the curve, sorted and de-duplicated,
// that holds its end values outside the sampled range
func (c curve) fit() (*interp.PiecewiseLinear, error) {
	if len(c.Freqs) != len(c.Amps) {
		return nil, errors.Errorf("curve has %d frequencies and %d amplitudes", len(c.Freqs), len(c.Amps))
	}
	if len(c.Freqs) < 2 {
		return nil, errors.New("curve needs at least two points")
	}
	idx := make([]int, len(c.Freqs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return c.Freqs[idx[a]] < c.Freqs[idx[b]] })
	xs := make([]float64, 0, len(idx))
	ys := make([]float64, 0, len(idx))
	for _, i := range idx {
		if !finite(c.Freqs[i]) || !finite(c.Amps[i]) {
			continue
		}
		if n := len(xs); n > 0 && xs[n-1] == c.Freqs[i] {
			continue
		}
		xs = append(xs, c.Freqs[i])
		ys = append(ys, c.Amps[i])
	}
	if len(xs) < 2 {
		return nil, errors.New("curve needs at least two distinct frequencies")
	}
	pl := &interp.PiecewiseLinear{}
	if err := pl.Fit(xs, ys); err != nil {
		return nil, err
	}
	return pl, nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func minmax(s []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range s {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// parseLegacy builds a table from a power-indexed curve file.  Each grid
// power takes the curve whose key is nearest; curves that cannot be fit are
// skipped.  Amplitudes are capped at MaxAmplitudeMV.
func parseLegacy(buf []byte, s Settings) (rawTable, error) {
	var lf legacyFile
	if err := json.Unmarshal(buf, &lf); err != nil {
		return rawTable{}, errors.Wrap(err, "decoding legacy calibration")
	}
	type keyed struct {
		power float64
		fit   *interp.PiecewiseLinear
	}
	var curves []keyed
	for k, c := range lf.Curves {
		p, err := strconv.ParseFloat(strings.TrimSpace(k), 64)
		if err != nil {
			continue
		}
		pl, err := c.fit()
		if err != nil {
			continue
		}
		curves = append(curves, keyed{power: p, fit: pl})
	}
	if len(curves) == 0 {
		return rawTable{}, errors.New("legacy calibration has no usable curves")
	}
	sort.Slice(curves, func(i, j int) bool { return curves[i].power < curves[j].power })

	flo, fhi := math.Min(s.FreqLimit1MHz, s.FreqLimit2MHz), math.Max(s.FreqLimit1MHz, s.FreqLimit2MHz)
	plo, phi := math.Min(s.AmpLimit1, s.AmpLimit2), math.Max(s.AmpLimit1, s.AmpLimit2)
	t := rawTable{
		freqs:  util.Linspace(flo, fhi, legacyFreqPoints),
		powers: util.Linspace(plo, phi, legacyPowerPoints),
	}
	t.rows = make([][]float64, len(t.powers))
	for i, p := range t.powers {
		best := 0
		for j := range curves {
			if math.Abs(curves[j].power-p) < math.Abs(curves[best].power-p) {
				best = j
			}
		}
		row := make([]float64, len(t.freqs))
		for j, f := range t.freqs {
			row[j] = math.Min(curves[best].fit.Predict(f), MaxAmplitudeMV)
		}
		t.rows[i] = row
	}
	return t, nil
}

// parseContours builds a table from a pre-baked contour file.  The frequency
// axis spans the lowest-power contour; each contour is filled with its own
// maximum outside its sampled range.
func parseContours(buf []byte) (rawTable, error) {
	var contours map[string]curve
	if err := json.Unmarshal(buf, &contours); err != nil {
		return rawTable{}, errors.Wrap(err, "decoding contour calibration")
	}
	type keyed struct {
		power float64
		c     curve
	}
	var ks []keyed
	for k, c := range contours {
		p, err := strconv.ParseFloat(strings.TrimSpace(k), 64)
		if err != nil {
			return rawTable{}, errors.Wrapf(err, "contour key %q", k)
		}
		ks = append(ks, keyed{power: p, c: c})
	}
	if len(ks) == 0 {
		return rawTable{}, errors.New("contour calibration is empty")
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i].power < ks[j].power })

	flo, fhi := minmax(ks[0].c.Freqs)
	if !finite(flo) || !finite(fhi) || flo >= fhi {
		return rawTable{}, errors.Errorf("contour %v does not span a frequency range", ks[0].power)
	}
	t := rawTable{freqs: util.Linspace(flo, fhi, legacyFreqPoints)}
	for _, k := range ks {
		if n := len(t.powers); n > 0 && t.powers[n-1] == k.power {
			continue
		}
		pl, err := k.c.fit()
		if err != nil {
			return rawTable{}, errors.Wrapf(err, "contour %v", k.power)
		}
		clo, chi := minmax(k.c.Freqs)
		_, fill := minmax(k.c.Amps)
		row := make([]float64, len(t.freqs))
		for j, f := range t.freqs {
			if f < clo || f > chi {
				row[j] = fill
				continue
			}
			row[j] = pl.Predict(f)
		}
		t.powers = append(t.powers, k.power)
		t.rows = append(t.rows, row)
	}
	return t, nil
}
