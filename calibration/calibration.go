// Package calibration converts a requested relative optical power at a given
// RF frequency into the drive amplitude (mV) that produces it.
//
// A Calibration is built once from a curve file and is immutable afterwards.
// The measured curves are smoothed with Akima splines and resampled onto a
// dense uniform grid at build time, so evaluation is an allocation-free
// bilinear lookup that is safe to share between goroutines.  Holder publishes
// new versions copy-on-write.
package calibration

import (
	"log"
	"math"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/interp"

	"github.com/tweezerlab/awg/fault"
	"github.com/tweezerlab/awg/util"
)

const (
	// GridFreqPoints and GridPowerPoints size the dense evaluation grid
	GridFreqPoints  = 400
	GridPowerPoints = 200
)

// clampLog rate limits the warning emitted when queries fall off the table
var clampLog = rate.NewLimiter(rate.Every(time.Second), 1)

// Settings describe where a calibration comes from and how to behave
// without one
type Settings struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Filename is a legacy curve file (any extension) or a contour file (.awgde)
	Filename string `yaml:"filename" json:"filename"`

	// FreqLimit1MHz and FreqLimit2MHz bound the frequency axis of legacy files
	FreqLimit1MHz float64 `yaml:"freq_limit_1_MHz" json:"freq_limit_1_MHz"`
	FreqLimit2MHz float64 `yaml:"freq_limit_2_MHz" json:"freq_limit_2_MHz"`

	// AmpLimit1 and AmpLimit2 bound the relative power axis of legacy files
	AmpLimit1 float64 `yaml:"amp_limit_1" json:"amp_limit_1"`
	AmpLimit2 float64 `yaml:"amp_limit_2" json:"amp_limit_2"`

	// NonAdjustedAmpMV scales relative power to mV when disabled
	NonAdjustedAmpMV float64 `yaml:"non_adjusted_amp_mV" json:"non_adjusted_amp_mV"`
}

// DefaultSettings is a disabled calibration with a 100 mV linear scale
func DefaultSettings() Settings {
	return Settings{
		FreqLimit1MHz:    85,
		FreqLimit2MHz:    115,
		AmpLimit1:        0,
		AmpLimit2:        1,
		NonAdjustedAmpMV: 100,
	}
}

// Calibration is an immutable frequency/power to amplitude map
type Calibration struct {
	settings Settings
	g        *grid
}

// grid is a uniform table, row major in power
type grid struct {
	p0, p1, dp float64
	f0, f1, df float64
	nP, nF     int
	v          []float64
}

// Disabled returns a calibration that scales power linearly by s.NonAdjustedAmpMV
func Disabled(s Settings) *Calibration {
	s.Enabled = false
	return &Calibration{settings: s}
}

// Build loads the calibration described by s.  Build never fails outright:
// when the file is missing or malformed the returned calibration is disabled
// and the error is a fault.Degraded warning.
func Build(s Settings) (*Calibration, error) {
	if !s.Enabled {
		return Disabled(s), nil
	}
	raw, err := readSource(s)
	if err != nil {
		return degrade(s, err)
	}
	g, err := resample(raw, GridPowerPoints, GridFreqPoints)
	if err != nil {
		return degrade(s, err)
	}
	return &Calibration{settings: s, g: g}, nil
}

func degrade(s Settings, err error) (*Calibration, error) {
	werr := fault.Degradedf("calibration.Build", "calibration %q disabled, amplitudes will not be frequency adjusted: %v", s.Filename, err)
	log.Println(werr)
	return &Calibration{settings: s}, werr
}

// fitter returns the smoothest interpolant the point count allows
func fitter(n int) interp.FittablePredictor {
	if n >= 3 {
		return &interp.AkimaSpline{}
	}
	return &interp.PiecewiseLinear{}
}

// resample smooths raw along frequency then power and samples it on a
// uniform nP x nF grid
func resample(raw rawTable, nP, nF int) (*grid, error) {
	if len(raw.freqs) < 2 || len(raw.powers) < 1 {
		return nil, fault.Validationf("calibration.resample", "table of %d powers x %d freqs is too small", len(raw.powers), len(raw.freqs))
	}
	f0, f1 := raw.freqs[0], raw.freqs[len(raw.freqs)-1]
	if !(f1 > f0) {
		return nil, fault.Validationf("calibration.resample", "frequency limits %v, %v are degenerate", f0, f1)
	}
	freqs := util.Linspace(f0, f1, nF)

	// along frequency
	mid := make([][]float64, len(raw.powers))
	for i, row := range raw.rows {
		fp := fitter(len(raw.freqs))
		if err := fp.Fit(raw.freqs, row); err != nil {
			return nil, err
		}
		out := make([]float64, nF)
		for j, f := range freqs {
			out[j] = fp.Predict(f)
		}
		mid[i] = out
	}

	g := &grid{f0: f0, f1: f1, nF: nF}
	g.df = (f1 - f0) / float64(nF-1)
	if len(raw.powers) == 1 {
		g.p0, g.p1, g.nP = raw.powers[0], raw.powers[0], 1
		g.v = mid[0]
		return g, nil
	}
	g.p0, g.p1, g.nP = raw.powers[0], raw.powers[len(raw.powers)-1], nP
	g.dp = (g.p1 - g.p0) / float64(nP-1)
	powers := util.Linspace(g.p0, g.p1, nP)
	g.v = make([]float64, nP*nF)

	// along power, one column at a time
	col := make([]float64, len(raw.powers))
	for j := 0; j < nF; j++ {
		for i := range raw.powers {
			col[i] = mid[i][j]
		}
		fp := fitter(len(raw.powers))
		if err := fp.Fit(raw.powers, col); err != nil {
			return nil, err
		}
		for i, p := range powers {
			g.v[i*nF+j] = fp.Predict(p)
		}
	}
	return g, nil
}

// at evaluates the grid bilinearly.  Queries outside the grid are clamped
// to its edges and reported.
func (g *grid) at(f, p float64) (float64, bool) {
	clamped := false
	if f < g.f0 {
		f, clamped = g.f0, true
	} else if f > g.f1 {
		f, clamped = g.f1, true
	}
	if p < g.p0 {
		p, clamped = g.p0, true
	} else if p > g.p1 {
		p, clamped = g.p1, true
	}

	x := (f - g.f0) / g.df
	j := int(x)
	if j >= g.nF-1 {
		j = g.nF - 2
	}
	tx := x - float64(j)

	if g.nP == 1 {
		return g.v[j]*(1-tx) + g.v[j+1]*tx, clamped
	}
	y := (p - g.p0) / g.dp
	i := int(y)
	if i >= g.nP-1 {
		i = g.nP - 2
	}
	ty := y - float64(i)

	r0 := g.v[i*g.nF+j]*(1-tx) + g.v[i*g.nF+j+1]*tx
	r1 := g.v[(i+1)*g.nF+j]*(1-tx) + g.v[(i+1)*g.nF+j+1]*tx
	return r0*(1-ty) + r1*ty, clamped
}

// Enabled returns true if the calibration uses a measured table
func (c *Calibration) Enabled() bool {
	return c.g != nil
}

// Settings returns the settings the calibration was built from.  Enabled is
// false if the table failed to load; Requested keeps the flag as asked for.
func (c *Calibration) Settings() Settings {
	s := c.settings
	s.Enabled = c.Enabled()
	return s
}

// Requested returns the settings exactly as supplied to Build
func (c *Calibration) Requested() Settings {
	return c.settings
}

// At returns the amplitude for one frequency (MHz) and relative power.  The
// bool is true if the query fell outside the table or the result was capped.
func (c *Calibration) At(freqMHz, power float64) (float64, bool) {
	if c.g == nil {
		return power * c.settings.NonAdjustedAmpMV, false
	}
	if math.IsNaN(freqMHz) || math.IsNaN(power) {
		return 0, true
	}
	v, clamped := c.g.at(freqMHz, power)
	if v > MaxAmplitudeMV {
		return MaxAmplitudeMV, true
	}
	if v < 0 || math.IsNaN(v) {
		return 0, true
	}
	return v, clamped
}

// EvaluateInto writes the amplitude for each (freqs[i], powers[i]) pair into
// dst and returns how many were clamped.  The slices must have equal length.
// EvaluateInto does not allocate.
func (c *Calibration) EvaluateInto(dst, freqs, powers []float64) int {
	n := 0
	for i := range dst {
		v, clamped := c.At(freqs[i], powers[i])
		dst[i] = v
		if clamped {
			n++
		}
	}
	return n
}

// Evaluate returns the amplitude for each (freqs[i], powers[i]) pair.
// Clamped queries are logged at most once a second.
func (c *Calibration) Evaluate(freqs, powers []float64) []float64 {
	n := len(freqs)
	if len(powers) < n {
		n = len(powers)
	}
	out := make([]float64, n)
	if clamped := c.EvaluateInto(out, freqs[:n], powers[:n]); clamped > 0 && clampLog.Allow() {
		log.Println(fault.Clampedf("calibration.Evaluate", "%d of %d queries fell outside calibration %q", clamped, n, c.settings.Filename))
	}
	return out
}

// Bounds returns the frequency and power extent of the table, or false if disabled
func (c *Calibration) Bounds() (fmin, fmax, pmin, pmax float64, ok bool) {
	if c.g == nil {
		return 0, 0, 0, 0, false
	}
	return c.g.f0, c.g.f1, c.g.p0, c.g.p1, true
}
