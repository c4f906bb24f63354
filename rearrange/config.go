package rearrange

import (
	"log"
	"math"
	"math/bits"
	"strings"

	"github.com/tweezerlab/awg/fault"
)

const (
	// MaxSources is the largest number of source traps, one bit each in a uint64
	MaxSources = 64

	// MaxPatterns bounds the number of canonical occupancy patterns a table may hold
	MaxPatterns = 1 << 20
)

// Mode selects how several movements share the card
type Mode string

const (
	// Simultaneous sums every movement into one segment
	Simultaneous Mode = "simultaneous"

	// Sequential plays one movement per segment, one after the other
	Sequential Mode = "sequential"
)

// Valid returns true if m is a known mode
func (m Mode) Valid() bool { return m == Simultaneous || m == Sequential }

// Config describes a rearrangement
type Config struct {
	// SourcesMHz are the loading trap frequencies, in the order occupancy
	// strings report them.  Must be strictly monotonic.
	SourcesMHz []float64 `yaml:"start_freq_MHz" json:"start_freq_MHz"`

	// TargetsMHz are the frequencies to fill, in the same order as the sources
	TargetsMHz []float64 `yaml:"target_freq_MHz" json:"target_freq_MHz"`

	// Channel is the output whose tones are moved
	Channel int `yaml:"channel" json:"channel"`

	// Segment is the sequence segment used as the template
	Segment int `yaml:"segment" json:"segment"`

	// Mode is simultaneous or sequential
	Mode Mode `yaml:"mode" json:"mode"`
}

// DefaultConfig moves up to five traps from a ten trap loading array
func DefaultConfig() Config {
	return Config{
		SourcesMHz: []float64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109},
		TargetsMHz: []float64{102.5, 103.5, 104.5, 105.5, 106.5},
		Channel:    0,
		Segment:    1,
		Mode:       Simultaneous,
	}
}

// Reserved is the number of card segments the rearrangement occupies
func (c Config) Reserved() int {
	if c.Mode == Sequential {
		return len(c.TargetsMHz)
	}
	return 1
}

// normalize validates c against the active channel count.  Surplus targets
// are dropped with a warning.
func (c Config) normalize(channels int) (Config, error) {
	const op = "rearrange.Build"
	n := len(c.SourcesMHz)
	if n < 1 || n > MaxSources {
		return c, fault.Validationf(op, "need between 1 and %d source frequencies, got %d", MaxSources, n)
	}
	if len(c.TargetsMHz) < 1 {
		return c, fault.Validationf(op, "no target frequencies")
	}
	if len(c.TargetsMHz) > n {
		log.Printf("%d target frequencies for %d sources, discarding the extra targets", len(c.TargetsMHz), n)
		c.TargetsMHz = c.TargetsMHz[:n]
	}
	if !monotonic(c.SourcesMHz) {
		return c, fault.Validationf(op, "source frequencies must be strictly increasing or decreasing")
	}
	for _, f := range append(append([]float64(nil), c.SourcesMHz...), c.TargetsMHz...) {
		if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
			return c, fault.Validationf(op, "invalid frequency %v", f)
		}
	}
	if c.Channel < 0 || c.Channel >= channels {
		return c, fault.Validationf(op, "channel %d out of range, card has %d active", c.Channel, channels)
	}
	if !c.Mode.Valid() {
		return c, fault.Validationf(op, "invalid mode %q", c.Mode)
	}
	if p := patternCount(n, len(c.TargetsMHz)); p > MaxPatterns {
		return c, fault.Validationf(op, "%d sources and %d targets need more than %d patterns", n, len(c.TargetsMHz), MaxPatterns)
	}
	c.SourcesMHz = append([]float64(nil), c.SourcesMHz...)
	c.TargetsMHz = append([]float64(nil), c.TargetsMHz...)
	return c, nil
}

func monotonic(fs []float64) bool {
	if len(fs) < 2 {
		return true
	}
	up := fs[1] > fs[0]
	for i := 1; i < len(fs); i++ {
		if d := fs[i] - fs[i-1]; d == 0 || (d > 0) != up {
			return false
		}
	}
	return true
}

// patternCount is the sum of C(n, k) for k = 1..m, saturating above MaxPatterns
func patternCount(n, m int) int {
	total, c := 0, 1
	for k := 1; k <= m; k++ {
		// C(n, k) = C(n, k-1) * (n-k+1) / k, exact at each step
		hi, lo := bits.Mul64(uint64(c), uint64(n-k+1))
		if hi != 0 {
			return MaxPatterns + 1
		}
		c = int(lo / uint64(k))
		total += c
		if total > MaxPatterns {
			return MaxPatterns + 1
		}
	}
	return total
}

// canonical maps an occupancy report onto its pattern: characters past n
// are ignored, missing ones count as empty, ones after the m-th are dropped,
// and an empty report occupies trap 0.  It does not allocate unless the
// report holds a character other than 0 and 1.
func canonical(occ string, n, m int) (uint64, error) {
	var mask uint64
	ones := 0
	for i := 0; i < len(occ) && i < n; i++ {
		switch occ[i] {
		case '1':
			if ones < m {
				mask |= 1 << uint(i)
				ones++
			}
		case '0':
		default:
			return 0, fault.Validationf("rearrange.Resolve", "invalid occupancy character %q at %d", occ[i], i)
		}
	}
	if mask == 0 {
		mask = 1
	}
	return mask, nil
}

func maskString(mask uint64, n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		if mask&(1<<uint(i)) != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
