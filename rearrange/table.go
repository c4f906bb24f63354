package rearrange

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"math/bits"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tweezerlab/awg/action"
	"github.com/tweezerlab/awg/card"
	"github.com/tweezerlab/awg/fault"
	"github.com/tweezerlab/awg/waveform"
)

// Movement is one trap moved from a source to a target frequency
type Movement struct {
	ID        int     `json:"id"`
	Source    int     `json:"source"`
	Target    int     `json:"target"`
	SourceMHz float64 `json:"source_MHz"`
	TargetMHz float64 `json:"target_MHz"`
}

// Stats summarize a table
type Stats struct {
	Epoch      uuid.UUID     `json:"epoch"`
	Patterns   int           `json:"patterns"`
	Movements  int           `json:"movements"`
	Reserved   int           `json:"reserved_segments"`
	Samples    int           `json:"samples"`
	CacheBytes int           `json:"cache_bytes"`
	Saturated  int           `json:"saturated_samples"`
	BuildTime  time.Duration `json:"build_time_ns"`
}

// Table is an immutable set of precomputed movement buffers.  Only the
// resolution scratch space is written after Build returns, and only by
// the single context calling Resolve.
type Table struct {
	cfg       Config
	stats     Stats
	channels  int
	samples   int
	movements []Movement

	// patterns holds, per canonical mask, a slice of flat
	patterns map[uint64][]int32
	flat     []int32

	// rearr holds the rearrangement channel codes of each movement
	// (simultaneous); mux the multiplexed buffer of each movement (sequential)
	rearr [][]int16
	mux   [][]int16
	// other holds the base codes of every channel, the rearrangement one
	// replaced by the scratch sum
	other [][]int16
	empty []int16

	sum    []int16
	out    []int16
	result [][]int16
}

// Build precomputes every movement of cfg.  base holds the template
// segment's action for each channel; the rearrangement channel's action
// supplies every tone parameter except the frequencies, and the other
// channels are played unchanged.
func Build(cfg Config, base []*action.Action, cs *card.Settings) (*Table, error) {
	const op = "rearrange.Build"
	start := time.Now()
	cfg, err := cfg.normalize(cs.ActiveChannels)
	if err != nil {
		return nil, err
	}
	if len(base) != cs.ActiveChannels {
		return nil, fault.Validationf(op, "template segment has %d channels, card has %d", len(base), cs.ActiveChannels)
	}
	tmpl := base[cfg.Channel]
	if !tmpl.IsFreqChanging() {
		return nil, fault.Validationf(op, "template segment does not sweep frequency on channel %d", cfg.Channel)
	}

	n, m := len(cfg.SourcesMHz), len(cfg.TargetsMHz)
	t := &Table{
		cfg:      cfg,
		channels: cs.ActiveChannels,
		samples:  tmpl.Samples(),
	}
	t.enumerate(n, m)

	params, err := movementParams(tmpl, t.movements, phaseSeed(cfg))
	if err != nil {
		return nil, err
	}
	sat, err := t.synthesize(params, base, cs)
	if err != nil {
		return nil, err
	}
	if err := t.assemble(cfg.Channel); err != nil {
		return nil, err
	}

	t.stats = Stats{
		Epoch:     uuid.New(),
		Patterns:  len(t.patterns),
		Movements: len(t.movements),
		Reserved:  cfg.Reserved(),
		Samples:   t.samples,
		Saturated: sat,
		BuildTime: time.Since(start),
	}
	for _, b := range append(append(append([][]int16{}, t.rearr...), t.mux...), t.empty, t.sum, t.out) {
		t.stats.CacheBytes += 2 * len(b)
	}
	return t, nil
}

// enumerate lists every pattern of n bits with 1..m ones.  The j-th set bit
// of a pattern moves source i to target j; each (i, j) pair is a movement
// with an ID in order of first use.
func (t *Table) enumerate(n, m int) {
	cfg := t.cfg
	ids := make([]int32, n*m)
	for i := range ids {
		ids[i] = -1
	}
	t.patterns = make(map[uint64][]int32, patternCount(n, m))
	var masks []uint64
	for k := 1; k <= m; k++ {
		masks = combinations(masks, n, k)
	}
	offsets := make([]int, len(masks)+1)
	for _, mask := range masks {
		j := 0
		for rest := mask; rest != 0; rest &= rest - 1 {
			i := bits.TrailingZeros64(rest)
			key := i*m + j
			if ids[key] < 0 {
				ids[key] = int32(len(t.movements))
				t.movements = append(t.movements, Movement{
					ID:        len(t.movements),
					Source:    i,
					Target:    j,
					SourceMHz: cfg.SourcesMHz[i],
					TargetMHz: cfg.TargetsMHz[j],
				})
			}
			t.flat = append(t.flat, ids[key])
			j++
		}
	}
	for p, mask := range masks {
		offsets[p+1] = offsets[p] + bits.OnesCount64(mask)
		t.patterns[mask] = t.flat[offsets[p]:offsets[p+1]:offsets[p+1]]
	}
}

// combinations appends every n bit mask with exactly k ones, in increasing order
func combinations(dst []uint64, n, k int) []uint64 {
	if k > n {
		return dst
	}
	var last uint64
	if n == 64 {
		last = math.MaxUint64
	} else {
		last = 1<<uint(n) - 1
	}
	v := uint64(1)<<uint(k) - 1
	if k == 64 {
		v = math.MaxUint64
	}
	for {
		dst = append(dst, v)
		if k == n {
			return dst
		}
		// Gosper's hack: next larger value with the same popcount
		c := v & -v
		r := v + c
		if r == 0 || r > last {
			return dst
		}
		next := (((r ^ v) >> 2) / c) | r
		if next > last {
			return dst
		}
		v = next
	}
}

// phaseSeed derives the start phase generator from the frequencies, so the
// same configuration always gives the same phases
func phaseSeed(cfg Config) *rand.Rand {
	h := fnv.New64a()
	var b [8]byte
	for _, f := range append(append([]float64(nil), cfg.SourcesMHz...), cfg.TargetsMHz...) {
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
		h.Write(b[:])
	}
	s := h.Sum64()
	return rand.New(rand.NewPCG(s, s^0x5851f42d4c957f2d))
}

// movementParams derives a single tone action per movement from tone 0 of
// the template
func movementParams(tmpl *action.Action, movs []Movement, rng *rand.Rand) ([]action.Params, error) {
	p := tmpl.Params()
	one := func(tp action.ToneParams) action.ToneParams {
		out := action.ToneParams{Function: tp.Function, Values: map[string][]float64{}}
		for k, v := range tp.Values {
			out.Values[k] = []float64{v[0]}
		}
		return out
	}
	freq, amp := one(p.Freq), one(p.Amp)
	if _, ok := freq.Values[waveform.EndFreq]; !ok {
		return nil, fault.Validationf("rearrange.Build", "template has no %s", waveform.EndFreq)
	}
	out := make([]action.Params, len(movs))
	for i, mv := range movs {
		q := action.Params{
			DurationMs:     p.DurationMs,
			PhaseBehaviour: action.Manual,
			Freq:           freq,
			Amp:            amp,
		}.Clone()
		q.Freq.Values[waveform.StartFreq][0] = mv.SourceMHz
		q.Freq.Values[waveform.EndFreq][0] = mv.TargetMHz
		q.Freq.Values[waveform.StartPhase][0] = rng.Float64() * 360
		out[i] = q
	}
	return out, nil
}

// synthesize calculates every movement action and the template's other
// channels, converting them to card codes.  Movements are independent and
// are spread over GOMAXPROCS workers.
func (t *Table) synthesize(params []action.Params, base []*action.Action, cs *card.Settings) (int, error) {
	ch := t.cfg.Channel
	cal := base[ch].Calibration()
	codes := make([][]int16, len(params))
	sats := make([]int, len(params))
	errs := make([]error, len(params))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < runtime.GOMAXPROCS(0); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				a, err := action.New(params[i], cs, cal)
				if err != nil && !fault.Is(err, fault.Clamped) {
					errs[i] = err
					continue
				}
				codes[i] = make([]int16, t.samples)
				sats[i] = card.ToCodes(codes[i], a.Data(), cs.MaxOutputMV)
			}
		}()
	}
	for i := range params {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	sat := 0
	for i := range params {
		if errs[i] != nil {
			return 0, errs[i]
		}
		sat += sats[i]
	}
	t.rearr = codes

	t.other = make([][]int16, t.channels)
	for c, a := range base {
		if c == ch {
			continue
		}
		if a.Samples() != t.samples {
			return 0, fault.Validationf("rearrange.Build", "channel %d has %d samples, channel %d has %d", c, a.Samples(), ch, t.samples)
		}
		t.other[c] = make([]int16, t.samples)
		sat += card.ToCodes(t.other[c], a.Data(), cs.MaxOutputMV)
	}
	return sat, nil
}

// assemble prepares the empty buffer, the sequential buffers and the
// resolution scratch space
func (t *Table) assemble(ch int) error {
	t.sum = make([]int16, t.samples)
	t.other[ch] = t.sum
	size := t.samples * t.channels

	t.empty = make([]int16, size)
	if err := card.Multiplex(t.empty, t.other); err != nil {
		return err
	}
	if t.cfg.Mode == Sequential {
		chans := append([][]int16(nil), t.other...)
		t.mux = make([][]int16, len(t.rearr))
		for i, r := range t.rearr {
			chans[ch] = r
			t.mux[i] = make([]int16, size)
			if err := card.Multiplex(t.mux[i], chans); err != nil {
				return err
			}
		}
		// the multiplexed copies are all resolution needs
		t.rearr = nil
	} else {
		t.out = make([]int16, size)
	}
	t.result = make([][]int16, 0, t.cfg.Reserved())
	return nil
}

// Config returns the normalized configuration of the table
func (t *Table) Config() Config { return t.cfg }

// Stats returns the table summary
func (t *Table) Stats() Stats { return t.stats }

// Movements returns the movements of the table
func (t *Table) Movements() []Movement { return append([]Movement(nil), t.movements...) }

// Pattern returns the movements of the canonical pattern of occ
func (t *Table) Pattern(occ string) ([]Movement, error) {
	mask, err := canonical(occ, len(t.cfg.SourcesMHz), len(t.cfg.TargetsMHz))
	if err != nil {
		return nil, err
	}
	ids, ok := t.patterns[mask]
	if !ok {
		return nil, fault.CacheMissf("rearrange.Pattern", "no pattern %s", maskString(mask, len(t.cfg.SourcesMHz)))
	}
	out := make([]Movement, len(ids))
	for i, id := range ids {
		out[i] = t.movements[id]
	}
	return out, nil
}

// Resolve assembles the buffers of occ.  The returned slices are scratch
// space owned by the table and stay valid until the next call.
func (t *Table) Resolve(occ string) ([][]int16, error) {
	mask, err := canonical(occ, len(t.cfg.SourcesMHz), len(t.cfg.TargetsMHz))
	if err != nil {
		return nil, err
	}
	ids, ok := t.patterns[mask]
	if !ok {
		return nil, fault.CacheMissf("rearrange.Resolve", "pattern %x not in table %s", mask, t.stats.Epoch)
	}
	out := t.result[:0]
	if t.cfg.Mode == Sequential {
		for _, id := range ids {
			out = append(out, t.mux[id])
		}
		for len(out) < cap(out) {
			out = append(out, t.empty)
		}
		return out, nil
	}

	for i := range t.sum {
		t.sum[i] = 0
	}
	for _, id := range ids {
		card.SaturatingAdd(t.sum, t.rearr[id])
	}
	if err := card.Multiplex(t.out, t.other); err != nil {
		return nil, err
	}
	return append(out, t.out), nil
}
