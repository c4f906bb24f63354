/*Package controller owns the complete state of one waveform generator and is
the single entry point used by the network link and the HTTP server.

Edits (parameters, segments, steps, calibration, rearrangement setup) are
serialized by a mutex.  Resolve, which reacts to an occupancy report during an
experimental cycle, never takes that mutex: it reads the published
rearrangement table and uploads the resolved buffers straight to the card.
Concurrent Resolve calls are serialized by a lock of their own.
*/
package controller

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/tweezerlab/awg/action"
	"github.com/tweezerlab/awg/calibration"
	"github.com/tweezerlab/awg/card"
	"github.com/tweezerlab/awg/fault"
	"github.com/tweezerlab/awg/params"
	"github.com/tweezerlab/awg/rearrange"
	"github.com/tweezerlab/awg/sequence"
)

// Controller drives one card
type Controller struct {
	mu sync.Mutex

	name string
	card card.Card
	cs   *card.Settings
	cals []*calibration.Holder
	seq  *sequence.Sequence

	// rearr is the requested rearrangement, nil when off.  built is the
	// template the published table was computed from.
	rearr  *rearrange.Config
	built  *sequence.SegmentParams
	engine rearrange.Engine

	// last is the slot layout on the card; resend forces every segment up
	last   layout
	resend bool

	// rmu guards the rearrangement slots and the scratch buffers of the live table
	rmu sync.Mutex

	lat latencies
}

// New returns a controller for c, initialized from f.  Nothing is sent to
// the card until CalculateSend.
func New(c card.Card, f params.File) (*Controller, error) {
	ctl := &Controller{card: c}
	st, err := ctl.build(f)
	if err != nil {
		return nil, err
	}
	ctl.install(st)
	return ctl, nil
}

// state is everything a parameter file describes, built but not installed
type state struct {
	name  string
	cs    *card.Settings
	cals  []*calibration.Holder
	seq   *sequence.Sequence
	rearr *rearrange.Config
}

func (c *Controller) build(f params.File) (state, error) {
	if err := f.Validate(); err != nil {
		return state{}, err
	}
	cs, err := f.Card.Normalize()
	if err != nil && !fault.Is(err, fault.Clamped) {
		return state{}, err
	}
	cals := make([]*calibration.Holder, cs.ActiveChannels)
	for i := range cals {
		cals[i] = calibration.NewHolder(nil)
		if err := cals[i].Reload(f.Calibration[i]); err != nil {
			log.Printf("channel %d: %v", i, err)
		}
	}
	seq := sequence.New(&cs, cals)
	seq.SetOptions(f.Datagen)
	for i, p := range f.Segments {
		if _, err := seq.AddSegment(p, -1); err != nil {
			return state{}, fault.New(fault.KindOf(err), "controller.Load", fmt.Errorf("segment %d: %w", i, err))
		}
	}
	var rc *rearrange.Config
	if f.Rearr != nil {
		cp := *f.Rearr
		rc = &cp
		if err := seq.SetRearrSegment(rc.Segment); err != nil {
			return state{}, err
		}
	}
	if len(f.Steps) > 0 {
		seq.RemoveAllSteps()
		for i, st := range f.Steps {
			if _, err := seq.AddStep(st, -1); err != nil {
				return state{}, fault.New(fault.KindOf(err), "controller.Load", fmt.Errorf("step %d: %w", i, err))
			}
		}
	}
	return state{name: f.Name, cs: &cs, cals: cals, seq: seq, rearr: rc}, nil
}

func (c *Controller) install(st state) {
	c.name = st.name
	c.cs = st.cs
	c.cals = st.cals
	c.seq = st.seq
	c.rearr = st.rearr
	c.built = nil
	c.withdraw()
	c.resend = true
}

// Name is the name of the generator
func (c *Controller) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Settings returns the card settings in use
func (c *Controller) Settings() card.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.cs
}

// Resolve uploads the waveform that rearranges the reported occupancy into
// the rearrangement slots.  It returns a fault.CacheMiss error if no
// rearrangement table is live.
func (c *Controller) Resolve(occ string) error {
	start := time.Now()
	c.rmu.Lock()
	defer c.rmu.Unlock()
	bufs, err := c.engine.Resolve(occ)
	if fault.Is(err, fault.CacheMiss) {
		return fault.CacheMissf("controller.Resolve", "rearrangement string %q received but rearrangement is not configured", occ)
	}
	if err != nil {
		return err
	}
	// tables are published and withdrawn only under rmu
	base := c.engine.Table().Config().Segment
	for k, b := range bufs {
		if err := c.card.UploadSegment(base+k, b); err != nil {
			return err
		}
	}
	c.lat.record(time.Since(start))
	return nil
}

// Canonicalize reports the pattern an occupancy report would resolve to
func (c *Controller) Canonicalize(occ string) (string, error) {
	return c.engine.Canonicalize(occ)
}

// Latency summarizes recent Resolve calls
func (c *Controller) Latency() LatencyStats { return c.lat.stats() }

// Update is one parameter change of one channel of one segment
type Update struct {
	Channel int     `json:"channel"`
	Segment int     `json:"segment"`
	Param   string  `json:"param"`
	Value   float64 `json:"value"`
	// Text is the value of non numeric parameters (phase_behaviour)
	Text string `json:"text,omitempty"`
	// Tone is the tone to change, negative for all
	Tone int `json:"tone"`
}

// UpdateParams applies updates in order, stopping at the first rejected one.
// Updates before it stay applied.  If send is true the sequence is then
// recalculated and sent.
func (c *Controller) UpdateParams(updates []Update, send bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, u := range updates {
		if err := c.apply(u); err != nil {
			return fault.New(fault.KindOf(err), "controller.UpdateParams", fmt.Errorf("update %d: %w", i, err))
		}
	}
	if !send {
		return nil
	}
	_, err := c.calculateSend()
	return err
}

func (c *Controller) apply(u Update) error {
	if u.Param == action.PhaseBehaviourParam {
		return c.seq.SetPhaseBehaviour(u.Segment, action.PhaseBehaviour(u.Text))
	}
	return c.seq.UpdateParamTone(u.Segment, u.Channel, action.Auto, u.Param, u.Value, u.Tone)
}

// Edit runs f on the sequence with the edit lock held
func (c *Controller) Edit(f func(*sequence.Sequence) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f(c.seq)
}

// View is Edit for read only access
func (c *Controller) View(f func(*sequence.Sequence) error) error {
	return c.Edit(f)
}

// SetCalibration reloads the calibration of channel ch.  A fault.Degraded
// error means the calibration fell back to linear scaling.
func (c *Controller) SetCalibration(ch int, s calibration.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch < 0 || ch >= len(c.cals) {
		return fault.Validationf("controller.SetCalibration", "channel %d out of range", ch)
	}
	err := c.cals[ch].Reload(s)
	c.seq.Invalidate(ch)
	c.built = nil
	return err
}

// Calibrations returns the requested calibration settings and whether each
// is in effect
func (c *Controller) Calibrations() ([]calibration.Settings, []bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := make([]calibration.Settings, len(c.cals))
	on := make([]bool, len(c.cals))
	for i, h := range c.cals {
		cal := h.Load()
		s[i], on[i] = cal.Requested(), cal.Enabled()
	}
	return s, on
}

// WatchCalibrations reloads calibration files as they change until ctx is
// done.  Affected channels are recalculated on the next CalculateSend.
func (c *Controller) WatchCalibrations(ctx context.Context) error {
	c.mu.Lock()
	cals := append([]*calibration.Holder(nil), c.cals...)
	c.mu.Unlock()

	errs := make(chan error, len(cals))
	var wg sync.WaitGroup
	for ch, h := range cals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- calibration.Watch(ctx, h, func(err error) {
				c.mu.Lock()
				defer c.mu.Unlock()
				c.seq.Invalidate(ch)
				c.built = nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && err != ctx.Err() {
			return err
		}
	}
	return ctx.Err()
}

// Configure turns rearrangement on with cfg, sends the sequence and
// publishes the new table.  On error the previous configuration is restored.
func (c *Controller) Configure(cfg rearrange.Config) (rearrange.Stats, error) {
	const op = "controller.Configure"
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.Segment == 0 {
		return rearrange.Stats{}, fault.Validationf(op, "segment 0 cannot be the rearrangement segment")
	}
	prevCfg, prevSeg := c.rearr, c.seq.RearrSegment()
	if err := c.seq.SetRearrSegment(cfg.Segment); err != nil {
		return rearrange.Stats{}, err
	}
	c.rearr = &cfg
	c.built = nil
	if _, err := c.calculateSend(); err != nil {
		c.rearr = prevCfg
		if rerr := c.seq.SetRearrSegment(prevSeg); rerr != nil {
			log.Println(rerr)
		}
		return rearrange.Stats{}, err
	}
	return c.engine.Table().Stats(), nil
}

// Rearrangement returns the live rearrangement configuration and table
// summary.  ok is false when rearrangement is off.
func (c *Controller) Rearrangement() (cfg rearrange.Config, st rearrange.Stats, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rearr == nil {
		return cfg, st, false
	}
	if t := c.engine.Table(); t != nil {
		return t.Config(), t.Stats(), true
	}
	return *c.rearr, st, true
}

// DisableRearrangement turns rearrangement off.  The slots it used are
// reclaimed on the next CalculateSend.
func (c *Controller) DisableRearrangement() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.withdraw()
	c.rearr = nil
	c.built = nil
	if err := c.seq.SetRearrSegment(sequence.NoRearrangement); err != nil {
		log.Println(err)
	}
}

// Report describes one CalculateSend
type Report struct {
	Calculated int           `json:"calculated_actions"`
	Uploaded   int           `json:"uploaded_segments"`
	Saturated  int           `json:"saturated_samples"`
	Steps      int           `json:"programmed_steps"`
	Rebuilt    bool          `json:"rearrangement_rebuilt"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// CalculateSend recalculates every dirty action, rebuilds the rearrangement
// table if its template changed, uploads the segments that changed and
// reprograms the step sequencer
func (c *Controller) CalculateSend() (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calculateSend()
}

func (c *Controller) calculateSend() (Report, error) {
	const op = "controller.CalculateSend"
	start := time.Now()
	rep := Report{Calculated: c.seq.CalculateAll()}

	base := c.seq.RearrSegment()
	t, tmpl, err := c.refreshTable(base)
	if err != nil {
		return rep, err
	}
	reserved := 1
	if c.rearr != nil {
		live := t
		if live == nil {
			live = c.engine.Table()
		}
		reserved = live.Stats().Reserved
	}
	lay := newLayout(c.seq.Len(), base, reserved)
	if lay.slots() > c.cs.NumberOfSegments {
		return rep, fault.Validationf(op, "sequence needs %d card segments, card has %d", lay.slots(), c.cs.NumberOfSegments)
	}
	prog := lay.program(c.seq.Steps())
	if len(prog) > card.MaxSteps {
		return rep, fault.Validationf(op, "sequence needs %d steps, card has %d", len(prog), card.MaxSteps)
	}
	full := c.resend || lay != c.last

	for i := 0; i < c.seq.Len(); i++ {
		seg, _ := c.seq.Segment(i)
		if i == base {
			// played from the rearrangement slots
			seg.MarkTransferred()
			continue
		}
		if !full && !seg.NeedsTransfer() {
			continue
		}
		codes, sat, err := seg.Codes(c.cs.MaxOutputMV)
		if err != nil {
			return rep, err
		}
		if err := c.card.UploadSegment(lay.slot(i), codes); err != nil {
			return rep, err
		}
		seg.MarkTransferred()
		rep.Uploaded++
		rep.Saturated += sat
	}

	if t != nil {
		// preload a full array so the slots hold a valid waveform, then go live
		if err := c.golive(t, base); err != nil {
			return rep, err
		}
		// the template counts as built only once its table is live
		c.built = &tmpl
		rep.Uploaded += t.Stats().Reserved
		rep.Rebuilt = true
		rep.Saturated += t.Stats().Saturated
	}

	for i, hs := range prog {
		if err := c.card.ProgramStep(i, hs); err != nil {
			return rep, err
		}
	}
	rep.Steps = len(prog)
	c.last = lay
	c.resend = false
	rep.Elapsed = time.Since(start)
	if rep.Saturated > 0 {
		log.Printf("%d samples exceeded the card output range and were clipped", rep.Saturated)
	}
	log.Printf("calculated %d actions, uploaded %d segments, programmed %d steps in %v", rep.Calculated, rep.Uploaded, rep.Steps, rep.Elapsed)
	return rep, nil
}

// golive uploads the full array resolution of t to the slots at base and
// publishes t
func (c *Controller) golive(t *rearrange.Table, base int) error {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	bufs, err := t.Resolve(strings.Repeat("1", len(t.Config().SourcesMHz)))
	if err != nil {
		return err
	}
	for k, b := range bufs {
		if err := c.card.UploadSegment(base+k, b); err != nil {
			return err
		}
	}
	c.engine.Publish(t)
	return nil
}

// refreshTable builds a new table if rearrangement is on and the template
// segment changed since the live table was built.  It returns a nil table
// if the live table is current, otherwise the new table and the template
// parameters it was built from.
func (c *Controller) refreshTable(base int) (*rearrange.Table, sequence.SegmentParams, error) {
	if c.rearr == nil {
		return nil, sequence.SegmentParams{}, nil
	}
	seg, err := c.seq.Segment(base)
	if err != nil {
		return nil, sequence.SegmentParams{}, err
	}
	p := seg.Params()
	if c.built != nil && c.engine.Table() != nil && c.rearr.Segment == base && reflect.DeepEqual(*c.built, p) {
		return nil, p, nil
	}
	c.rearr.Segment = base
	t, err := rearrange.Build(*c.rearr, seg.Actions, c.cs)
	if err != nil {
		return nil, p, err
	}
	st := t.Stats()
	log.Printf("built rearrangement table %s: %d patterns, %d movements, %d MB in %v",
		st.Epoch, st.Patterns, st.Movements, st.CacheBytes>>20, st.BuildTime)
	return t, p, nil
}

// withdraw takes the live table down
func (c *Controller) withdraw() {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	c.engine.Clear()
}

// Trigger forces a software trigger
func (c *Controller) Trigger() error {
	log.Println("forcing a trigger")
	return c.card.Trigger()
}

// CurrentStep asks the card which step is playing
func (c *Controller) CurrentStep() (int, error) {
	return c.card.CurrentStep()
}

// Params returns the complete parameter set
func (c *Controller) Params() params.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) snapshot() params.File {
	f := params.File{
		Name:    c.name,
		Card:    *c.cs,
		Datagen: c.seq.Options(),
		Steps:   c.seq.Steps(),
	}
	for _, h := range c.cals {
		f.Calibration = append(f.Calibration, h.Load().Requested())
	}
	for i := 0; i < c.seq.Len(); i++ {
		seg, _ := c.seq.Segment(i)
		f.Segments = append(f.Segments, seg.Params())
	}
	if c.rearr != nil {
		rc := *c.rearr
		rc.Segment = c.seq.RearrSegment()
		f.Rearr = &rc
	}
	return f
}

// Apply replaces the whole state with f and sends it.  If f is rejected the
// current state is kept.
func (c *Controller) Apply(f params.File) (Report, error) {
	st, err := c.build(f)
	if err != nil {
		return Report{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.install(st)
	return c.calculateSend()
}

// Load reads a parameter file and applies it
func (c *Controller) Load(path string) (Report, error) {
	log.Printf("loading parameters from %s", path)
	f, err := params.Load(path)
	if err != nil {
		return Report{}, err
	}
	return c.Apply(f)
}

// Save writes the complete parameter set to path
func (c *Controller) Save(path string) error {
	log.Printf("saving parameters to %s", path)
	return params.Save(path, c.Params())
}

// Preview returns a sparse trace of one channel of one segment
func (c *Controller) Preview(seg, ch, points int, inMV bool) (action.Preview, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.seq.Segment(seg)
	if err != nil {
		return action.Preview{}, err
	}
	if ch < 0 || ch >= len(s.Actions) {
		return action.Preview{}, fault.Validationf("controller.Preview", "channel %d out of range", ch)
	}
	return s.Actions[ch].Preview(points, inMV), nil
}

// SegmentData calculates the sequence and returns a copy of every channel's
// buffer of segment seg, in mV
func (c *Controller) SegmentData(seg int) ([][]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.seq.Segment(seg)
	if err != nil {
		return nil, err
	}
	c.seq.CalculateAll()
	out := make([][]float64, len(s.Actions))
	for i, a := range s.Actions {
		out[i] = append([]float64(nil), a.Data()...)
	}
	return out, nil
}

// CalibrationStatus is the state of one channel's calibration
type CalibrationStatus struct {
	Enabled  bool   `json:"enabled"`
	Filename string `json:"filename"`
}

// Status is a snapshot of the controller
type Status struct {
	Name          string              `json:"name"`
	Card          card.Settings       `json:"card_settings"`
	Segments      int                 `json:"segments"`
	Steps         int                 `json:"steps"`
	Slots         int                 `json:"card_segments_used"`
	Calibration   []CalibrationStatus `json:"calibration"`
	Rearrangement *rearrange.Stats    `json:"rearrangement,omitempty"`
	Latency       LatencyStats        `json:"resolve_latency"`
}

// Status returns a snapshot of the controller
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Name:     c.name,
		Card:     *c.cs,
		Segments: c.seq.Len(),
		Steps:    len(c.seq.Steps()),
		Slots:    c.last.slots(),
		Latency:  c.lat.stats(),
	}
	for _, h := range c.cals {
		cal := h.Load()
		st.Calibration = append(st.Calibration, CalibrationStatus{Enabled: cal.Enabled(), Filename: cal.Requested().Filename})
	}
	if t := c.engine.Table(); t != nil {
		s := t.Stats()
		st.Rearrangement = &s
	}
	return st
}
