/*Package awg exposes a waveform generator controller over HTTP.

Bodies and replies are JSON.  Scalar arguments use the {"str": ...},
{"int": ...} and {"bool": ...} envelopes of package server; structured ones
use the same field names as the parameter file.
*/
package awg

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"strconv"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"

	"github.com/tweezerlab/awg/calibration"
	"github.com/tweezerlab/awg/controller"
	"github.com/tweezerlab/awg/export"
	"github.com/tweezerlab/awg/fault"
	"github.com/tweezerlab/awg/generichttp"
	"github.com/tweezerlab/awg/rearrange"
	"github.com/tweezerlab/awg/sequence"
	"github.com/tweezerlab/awg/server"
	"github.com/tweezerlab/awg/util"
)

// HTTPController wraps a controller in an HTTP route table
type HTTPController struct {
	// Ctl is the underlying controller
	Ctl *controller.Controller

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPController returns a new HTTP wrapper around ctl
func NewHTTPController(ctl *controller.Controller) HTTPController {
	mp := func(method, path string) generichttp.MethodPath {
		return generichttp.MethodPath{Method: method, Path: path}
	}
	rt := generichttp.RouteTable{
		mp(http.MethodPost, "/rearrange"):     generichttp.SetString(ctl.Resolve),
		mp(http.MethodPost, "/canonicalize"):  Canonicalize(ctl),
		mp(http.MethodGet, "/rearrangement"):  GetRearrangement(ctl),
		mp(http.MethodPost, "/rearrangement"): generichttp.PostJSON(ctl.Configure),
		mp(http.MethodDelete, "/rearrangement"): generichttp.Call(func() error {
			ctl.DisableRearrangement()
			return nil
		}),

		mp(http.MethodGet, "/params"):         GetParams(ctl),
		mp(http.MethodPost, "/params"):        generichttp.PostJSON(ctl.Apply),
		mp(http.MethodPost, "/params/update"): UpdateParams(ctl),
		mp(http.MethodGet, "/options"):        GetOptions(ctl),
		mp(http.MethodPost, "/options"):       SetOptions(ctl),

		mp(http.MethodGet, "/segments"):                        GetSegments(ctl),
		mp(http.MethodPost, "/segments"):                       AddSegment(ctl),
		mp(http.MethodPut, "/segments/{seg}"):                  ReplaceSegment(ctl),
		mp(http.MethodDelete, "/segments/{seg}"):               editIndex(ctl, "seg", (*sequence.Sequence).RemoveSegment),
		mp(http.MethodPost, "/segments/{seg}/move"):            moveIndex(ctl, "seg", (*sequence.Sequence).MoveSegment),
		mp(http.MethodGet, "/segments/{seg}/preview"):          Preview(ctl),
		mp(http.MethodGet, "/segments/{seg}/preview.png"):      PreviewPNG(ctl),
		mp(http.MethodGet, "/segments/{seg}/data.fits"):        SegmentFITS(ctl),
		mp(http.MethodGet, "/segments/{seg}/ch/{ch}/data.csv"): SegmentCSV(ctl),

		mp(http.MethodGet, "/steps"):                      GetSteps(ctl),
		mp(http.MethodPost, "/steps"):                     AddStep(ctl),
		mp(http.MethodPut, "/steps/{step}"):               ReplaceStep(ctl),
		mp(http.MethodDelete, "/steps/{step}"):            editIndex(ctl, "step", (*sequence.Sequence).RemoveStep),
		mp(http.MethodPost, "/steps/{step}/move"):         moveIndex(ctl, "step", (*sequence.Sequence).MoveStep),
		mp(http.MethodPost, "/steps/{step}/toggle-after"): editIndex(ctl, "step", (*sequence.Sequence).ToggleAfter),

		mp(http.MethodPost, "/calculate-send"):   generichttp.GetJSON(ctl.CalculateSend),
		mp(http.MethodPost, "/trigger"):          generichttp.Call(ctl.Trigger),
		mp(http.MethodGet, "/current-step"):      generichttp.GetInt(ctl.CurrentStep),
		mp(http.MethodGet, "/calibration"):       GetCalibration(ctl),
		mp(http.MethodPost, "/calibration/{ch}"): SetCalibration(ctl),
		mp(http.MethodPost, "/load"):             Load(ctl),
		mp(http.MethodPost, "/save"):             generichttp.SetString(ctl.Save),
		mp(http.MethodPost, "/export/csv"):       ExportCSV(ctl),
		mp(http.MethodGet, "/status"):            GetStatus(ctl),
	}
	return HTTPController{Ctl: ctl, RouteTable: rt}
}

// RT satisfies the generichttp.HTTPer interface
func (h HTTPController) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetParams replies with the complete parameter set
func GetParams(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		server.EncodeJSON(w, ctl.Params())
	}
}

// GetStatus replies with a snapshot of the controller
func GetStatus(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		server.EncodeJSON(w, ctl.Status())
	}
}

// Load applies the parameter file named by the {"str": ...} body and
// replies with the resulting report
func Load(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var path server.StrT
		if !decode(w, r, &path) {
			return
		}
		rep, err := ctl.Load(path.Str)
		if err != nil {
			server.Error(w, err)
			return
		}
		server.EncodeJSON(w, rep)
	}
}

// intParam reads the integer URL parameter name
func intParam(r *http.Request, name string) (int, error) {
	s := chi.URLParam(r, name)
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fault.Validationf("awg.HTTP", "%s %q is not an integer", name, s)
	}
	return i, nil
}

// intQuery reads the integer query parameter name, or def if absent
func intQuery(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fault.Validationf("awg.HTTP", "query %s=%q is not an integer", name, s)
	}
	return i, nil
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// Canonicalize replies with the pattern an occupancy string resolves to
func Canonicalize(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var s server.StrT
		if !decode(w, r, &s) {
			return
		}
		out, err := ctl.Canonicalize(s.Str)
		if err != nil {
			server.Error(w, err)
			return
		}
		hp := server.HumanPayload{T: types.String, String: out}
		hp.EncodeAndRespond(w, r)
	}
}

// RearrangementState is the reply of GET /rearrangement
type RearrangementState struct {
	Enabled bool             `json:"enabled"`
	Config  rearrange.Config `json:"config"`
	Table   *rearrange.Stats `json:"table,omitempty"`
}

// GetRearrangement replies with the rearrangement configuration and the
// summary of the live table
func GetRearrangement(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, st, ok := ctl.Rearrangement()
		out := RearrangementState{Enabled: ok, Config: cfg}
		if ok && st.Patterns > 0 {
			out.Table = &st
		}
		server.EncodeJSON(w, out)
	}
}

// UpdateParams applies a batch of parameter updates.  The batch is sent to
// the card unless the query has send=false.
func UpdateParams(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var updates []controller.Update
		if !decode(w, r, &updates) {
			return
		}
		send := r.URL.Query().Get("send") != "false"
		if err := ctl.UpdateParams(updates, send); err != nil {
			server.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetOptions replies with the continuity rules in force
func GetOptions(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var o sequence.Options
		ctl.View(func(s *sequence.Sequence) error {
			o = s.Options()
			return nil
		})
		server.EncodeJSON(w, o)
	}
}

// SetOptions replaces the continuity rules
func SetOptions(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var o sequence.Options
		if !decode(w, r, &o) {
			return
		}
		ctl.Edit(func(s *sequence.Sequence) error {
			s.SetOptions(o)
			return nil
		})
		w.WriteHeader(http.StatusOK)
	}
}

// GetSegments replies with the parameters of every segment
func GetSegments(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		server.EncodeJSON(w, ctl.Params().Segments)
	}
}

// AddSegment inserts the segment in the body at query index at, or appends
// it, and replies with its index
func AddSegment(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		at, err := intQuery(r, "at", -1)
		if err != nil {
			server.Error(w, err)
			return
		}
		var p sequence.SegmentParams
		if !decode(w, r, &p) {
			return
		}
		var i int
		err = ctl.Edit(func(s *sequence.Sequence) error {
			i, err = s.AddSegment(p, at)
			return err
		})
		if err != nil {
			server.Error(w, err)
			return
		}
		hp := server.HumanPayload{T: types.Int, Int: i}
		hp.EncodeAndRespond(w, r)
	}
}

// ReplaceSegment replaces segment {seg} with the body
func ReplaceSegment(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := intParam(r, "seg")
		if err != nil {
			server.Error(w, err)
			return
		}
		var p sequence.SegmentParams
		if !decode(w, r, &p) {
			return
		}
		err = ctl.Edit(func(s *sequence.Sequence) error { return s.ReplaceSegment(i, p) })
		if err != nil {
			server.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetSteps replies with the step program
func GetSteps(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		server.EncodeJSON(w, ctl.Params().Steps)
	}
}

// AddStep inserts the step in the body at query index at, or appends it,
// and replies with its index
func AddStep(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		at, err := intQuery(r, "at", -1)
		if err != nil {
			server.Error(w, err)
			return
		}
		st := sequence.DefaultStep(0)
		if !decode(w, r, &st) {
			return
		}
		var i int
		err = ctl.Edit(func(s *sequence.Sequence) error {
			i, err = s.AddStep(st, at)
			return err
		})
		if err != nil {
			server.Error(w, err)
			return
		}
		hp := server.HumanPayload{T: types.Int, Int: i}
		hp.EncodeAndRespond(w, r)
	}
}

// ReplaceStep replaces step {step} with the body
func ReplaceStep(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := intParam(r, "step")
		if err != nil {
			server.Error(w, err)
			return
		}
		st := sequence.DefaultStep(0)
		if !decode(w, r, &st) {
			return
		}
		err = ctl.Edit(func(s *sequence.Sequence) error { return s.ReplaceStep(i, st) })
		if err != nil {
			server.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// editIndex runs f with the index in URL parameter name
func editIndex(ctl *controller.Controller, name string, f func(*sequence.Sequence, int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := intParam(r, name)
		if err != nil {
			server.Error(w, err)
			return
		}
		if err := ctl.Edit(func(s *sequence.Sequence) error { return f(s, i) }); err != nil {
			server.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// moveIndex moves the item in URL parameter name to the {"int": ...} index
// of the body
func moveIndex(ctl *controller.Controller, name string, f func(*sequence.Sequence, int, int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, err := intParam(r, name)
		if err != nil {
			server.Error(w, err)
			return
		}
		var to server.IntT
		if !decode(w, r, &to) {
			return
		}
		if err := ctl.Edit(func(s *sequence.Sequence) error { return f(s, from, to.Int) }); err != nil {
			server.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// maxPreviewPoints bounds the size of preview replies
const maxPreviewPoints = 20000

// previewArgs reads {seg} and the ch, points and mv query parameters
func previewArgs(r *http.Request) (seg, ch, points int, inMV bool, err error) {
	if seg, err = intParam(r, "seg"); err != nil {
		return
	}
	if ch, err = intQuery(r, "ch", 0); err != nil {
		return
	}
	if points, err = intQuery(r, "points", 500); err != nil {
		return
	}
	points = util.ClampInt(points, 2, maxPreviewPoints)
	inMV = r.URL.Query().Get("mv") == "true"
	return
}

// Preview replies with a sparse trace of the frequency and amplitude of every
// tone of one channel of segment {seg}
func Preview(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seg, ch, points, inMV, err := previewArgs(r)
		if err != nil {
			server.Error(w, err)
			return
		}
		p, err := ctl.Preview(seg, ch, points, inMV)
		if err != nil {
			server.Error(w, err)
			return
		}
		server.EncodeJSON(w, p)
	}
}

// PreviewPNG is Preview drawn as an image
func PreviewPNG(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seg, ch, points, inMV, err := previewArgs(r)
		if err != nil {
			server.Error(w, err)
			return
		}
		p, err := ctl.Preview(seg, ch, points, inMV)
		if err != nil {
			server.Error(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		if err := export.PreviewPNG(w, fmt.Sprintf("segment %d channel %d", seg, ch), p); err != nil {
			server.Error(w, err)
		}
	}
}

// SegmentFITS replies with the calculated buffers of segment {seg} as FITS
func SegmentFITS(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seg, err := intParam(r, "seg")
		if err != nil {
			server.Error(w, err)
			return
		}
		data, err := ctl.SegmentData(seg)
		if err != nil {
			server.Error(w, err)
			return
		}
		cs := ctl.Settings()
		md := []fitsio.Card{
			{Name: "AWGNAME", Value: ctl.Name(), Comment: "generator name"},
			{Name: "SEGMENT", Value: seg, Comment: "sequence segment index"},
			{Name: "SRATE", Value: cs.SampleRateHz, Comment: "sample rate, Hz"},
			{Name: "MAXMV", Value: cs.MaxOutputMV, Comment: "card output range, mV"},
		}
		w.Header().Set("Content-Type", "image/fits")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=seg%d.fits", seg))
		if err := export.WriteFITS(w, md, data); err != nil {
			server.Error(w, err)
		}
	}
}

// SegmentCSV replies with channel {ch} of segment {seg}, one sample per line
func SegmentCSV(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seg, err := intParam(r, "seg")
		if err != nil {
			server.Error(w, err)
			return
		}
		ch, err := intParam(r, "ch")
		if err != nil {
			server.Error(w, err)
			return
		}
		data, err := ctl.SegmentData(seg)
		if err != nil {
			server.Error(w, err)
			return
		}
		if ch < 0 || ch >= len(data) {
			server.Error(w, fault.Validationf("awg.SegmentCSV", "channel %d out of range", ch))
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename="+export.CSVName(seg, ch))
		if err := export.WriteCSV(w, data[ch]); err != nil {
			server.Error(w, err)
		}
	}
}

// ExportCSV writes every channel of every segment to the directory in the
// {"str": ...} body and replies with the files written
func ExportCSV(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var dir server.StrT
		if !decode(w, r, &dir) {
			return
		}
		paths, err := export.SegmentsToCSV(dir.Str, ctl, ctl.Status().Segments)
		if err != nil {
			server.Error(w, err)
			return
		}
		server.EncodeJSON(w, paths)
	}
}

// CalibrationState is one channel of the reply of GET /calibration
type CalibrationState struct {
	Settings calibration.Settings `json:"settings"`
	InEffect bool                 `json:"in_effect"`
}

// GetCalibration replies with the calibration of every channel
func GetCalibration(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, on := ctl.Calibrations()
		out := make([]CalibrationState, len(s))
		for i := range s {
			out[i] = CalibrationState{Settings: s[i], InEffect: on[i]}
		}
		server.EncodeJSON(w, out)
	}
}

// SetCalibration replaces the calibration of channel {ch}.  A calibration
// that could not be loaded falls back to linear scaling; the reply is still
// 200 and carries the reason.
func SetCalibration(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := intParam(r, "ch")
		if err != nil {
			server.Error(w, err)
			return
		}
		var s calibration.Settings
		if !decode(w, r, &s) {
			return
		}
		err = ctl.SetCalibration(ch, s)
		if err != nil && !fault.Is(err, fault.Degraded) {
			server.Error(w, err)
			return
		}
		var warn fault.Warnings
		warn.Add(err)
		server.EncodeJSON(w, struct {
			Warnings []string `json:"warnings"`
		}{warn.Strings()})
	}
}
