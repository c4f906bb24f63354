package export

import (
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/tweezerlab/awg/action"
)

// PreviewPNG draws the frequency and amplitude of every tone against time,
// stacked, and writes the figure to w as PNG
func PreviewPNG(w io.Writer, title string, p action.Preview) error {
	if len(p.TimeUs) == 0 || len(p.Freq) == 0 {
		return ErrNoData
	}
	pf := plot.New()
	pf.Title.Text = title
	pf.Y.Label.Text = "frequency (MHz)"
	pa := plot.New()
	pa.X.Label.Text = "time (us)"
	pa.Y.Label.Text = "amplitude"
	if p.InMV {
		pa.Y.Label.Text = "amplitude (mV)"
	}
	for k := range p.Freq {
		if err := addLine(pf, p.TimeUs, p.Freq[k], k); err != nil {
			return err
		}
		if err := addLine(pa, p.TimeUs, p.Amp[k], k); err != nil {
			return err
		}
	}

	img := vgimg.New(8*vg.Inch, 6*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Points(4)}
	cv := plot.Align([][]*plot.Plot{{pf}, {pa}}, tiles, dc)
	pf.Draw(cv[0][0])
	pa.Draw(cv[1][0])
	_, err := vgimg.PngCanvas{Canvas: img}.WriteTo(w)
	return err
}

func addLine(p *plot.Plot, x, y []float64, tone int) error {
	pts := make(plotter.XYs, len(x))
	for i := range x {
		pts[i].X, pts[i].Y = x[i], y[i]
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("tone %d: %w", tone, err)
	}
	l.Width = vg.Points(1)
	l.Color = plotutil.Color(tone)
	p.Add(l)
	return nil
}
