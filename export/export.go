// Package export writes calculated segment data and previews to files for
// inspection outside the generator: CSV, FITS and PNG.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/astrogo/fitsio"
)

// ErrNoData is generated when there is nothing to export
var ErrNoData = errors.New("no samples to export")

// Source provides the calculated buffers of a segment, one per channel, in mV
type Source interface {
	SegmentData(seg int) ([][]float64, error)
}

// CSVName is the file name of the CSV export of one channel of one segment
func CSVName(seg, ch int) string {
	return fmt.Sprintf("seg%dch%d.csv", seg, ch)
}

// WriteCSV writes data one sample per line
func WriteCSV(w io.Writer, data []float64) error {
	cw := csv.NewWriter(w)
	row := make([]string, 1)
	for _, v := range data {
		row[0] = strconv.FormatFloat(v, 'g', -1, 64)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SegmentsToCSV calculates segments 0..n-1 of src and writes one file per
// segment and channel into dir, returning the paths written
func SegmentsToCSV(dir string, src Source, n int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var paths []string
	for seg := 0; seg < n; seg++ {
		chans, err := src.SegmentData(seg)
		if err != nil {
			return paths, err
		}
		for ch, data := range chans {
			p := filepath.Join(dir, CSVName(seg, ch))
			if err := writeFile(p, data); err != nil {
				return paths, err
			}
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func writeFile(path string, data []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteFITS streams a FITS file holding one segment to w.  The image is
// samples wide and one row per channel, as 32 bit floats in mV.
func WriteFITS(w io.Writer, metadata []fitsio.Card, data [][]float64) error {
	if len(data) == 0 || len(data[0]) == 0 {
		return ErrNoData
	}
	width := len(data[0])
	for _, ch := range data {
		if len(ch) != width {
			return fmt.Errorf("channels differ in length, %d and %d", width, len(ch))
		}
	}
	metadata = append(metadata, fitsio.Card{Name: "BUNIT", Value: "mV"})
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-32, []int{width, len(data)})
	defer im.Close()
	if err := im.Header().Append(metadata...); err != nil {
		return err
	}
	px := make([]float32, 0, width*len(data))
	for _, ch := range data {
		for _, v := range ch {
			px = append(px, float32(v))
		}
	}
	if err := im.Write(px); err != nil {
		return err
	}
	return fits.Write(im)
}
