// Package plot renders alignment and spectrogram matrices as PNG heatmaps
// with labelled axes and a colorbar.
package plot

import (
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

const (
	figWidth  = 6.4 * vg.Inch
	figHeight = 4.8 * vg.Inch
	barWidth  = 0.9 * vg.Inch
	dpi       = 100
	nColors   = 256
)

// Figure describes one heatmap image.
type Figure struct {
	XLabel string
	YLabel string
	// Info is appended below the x label when set.
	Info string
	// ColorMap defaults to Kindlmann.
	ColorMap palette.ColorMap
}

// grid exposes a matrix to plotter.HeatMap with columns on x and rows on y,
// row 0 at the bottom. Non-finite cells read as fill.
type grid struct {
	m    mat.Matrix
	fill float64
}

func (g grid) Dims() (c, r int) {
	r, c = g.m.Dims()
	return c, r
}

func (g grid) Z(c, r int) float64 {
	v := g.m.At(r, c)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return g.fill
	}
	return v
}

func (g grid) X(c int) float64 { return float64(c) }
func (g grid) Y(r int) float64 { return float64(r) }

// Range returns the finite min and max of m. A constant or empty matrix gets
// a unit span so the color scale stays valid.
func Range(m mat.Matrix) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	rows, cols := m.Dims()
	for i := range rows {
		for j := range cols {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}

	if math.IsInf(lo, 1) {
		return 0, 1
	}
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// Render draws m as a heatmap with a vertical colorbar on its right.
func Render(m mat.Matrix, fig Figure) *vgimg.Canvas {
	lo, hi := Range(m)

	cm := fig.ColorMap
	if cm == nil {
		cm = moreland.Kindlmann()
	}
	cm.SetMin(lo)
	cm.SetMax(hi)

	hm := plotter.NewHeatMap(grid{m: m, fill: lo}, cm.Palette(nColors))
	hm.Min, hm.Max = lo, hi

	p := plot.New()
	p.X.Label.Text = fig.XLabel
	if fig.Info != "" {
		p.X.Label.Text += "\n\n" + fig.Info
	}
	p.Y.Label.Text = fig.YLabel
	p.Add(hm)

	bar := plot.New()
	bar.HideX()
	bar.Y.Padding = 0
	bar.Add(&plotter.ColorBar{ColorMap: cm, Vertical: true, Colors: nColors})

	img := vgimg.NewWith(vgimg.UseWH(figWidth, figHeight), vgimg.UseDPI(dpi))
	dc := draw.New(img)

	p.Draw(draw.Crop(dc, 0, -barWidth, 0, 0))
	bar.Draw(draw.Crop(dc, figWidth-barWidth, 0, 0, 0))

	return img
}

// SaveAlignment writes a [T_dec × T_enc] attention matrix with decoder steps
// on the x axis and encoder steps on the y axis.
func SaveAlignment(path string, attn *mat.Dense, info string) error {
	return save(path, attn.T(), Figure{
		XLabel: "Decoder timestep",
		YLabel: "Encoder timestep",
		Info:   info,
	})
}

// SaveSpectrogram writes a [T × F] spectrogram with time on the x axis.
func SaveSpectrogram(path string, spec *mat.Dense) error {
	return save(path, spec.T(), Figure{
		XLabel:   "Frame",
		YLabel:   "Frequency bin",
		ColorMap: moreland.ExtendedBlackBody(),
	})
}

func save(path string, m mat.Matrix, fig Figure) error {
	img := Render(m, fig)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("plot: create %s: %w", path, err)
	}

	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("plot: encode %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("plot: close %s: %w", path, err)
	}

	return nil
}
