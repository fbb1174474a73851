// Package quicklook renders raster bands as heat-map images.
package quicklook

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"thermalsharp/internal/raster"
)

// ErrEmptyBand is returned for bands without a single valid pixel.
var ErrEmptyBand = errors.New("band has no valid pixels")

// Options controls rendering.
type Options struct {
	Band   string // empty selects the first band
	Title  string
	Width  vg.Length
	Height vg.Length
	Colors int
}

// DefaultOptions renders 8x8 inch images with a 255 step palette.
func DefaultOptions() Options {
	return Options{Width: 8 * vg.Inch, Height: 8 * vg.Inch, Colors: 255}
}

// grid adapts a raster to plotter.GridXYZ with Y growing northward.
type grid struct {
	r *raster.Raster
}

func (g grid) Dims() (c, r int) { return g.r.Cols, g.r.Rows }

func (g grid) Z(c, r int) float64 { return g.r.At(c, g.r.Rows-1-r) }

func (g grid) X(c int) float64 { return g.r.OriginX + (float64(c)+0.5)*g.r.PixelWidth }

func (g grid) Y(r int) float64 {
	south := g.r.OriginY - float64(g.r.Rows)*g.r.PixelHeight
	return south + (float64(r)+0.5)*g.r.PixelHeight
}

// RenderProduct reads the product at path and renders one band to out.
// The image format follows the extension of out.
func RenderProduct(path, out string, o Options) error {
	p, err := raster.Read(path)
	if err != nil {
		return err
	}
	band := p.Bands[0]
	if o.Band != "" {
		b, ok := p.Band(o.Band)
		if !ok {
			return fmt.Errorf("%s: no band %q", path, o.Band)
		}
		band = b
	}
	if o.Title == "" {
		o.Title = band.Name
		if ts, ok := p.Metadata[raster.MetaDateTimeUTC]; ok {
			o.Title += " " + ts + " UTC"
		}
	}
	return Render(band, out, o)
}

// Render draws r as a heat map with a diverging blue/red palette; no-data
// pixels are transparent.
func Render(r *raster.Raster, out string, o Options) error {
	lo, hi, ok := r.Range()
	if !ok {
		return fmt.Errorf("%s: %w", r.Name, ErrEmptyBand)
	}
	if hi == lo {
		hi = lo + 1
	}
	def := DefaultOptions()
	if o.Width <= 0 {
		o.Width = def.Width
	}
	if o.Height <= 0 {
		o.Height = def.Height
	}
	if o.Colors <= 1 {
		o.Colors = def.Colors
	}

	cm := moreland.SmoothBlueRed()
	cm.SetMin(lo)
	cm.SetMax(hi)

	hm := plotter.NewHeatMap(grid{r: r}, cm.Palette(o.Colors))
	hm.Min, hm.Max = lo, hi
	hm.NaN = color.Transparent

	p := plot.New()
	p.Title.Text = o.Title
	if p.Title.Text == "" {
		p.Title.Text = r.Name
	}
	p.X.Label.Text = "easting"
	p.Y.Label.Text = "northing"
	p.Add(hm)

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	if err := p.Save(o.Width, o.Height, out); err != nil {
		return fmt.Errorf("save quicklook %s: %w", out, err)
	}
	return nil
}
