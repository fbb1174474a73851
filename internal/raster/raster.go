// Package raster holds georeferenced grids and reads and writes them as
// GeoTIFF products through GDAL.
//
// In memory a no-data pixel is NaN. The per-band no-data sentinel only
// matters when a product is written or read.
package raster

import (
	"fmt"
	"math"
)

// DefaultNoData is the sentinel written for bands that do not declare one.
const DefaultNoData = -9999.0

// Geometry describes a north-up grid: its size, the upper-left corner of the
// upper-left pixel, the pixel size in CRS units and the reference system.
type Geometry struct {
	Cols        int     `json:"cols"`
	Rows        int     `json:"rows"`
	OriginX     float64 `json:"origin_x"`
	OriginY     float64 `json:"origin_y"`
	PixelWidth  float64 `json:"pixel_width"`
	PixelHeight float64 `json:"pixel_height"`
	CRS         string  `json:"crs"`
}

// Len is the number of pixels.
func (g Geometry) Len() int { return g.Cols * g.Rows }

// Validate rejects empty grids and non-positive pixel sizes.
func (g Geometry) Validate() error {
	if g.Cols <= 0 || g.Rows <= 0 {
		return fmt.Errorf("empty grid %dx%d", g.Cols, g.Rows)
	}
	if !(g.PixelWidth > 0) || !(g.PixelHeight > 0) {
		return fmt.Errorf("pixel size must be positive, got %gx%g", g.PixelWidth, g.PixelHeight)
	}
	return nil
}

// Coarsen returns the geometry of the same extent with pixels ratio times larger.
func (g Geometry) Coarsen(ratio int) Geometry {
	return Geometry{
		Cols:        g.Cols / ratio,
		Rows:        g.Rows / ratio,
		OriginX:     g.OriginX,
		OriginY:     g.OriginY,
		PixelWidth:  g.PixelWidth * float64(ratio),
		PixelHeight: g.PixelHeight * float64(ratio),
		CRS:         g.CRS,
	}
}

// Refine returns the geometry of the same extent with pixels ratio times smaller.
func (g Geometry) Refine(ratio int) Geometry {
	return Geometry{
		Cols:        g.Cols * ratio,
		Rows:        g.Rows * ratio,
		OriginX:     g.OriginX,
		OriginY:     g.OriginY,
		PixelWidth:  g.PixelWidth / float64(ratio),
		PixelHeight: g.PixelHeight / float64(ratio),
		CRS:         g.CRS,
	}
}

// Raster is a single band grid. Data is row-major; NaN marks no-data.
type Raster struct {
	Geometry
	Name string
	Data []float64
}

// New allocates a raster filled with no-data.
func New(name string, g Geometry) *Raster {
	data := make([]float64, g.Len())
	for i := range data {
		data[i] = math.NaN()
	}
	return &Raster{Geometry: g, Name: name, Data: data}
}

// Fill allocates a raster with every pixel set to v.
func Fill(name string, g Geometry, v float64) *Raster {
	r := &Raster{Geometry: g, Name: name, Data: make([]float64, g.Len())}
	for i := range r.Data {
		r.Data[i] = v
	}
	return r
}

// At returns the value at (col, row).
func (r *Raster) At(col, row int) float64 { return r.Data[row*r.Cols+col] }

// Set stores v at (col, row).
func (r *Raster) Set(col, row int, v float64) { r.Data[row*r.Cols+col] = v }

// Valid reports whether (col, row) holds data.
func (r *Raster) Valid(col, row int) bool { return !math.IsNaN(r.Data[row*r.Cols+col]) }

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	out := &Raster{Geometry: r.Geometry, Name: r.Name, Data: make([]float64, len(r.Data))}
	copy(out.Data, r.Data)
	return out
}

// ValidCount returns the number of pixels holding data.
func (r *Raster) ValidCount() int {
	n := 0
	for _, v := range r.Data {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

// Range returns the min and max over valid pixels, and false when none are valid.
func (r *Raster) Range() (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range r.Data {
		if math.IsNaN(v) {
			continue
		}
		ok = true
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi, ok
}

// Apply replaces every valid pixel v with fn(v).
func (r *Raster) Apply(fn func(float64) float64) {
	for i, v := range r.Data {
		if !math.IsNaN(v) {
			r.Data[i] = fn(v)
		}
	}
}
