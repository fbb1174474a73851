package scene

import (
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"time"

	"thermalsharp/internal/fsutil"
	"thermalsharp/internal/raster"
)

// SynthOptions shapes a synthetic scene.
type SynthOptions struct {
	Tile       string
	Acquired   time.Time
	CoarseCols int
	CoarseRows int
	Ratio      int
	// FinePixel is the fine pixel size in metres.
	FinePixel float64
	// MaskedFraction of coarse cells is flagged as cloud in the mask.
	MaskedFraction float64
	// Noise is the standard deviation of the coarse LST noise in kelvin.
	Noise float64
	Seed  uint64
}

// DefaultSynthOptions is a small Sentinel-2/Sentinel-3 like scene.
func DefaultSynthOptions() SynthOptions {
	return SynthOptions{
		Tile:       "T33TUL",
		Acquired:   time.Date(2020, 5, 13, 9, 50, 0, 0, time.UTC),
		CoarseCols: 24,
		CoarseRows: 24,
		Ratio:      10,
		FinePixel:  20,
		Noise:      0.2,
		Seed:       1,
	}
}

// Synthesize writes reflectance, elevation, view geometry, LST and mask
// products plus a manifest into dir and returns the manifest path. The
// coarse LST is the footprint mean of a fine temperature field driven by
// vegetation cover and elevation, so a sharpened result can be checked
// against the returned truth.
func Synthesize(dir string, o SynthOptions) (string, *raster.Raster, error) {
	if o.Ratio < 2 || o.CoarseCols < 1 || o.CoarseRows < 1 {
		return "", nil, fmt.Errorf("synthetic scene needs ratio >= 2 and a non-empty grid")
	}
	if o.FinePixel <= 0 {
		o.FinePixel = 20
	}
	rng := rand.New(rand.NewPCG(o.Seed, o.Seed+1))

	fine := raster.Geometry{
		Cols: o.CoarseCols * o.Ratio, Rows: o.CoarseRows * o.Ratio,
		OriginX: 399960, OriginY: 4600020,
		PixelWidth: o.FinePixel, PixelHeight: o.FinePixel,
		CRS: "EPSG:32633",
	}
	coarse := fine.Coarsen(o.Ratio)

	red := raster.New("B04", fine)
	nir := raster.New("B08", fine)
	elev := raster.New("ELEV", fine)
	vza := raster.New("VZA", fine)
	truth := raster.New("LST_TRUTH", fine)
	for y := 0; y < fine.Rows; y++ {
		for x := 0; x < fine.Cols; x++ {
			fx, fy := float64(x), float64(y)
			veg := 0.5 + 0.35*math.Sin(fx/11)*math.Cos(fy/17) + 0.05*rng.NormFloat64()
			veg = math.Max(0, math.Min(1, veg))
			r := 0.25 - 0.2*veg
			n := 0.2 + 0.4*veg
			h := 300 + 150*math.Sin(fx/float64(fine.Cols)*math.Pi)*math.Sin(fy/float64(fine.Rows)*math.Pi)
			red.Set(x, y, r)
			nir.Set(x, y, n)
			elev.Set(x, y, h)
			vza.Set(x, y, 20+10*fx/float64(fine.Cols))
			ndvi := (n - r) / (n + r)
			truth.Set(x, y, 318-22*ndvi-0.0065*(h-300))
		}
	}

	lst := raster.New("LST", coarse)
	mask := raster.Fill("MASK", coarse, 1)
	for row := 0; row < coarse.Rows; row++ {
		for col := 0; col < coarse.Cols; col++ {
			sum := 0.0
			for y := row * o.Ratio; y < (row+1)*o.Ratio; y++ {
				for x := col * o.Ratio; x < (col+1)*o.Ratio; x++ {
					sum += truth.At(x, y)
				}
			}
			lst.Set(col, row, sum/float64(o.Ratio*o.Ratio)+o.Noise*rng.NormFloat64())
			if rng.Float64() < o.MaskedFraction {
				mask.Set(col, row, 0)
			}
		}
	}

	stamp := o.Acquired.UTC().Format("20060102T150405")
	prefix := fmt.Sprintf("%s_%s", o.Tile, stamp)
	m := &Manifest{
		Reflectance: prefix + "_REFL" + raster.Extension,
		Elevation:   prefix + "_ELEV" + raster.Extension,
		Geometry:    "LST_OBS-GEOM-REPROJ" + raster.Extension,
		LST:         "LST_data" + raster.Extension,
		Mask:        "LST_MASK" + raster.Extension,
		Acquired:    o.Acquired.UTC().Format(time.RFC3339),
	}

	lstProduct := raster.NewProduct(coarse, lst)
	lstProduct.SetAcquisitionTime(o.Acquired)
	maskProduct := raster.NewProduct(coarse)
	maskProduct.AddBand(mask, 255)
	for name, p := range map[string]*raster.Product{
		m.Reflectance: raster.NewProduct(fine, red, nir),
		m.Elevation:   raster.NewProduct(fine, elev),
		m.Geometry:    raster.NewProduct(fine, vza),
		m.LST:         lstProduct,
		m.Mask:        maskProduct,
	} {
		if err := raster.Write(filepath.Join(dir, name), p); err != nil {
			return "", nil, err
		}
	}

	path := filepath.Join(dir, prefix+fsutil.SceneSuffix)
	if err := WriteManifest(path, m); err != nil {
		return "", nil, err
	}
	return path, truth, nil
}
