package sharpen

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"thermalsharp/internal/config"
	"thermalsharp/internal/raster"
)

var testAcquired = time.Date(2020, 5, 13, 8, 44, 0, 0, time.UTC)

func fineGeometry(cols, rows, ratio int) raster.Geometry {
	return raster.Geometry{
		Cols: cols * ratio, Rows: rows * ratio,
		OriginX: 600000, OriginY: 4400000,
		PixelWidth: 20, PixelHeight: 20,
		CRS: "EPSG:32633",
	}
}

// predictorsFor builds two smooth fine predictors, a vegetation index and an
// elevation ramp.
func predictorsFor(g raster.Geometry) (ndvi, elev *raster.Raster) {
	ndvi = raster.New("NDVI", g)
	elev = raster.New("ELEV", g)
	for y := 0; y < g.Rows; y++ {
		for x := 0; x < g.Cols; x++ {
			ndvi.Set(x, y, 0.5+0.3*math.Sin(float64(x)/7)*math.Cos(float64(y)/5))
			elev.Set(x, y, 100+2*float64(x)+float64(y))
		}
	}
	return ndvi, elev
}

// truthLST is the fine temperature the synthetic coarse LST is aggregated from.
func truthLST(ndvi, elev float64) float64 { return 320 - 25*ndvi - 0.006*elev }

// aggregate averages fine onto a coarse grid of the given ratio.
func aggregate(name string, fine *raster.Raster, ratio int) *raster.Raster {
	c := raster.New(name, fine.Coarsen(ratio))
	for row := 0; row < c.Rows; row++ {
		for col := 0; col < c.Cols; col++ {
			if m, ok := footprintMean(fine.Data, fine.Cols, col*ratio, row*ratio, ratio); ok {
				c.Set(col, row, m)
			}
		}
	}
	return c
}

// structuredScene returns a scene whose coarse LST is the exact footprint
// mean of a known fine temperature field, together with that field.
func structuredScene(t *testing.T, cols, rows, ratio int) (*Scene, *raster.Raster) {
	t.Helper()
	g := fineGeometry(cols, rows, ratio)
	ndvi, elev := predictorsFor(g)
	truth := raster.New("TRUTH", g)
	for i := range truth.Data {
		truth.Data[i] = truthLST(ndvi.Data[i], elev.Data[i])
	}
	s, err := NewScene([]*raster.Raster{ndvi, elev}, aggregate("LST", truth, ratio), nil, nil, testAcquired)
	require.NoError(t, err)
	return s, truth
}

// uniformScene has smoothly varying predictors and a constant coarse LST.
func uniformScene(t *testing.T, cols, rows, ratio int, kelvin float64) *Scene {
	t.Helper()
	g := fineGeometry(cols, rows, ratio)
	ndvi, elev := predictorsFor(g)
	s, err := NewScene([]*raster.Raster{ndvi, elev}, raster.Fill("LST", g.Coarsen(ratio), kelvin), nil, nil, testAcquired)
	require.NoError(t, err)
	return s
}

func testOptions(windowSize, jobs int) Options {
	o := OptionsFromConfig(config.DefaultSharpening(), jobs)
	o.WindowSize = windowSize
	o.Forest.Trees = 8
	return o
}

func newTestEngine(t *testing.T, o Options) *Engine {
	t.Helper()
	e, err := New(o, nil)
	require.NoError(t, err)
	return e
}

// recorder collects window outcomes.
type recorder struct {
	outcomes []WindowOutcome
}

func (r *recorder) WindowDone(o WindowOutcome) { r.outcomes = append(r.outcomes, o) }

func (r *recorder) byIndex(i int) (WindowOutcome, bool) {
	for _, o := range r.outcomes {
		if o.Index == i {
			return o, true
		}
	}
	return WindowOutcome{}, false
}
