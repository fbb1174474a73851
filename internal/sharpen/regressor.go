package sharpen

import (
	"context"
	"fmt"
	"math"

	"thermalsharp/internal/regress"
)

// Tile is the fine resolution output of one window, covering the window
// extent. It is owned by its task until handed to the compositor.
type Tile struct {
	Window Window
	Fine   Bounds
	Data   []float64
	// NoData marks a tile substituted for a window without a model. Its
	// core stays no-data in the mosaic.
	NoData bool
}

func noDataTile(w Window, ratio int) *Tile {
	fb := w.Extent.Scale(ratio)
	data := make([]float64, fb.Rows()*fb.Cols())
	for i := range data {
		data[i] = math.NaN()
	}
	return &Tile{Window: w, Fine: fb, Data: data, NoData: true}
}

// windowSeed derives an independent, worker-count agnostic seed per window
// (splitmix64 finalizer).
func windowSeed(seed int64, index int) uint64 {
	z := uint64(seed) + uint64(index+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// trainingSet gathers (aggregated predictors, coarse LST) pairs from the
// valid coarse cells of the window core. The margin only carries the
// prediction used for blending.
func (e *Engine) trainingSet(s *Scene, f *features, w Window) ([][]float64, []float64) {
	var all, homogeneous [][]float64
	var allY, homogeneousY []float64
	for row := w.Core.Row0; row < w.Core.Row1; row++ {
		for col := w.Core.Col0; col < w.Core.Col1; col++ {
			i := row*s.Coarse.Cols + col
			if math.IsNaN(f.target[i]) || f.vectors[i] == nil {
				continue
			}
			all = append(all, f.vectors[i])
			allY = append(allY, f.target[i])
			if f.homogeneous[i] {
				homogeneous = append(homogeneous, f.vectors[i])
				homogeneousY = append(homogeneousY, f.target[i])
			}
		}
	}
	// the homogeneity filter only narrows the sample when enough remains
	if e.opts.HomogeneityThreshold > 0 && len(homogeneous) >= e.opts.MinSamples {
		return homogeneous, homogeneousY
	}
	return all, allY
}

// processWindow fits a model for one window, applies it at fine resolution
// and removes the coarse residual. The model never outlives the call.
func (e *Engine) processWindow(ctx context.Context, s *Scene, f *features, w Window) (*Tile, int, error) {
	xs, ys := e.trainingSet(s, f, w)
	if len(xs) < e.opts.MinSamples {
		return noDataTile(w, s.Ratio), len(xs), &InsufficientDataError{Samples: len(xs), Minimum: e.opts.MinSamples}
	}

	params := e.opts.Forest
	params.Seed = windowSeed(e.opts.Seed, w.Index)
	model, err := regress.Fit(xs, ys, params)
	if err != nil {
		return nil, len(xs), &ModelFitError{Err: err}
	}

	fb := w.Extent.Scale(s.Ratio)
	raw := make([]float64, fb.Rows()*fb.Cols())
	vec := make([]float64, len(s.Predictors))
	for y := fb.Row0; y < fb.Row1; y++ {
		if err := ctx.Err(); err != nil {
			return nil, len(xs), err
		}
		base := (y - fb.Row0) * fb.Cols()
		for x := fb.Col0; x < fb.Col1; x++ {
			if !s.FineValid(x, y) {
				raw[base+x-fb.Col0] = math.NaN()
				continue
			}
			for k, p := range s.Predictors {
				vec[k] = p.Data[y*s.Fine.Cols+x]
			}
			v := model.Predict(vec)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, len(xs), &ModelFitError{Err: fmt.Errorf("non-finite prediction at fine pixel (%d, %d)", x, y)}
			}
			raw[base+x-fb.Col0] = v
		}
	}

	out := correctResiduals(raw, w.Extent, f.target, s.Coarse.Cols, s.Ratio, e.opts.ResidualIterations)
	return &Tile{Window: w, Fine: fb, Data: out}, len(xs), nil
}
