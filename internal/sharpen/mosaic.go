package sharpen

import (
	"math"

	"thermalsharp/internal/config"
)

// minBlendWeight keeps the outermost margin pixels contributing so a pixel
// covered only by window margins is never left without weight.
const minBlendWeight = 1e-3

// taperWeight returns the blending weight of fine pixel (x, y) inside a
// tile: 1 over the core, decaying toward the extent edge across the margin.
func taperWeight(core Bounds, x, y, marginFine int, taper string) float64 {
	if marginFine <= 0 {
		return 1
	}
	xc, yc := float64(x)+0.5, float64(y)+0.5
	dx := math.Max(0, math.Max(float64(core.Col0)-xc, xc-float64(core.Col1)))
	dy := math.Max(0, math.Max(float64(core.Row0)-yc, yc-float64(core.Row1)))
	d := math.Max(dx, dy)
	if d == 0 {
		return 1
	}
	t := math.Min(d/float64(marginFine), 1)
	var w float64
	switch taper {
	case config.TaperCosine:
		w = 0.5 * (1 + math.Cos(math.Pi*t))
	default:
		w = 1 - t
	}
	return math.Max(w, minBlendWeight)
}

// composite reduces the ordered tiles into one fine grid. Contributions are
// summed with their taper weights and normalised in a single pass, so the
// weights at every covered pixel sum to one. The core of a no-data tile
// takes no contribution from neighbouring margins. Pixels no tile covers
// with data stay NaN; holes counts those where every predictor was valid.
func composite(s *Scene, tiles []*Tile, margin int, taper string) (out []float64, holes int) {
	n := s.Fine.Len()
	sum := make([]float64, n)
	wsum := make([]float64, n)
	marginFine := margin * s.Ratio

	blocked := make([]bool, n)
	for _, t := range tiles {
		if !t.NoData {
			continue
		}
		core := t.Window.Core.Scale(s.Ratio)
		for y := core.Row0; y < core.Row1; y++ {
			for x := core.Col0; x < core.Col1; x++ {
				blocked[y*s.Fine.Cols+x] = true
			}
		}
	}

	for _, t := range tiles {
		core := t.Window.Core.Scale(s.Ratio)
		cols := t.Fine.Cols()
		for y := t.Fine.Row0; y < t.Fine.Row1; y++ {
			for x := t.Fine.Col0; x < t.Fine.Col1; x++ {
				i := y*s.Fine.Cols + x
				v := t.Data[(y-t.Fine.Row0)*cols+x-t.Fine.Col0]
				if math.IsNaN(v) || blocked[i] {
					continue
				}
				w := taperWeight(core, x, y, marginFine, taper)
				sum[i] += w * v
				wsum[i] += w
			}
		}
	}

	out = sum
	for i := range out {
		if wsum[i] == 0 {
			out[i] = math.NaN()
			if s.fineValid[i] {
				holes++
			}
			continue
		}
		out[i] = sum[i] / wsum[i]
	}
	return out, holes
}
