package sharpen

import (
	"math"
)

// correctResiduals adds the interpolated coarse residual field to a fine
// prediction covering ext. Each pass aggregates the current estimate,
// differences it against the observation and spreads the residual back
// with bilinear weights over the valid neighbouring cells. A closing pass
// then shifts every footprint by what is left of its own residual, so the
// output re-aggregates to the observation. Pixels that are no-data in pred
// stay no-data.
func correctResiduals(pred []float64, ext Bounds, target []float64, coarseCols, ratio, iterations int) []float64 {
	rows, cols := ext.Rows(), ext.Cols()
	stride := cols * ratio
	out := make([]float64, len(pred))
	copy(out, pred)
	res := make([]float64, rows*cols)

	for it := 0; it < iterations; it++ {
		found := false
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				res[r*cols+c] = math.NaN()
				obs := target[(ext.Row0+r)*coarseCols+ext.Col0+c]
				if math.IsNaN(obs) {
					continue
				}
				agg, ok := footprintMean(out, stride, c*ratio, r*ratio, ratio)
				if !ok {
					continue
				}
				res[r*cols+c] = obs - agg
				found = true
			}
		}
		if !found {
			break
		}
		for y := 0; y < rows*ratio; y++ {
			for x := 0; x < stride; x++ {
				i := y*stride + x
				if math.IsNaN(out[i]) {
					continue
				}
				out[i] += interpolate(res, cols, rows, x, y, ratio)
			}
		}
	}
	closeResiduals(out, ext, target, coarseCols, ratio)
	return out
}

// closeResiduals removes the remaining residual of each valid coarse cell
// in ext from its footprint in fine, a row-major array covering ext.
func closeResiduals(fine []float64, ext Bounds, target []float64, coarseCols, ratio int) {
	stride := ext.Cols() * ratio
	for r := 0; r < ext.Rows(); r++ {
		for c := 0; c < ext.Cols(); c++ {
			obs := target[(ext.Row0+r)*coarseCols+ext.Col0+c]
			if math.IsNaN(obs) {
				continue
			}
			agg, ok := footprintMean(fine, stride, c*ratio, r*ratio, ratio)
			if !ok {
				continue
			}
			d := obs - agg
			for y := r * ratio; y < (r+1)*ratio; y++ {
				for x := c * ratio; x < (c+1)*ratio; x++ {
					if i := y*stride + x; !math.IsNaN(fine[i]) {
						fine[i] += d
					}
				}
			}
		}
	}
}

// interpolate evaluates the residual grid at the centre of fine pixel
// (x, y). Missing neighbours drop out and the weights are renormalised, so
// the result is a convex combination and never leaves the range of the
// residuals it was built from. With no valid neighbour it returns 0.
func interpolate(res []float64, cols, rows, x, y, ratio int) float64 {
	u := (float64(x)+0.5)/float64(ratio) - 0.5
	v := (float64(y)+0.5)/float64(ratio) - 0.5
	c0, r0 := int(math.Floor(u)), int(math.Floor(v))
	tu, tv := u-float64(c0), v-float64(r0)

	sum, wsum := 0.0, 0.0
	for dr := 0; dr <= 1; dr++ {
		r := clamp(r0+dr, 0, rows-1)
		wr := 1 - tv
		if dr == 1 {
			wr = tv
		}
		for dc := 0; dc <= 1; dc++ {
			c := clamp(c0+dc, 0, cols-1)
			wc := 1 - tu
			if dc == 1 {
				wc = tu
			}
			val := res[r*cols+c]
			w := wr * wc
			if math.IsNaN(val) || w == 0 {
				continue
			}
			sum += w * val
			wsum += w
		}
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
