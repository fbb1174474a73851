package sharpen

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// footprintMean averages the valid values of a fine block over one coarse
// cell footprint. data is a row-major fine array of width stride; (x0, y0)
// is the upper-left fine pixel of the footprint. The rule is the plain
// arithmetic mean of unmasked fine pixels; ok is false when none are valid.
func footprintMean(data []float64, stride, x0, y0, ratio int) (mean float64, ok bool) {
	sum, n := 0.0, 0
	for y := y0; y < y0+ratio; y++ {
		row := data[y*stride : y*stride+stride]
		for x := x0; x < x0+ratio; x++ {
			v := row[x]
			if math.IsNaN(v) {
				continue
			}
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN(), false
	}
	return sum / float64(n), true
}

// footprintCV returns the coefficient of variation of the valid values in
// one footprint, or +Inf when it cannot be computed.
func footprintCV(data []float64, stride, x0, y0, ratio int, buf []float64) float64 {
	buf = buf[:0]
	for y := y0; y < y0+ratio; y++ {
		for x := x0; x < x0+ratio; x++ {
			if v := data[y*stride+x]; !math.IsNaN(v) {
				buf = append(buf, v)
			}
		}
	}
	if len(buf) < 2 {
		return math.Inf(1)
	}
	mean, std := stat.PopMeanStdDev(buf, nil)
	if mean == 0 {
		if std == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return std / math.Abs(mean)
}

// features holds the scene wide coarse aggregates that window tasks share.
type features struct {
	// vectors[i] is the aggregated predictor vector of coarse cell i, nil
	// when any predictor has no valid fine pixel in the footprint.
	vectors [][]float64
	// homogeneous[i] is false for cells failing the homogeneity filter.
	homogeneous []bool
	// target holds the coarse observation, NaN where unusable.
	target []float64
}

// prepare aggregates every predictor to the coarse grid once per run.
func prepare(s *Scene, homogeneityThreshold float64, transform func(float64) float64) *features {
	cc, cr := s.Coarse.Cols, s.Coarse.Rows
	r := s.Ratio
	f := &features{
		vectors:     make([][]float64, cc*cr),
		homogeneous: make([]bool, cc*cr),
		target:      make([]float64, cc*cr),
	}
	buf := make([]float64, 0, r*r)
	for row := 0; row < cr; row++ {
		for col := 0; col < cc; col++ {
			i := row*cc + col
			f.target[i] = math.NaN()
			if s.CoarseValid(col, row) {
				f.target[i] = transform(s.LST.Data[i])
			}

			vec := make([]float64, len(s.Predictors))
			complete := true
			homogeneous := true
			for k, p := range s.Predictors {
				m, ok := footprintMean(p.Data, s.Fine.Cols, col*r, row*r, r)
				if !ok {
					complete = false
					break
				}
				vec[k] = m
				if homogeneityThreshold > 0 && footprintCV(p.Data, s.Fine.Cols, col*r, row*r, r, buf) > homogeneityThreshold {
					homogeneous = false
				}
			}
			if complete {
				f.vectors[i] = vec
				f.homogeneous[i] = homogeneous
			}
		}
	}
	return f
}
