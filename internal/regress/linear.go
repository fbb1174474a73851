package regress

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ridge is the relative diagonal loading used for leaf fits, so that
// collinear predictors still produce a stable solution.
const ridge = 1e-6

type linearModel struct {
	cols      []int
	coef      []float64
	xMean     []float64
	intercept float64
}

func (m *linearModel) predict(x []float64) float64 {
	v := m.intercept
	for i, c := range m.cols {
		v += m.coef[i] * (x[c] - m.xMean[i])
	}
	return v
}

// fitLinear solves centred ridge least squares over the given columns.
// It returns nil when the leaf holds too few rows for a determined fit.
func fitLinear(x [][]float64, rows []int, ys []float64, cols []int) *linearModel {
	n, k := len(rows), len(cols)
	if n <= k+1 {
		return nil
	}

	yMean := stat.Mean(ys, nil)
	xMean := make([]float64, k)
	col := make([]float64, n)
	for j, c := range cols {
		for i, r := range rows {
			col[i] = x[r][c]
		}
		xMean[j] = stat.Mean(col, nil)
	}

	a := mat.NewDense(n, k, nil)
	yc := mat.NewVecDense(n, nil)
	for i, r := range rows {
		for j, c := range cols {
			a.Set(i, j, x[r][c]-xMean[j])
		}
		yc.SetVec(i, ys[i]-yMean)
	}

	var ata mat.SymDense
	ata.SymOuterK(1, a.T())
	trace := 0.0
	for j := 0; j < k; j++ {
		trace += ata.At(j, j)
	}
	if trace == 0 {
		return nil
	}
	load := ridge * trace / float64(k)
	for j := 0; j < k; j++ {
		ata.SetSym(j, j, ata.At(j, j)+load)
	}

	var aty mat.VecDense
	aty.MulVec(a.T(), yc)

	var chol mat.Cholesky
	if ok := chol.Factorize(&ata); !ok {
		return nil
	}
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &aty); err != nil {
		return nil
	}

	coef := make([]float64, k)
	for j := range coef {
		coef[j] = beta.AtVec(j)
	}
	return &linearModel{
		cols:      append([]int(nil), cols...),
		coef:      coef,
		xMean:     xMean,
		intercept: yMean,
	}
}
