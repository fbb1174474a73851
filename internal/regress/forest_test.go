package regress

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synthetic(n int, seed uint64) ([][]float64, []float64) {
	rng := rand.New(rand.NewPCG(seed, 1))
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := range x {
		ndvi := rng.Float64()
		elev := rng.Float64() * 500
		x[i] = []float64{ndvi, elev}
		// vegetated pixels are cooler, high pixels are cooler
		y[i] = 310 - 15*ndvi - 0.0065*elev
		if ndvi > 0.6 {
			y[i] -= 3
		}
	}
	return x, y
}

func TestFitRecoversNonlinearRelationship(t *testing.T) {
	x, y := synthetic(400, 3)
	p := DefaultParams()
	p.Seed = 11
	f, err := Fit(x, y, p)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Features())

	tx, ty := synthetic(100, 99)
	sq := 0.0
	for i := range tx {
		d := f.Predict(tx[i]) - ty[i]
		sq += d * d
	}
	rmse := math.Sqrt(sq / float64(len(tx)))
	assert.Less(t, rmse, 1.5, "rmse %.3f K", rmse)
}

func TestFitIsDeterministicForSeed(t *testing.T) {
	x, y := synthetic(150, 5)
	p := DefaultParams()
	p.Seed = 21

	a, err := Fit(x, y, p)
	require.NoError(t, err)
	b, err := Fit(x, y, p)
	require.NoError(t, err)

	query := []float64{0.4, 120}
	assert.Equal(t, a.Predict(query), b.Predict(query))

	p.Seed = 22
	c, err := Fit(x, y, p)
	require.NoError(t, err)
	// a different seed draws different bags; predictions stay close but the
	// ensemble is not the same object
	assert.InDelta(t, a.Predict(query), c.Predict(query), 2.0)
}

func TestConstantTargetsPredictConstant(t *testing.T) {
	x, _ := synthetic(60, 8)
	y := make([]float64, len(x))
	for i := range y {
		y[i] = 300
	}
	f, err := Fit(x, y, DefaultParams())
	require.NoError(t, err)
	for _, query := range [][]float64{{0, 0}, {1, 500}, {5, -100}} {
		assert.Equal(t, 300.0, f.Predict(query))
	}
}

func TestSingleSample(t *testing.T) {
	f, err := Fit([][]float64{{0.3, 12}}, []float64{295}, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, 295.0, f.Predict([]float64{0.9, 1}))
}

func TestLeafLinearClampsExtrapolation(t *testing.T) {
	x := make([][]float64, 50)
	y := make([]float64, 50)
	for i := range x {
		v := float64(i) / 49
		x[i] = []float64{v}
		y[i] = 300 + 10*v
	}
	p := DefaultParams()
	p.MaxDepth = 1
	p.SampleFraction = 1
	p.FeatureFraction = 1
	f, err := Fit(x, y, p)
	require.NoError(t, err)

	// range is 10 K, ratio 0.25 allows 2.5 K beyond the highest leaf target
	assert.LessOrEqual(t, f.Predict([]float64{100}), 312.5+1e-9)
	assert.GreaterOrEqual(t, f.Predict([]float64{-100}), 297.5-1e-9)
}

func TestFitRejectsBadInput(t *testing.T) {
	_, err := Fit(nil, nil, DefaultParams())
	assert.ErrorIs(t, err, ErrNoSamples)

	_, err = Fit([][]float64{{1}, {2}}, []float64{1}, DefaultParams())
	assert.ErrorIs(t, err, ErrDimension)

	_, err = Fit([][]float64{{1, 2}, {2}}, []float64{1, 2}, DefaultParams())
	assert.ErrorIs(t, err, ErrDimension)

	_, err = Fit([][]float64{{math.NaN()}}, []float64{1}, DefaultParams())
	assert.ErrorIs(t, err, ErrNonFinite)

	_, err = Fit([][]float64{{1}}, []float64{math.Inf(1)}, DefaultParams())
	assert.ErrorIs(t, err, ErrNonFinite)
}
