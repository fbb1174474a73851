package sharpen

import (
	"math"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionCoversEveryCellOnce(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		cols, rows, size int
	}{
		{cols: 10, rows: 10, size: 3},
		{cols: 7, rows: 13, size: 4},
		{cols: 5, rows: 5, size: 30},
		{cols: 4, rows: 4, size: 1},
	} {
		p, err := NewPartitioner(tc.cols, tc.rows, tc.size)
		require.NoError(t, err)

		hits := make([]int, tc.cols*tc.rows)
		n := 0
		for w := range p.Windows() {
			assert.Equal(t, n, w.Index)
			n++
			for row := w.Core.Row0; row < w.Core.Row1; row++ {
				for col := w.Core.Col0; col < w.Core.Col1; col++ {
					hits[row*tc.cols+col]++
				}
			}

			m := p.Margin()
			assert.Equal(t, max(w.Core.Row0-m, 0), w.Extent.Row0)
			assert.Equal(t, max(w.Core.Col0-m, 0), w.Extent.Col0)
			assert.Equal(t, min(w.Core.Row1+m, tc.rows), w.Extent.Row1)
			assert.Equal(t, min(w.Core.Col1+m, tc.cols), w.Extent.Col1)
		}
		assert.Equal(t, p.Count(), n)
		for i, h := range hits {
			assert.Equal(t, 1, h, "cell %d of %+v", i, tc)
		}
	}
}

func TestPartitionIsRestartable(t *testing.T) {
	t.Parallel()

	p, err := NewPartitioner(9, 6, 4)
	require.NoError(t, err)
	first := slices.Collect(p.Windows())
	second := slices.Collect(p.Windows())
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("window sequence changed between passes (-first +second):\n%s", diff)
	}

	want := Window{
		Index:  4,
		Core:   Bounds{Row0: 4, Col0: 4, Row1: 6, Col1: 8},
		Extent: Bounds{Row0: 2, Col0: 2, Row1: 6, Col1: 9},
	}
	if diff := cmp.Diff(want, first[4]); diff != "" {
		t.Fatalf("window 4 (-want +got):\n%s", diff)
	}
}

func TestPartitionStopsEarly(t *testing.T) {
	t.Parallel()

	p, err := NewPartitioner(10, 10, 2)
	require.NoError(t, err)
	n := 0
	for range p.Windows() {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestNewPartitionerRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := NewPartitioner(10, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewPartitioner(0, 10, 3)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBoundsHelpers(t *testing.T) {
	t.Parallel()

	b := Bounds{Row0: 1, Col0: 2, Row1: 4, Col1: 6}
	assert.Equal(t, 3, b.Rows())
	assert.Equal(t, 4, b.Cols())
	assert.True(t, b.Contains(2, 1))
	assert.False(t, b.Contains(6, 1))
	assert.Equal(t, Bounds{Row0: 3, Col0: 6, Row1: 12, Col1: 18}, b.Scale(3))
	assert.Equal(t, "rows [1,4) cols [2,6)", b.String())
}

func TestTaperWeight(t *testing.T) {
	t.Parallel()

	core := Bounds{Row0: 10, Col0: 10, Row1: 20, Col1: 20}
	assert.Equal(t, 1.0, taperWeight(core, 15, 15, 10, "linear"))
	assert.Equal(t, 1.0, taperWeight(core, 25, 25, 0, "linear"))

	near := taperWeight(core, 21, 15, 10, "linear")
	far := taperWeight(core, 28, 15, 10, "linear")
	assert.InDelta(t, 0.85, near, 1e-12)
	assert.Less(t, far, near)
	assert.Equal(t, minBlendWeight, taperWeight(core, 40, 15, 10, "linear"))

	cos := taperWeight(core, 25, 15, 10, "cosine")
	assert.InDelta(t, 0.5*(1+math.Cos(math.Pi*0.55)), cos, 1e-12)
}

func TestInterpolateStaysWithinNeighbourRange(t *testing.T) {
	t.Parallel()

	res := []float64{-1, 2, math.NaN(), 0.5}
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			v := interpolate(res, 2, 2, x, y, 3)
			assert.GreaterOrEqual(t, v, -1.0)
			assert.LessOrEqual(t, v, 2.0)
		}
	}
	// centre of the upper-left cell takes its value unchanged
	assert.Equal(t, -1.0, interpolate(res, 2, 2, 1, 1, 3))
	assert.Equal(t, 0.0, interpolate([]float64{math.NaN()}, 1, 1, 0, 0, 2))
}
