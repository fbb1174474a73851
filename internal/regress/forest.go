// Package regress fits bagged regression trees with optional linear models
// in the leaves. Fitting is deterministic for a given seed.
package regress

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrNoSamples is returned when there is nothing to fit.
	ErrNoSamples = errors.New("no training samples")
	// ErrDimension is returned for ragged or mismatched inputs.
	ErrDimension = errors.New("inconsistent sample dimensions")
	// ErrNonFinite is returned when a sample holds NaN or Inf.
	ErrNonFinite = errors.New("non-finite training value")
)

// Params configures an ensemble.
type Params struct {
	Trees           int
	MaxDepth        int // 0 means unlimited
	MinSamplesLeaf  int
	SampleFraction  float64 // bootstrap size relative to the sample count
	FeatureFraction float64 // features drawn per tree
	LeafLinear      bool
	// ExtrapolationRatio widens the clamp applied to leaf linear predictions,
	// relative to the range of the leaf's training targets.
	ExtrapolationRatio float64
	Seed               uint64
}

// DefaultParams mirrors the bagging setup of the data mining sharpener.
func DefaultParams() Params {
	return Params{
		Trees:              30,
		MaxDepth:           8,
		MinSamplesLeaf:     3,
		SampleFraction:     0.8,
		FeatureFraction:    0.8,
		LeafLinear:         true,
		ExtrapolationRatio: 0.25,
	}
}

// Forest is a fitted ensemble.
type Forest struct {
	features int
	trees    []*tree
}

// Fit trains an ensemble on rows of x against y.
func Fit(x [][]float64, y []float64, p Params) (*Forest, error) {
	if len(x) == 0 {
		return nil, ErrNoSamples
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("%w: %d rows, %d targets", ErrDimension, len(x), len(y))
	}
	nf := len(x[0])
	if nf == 0 {
		return nil, fmt.Errorf("%w: zero features", ErrDimension)
	}
	for i, row := range x {
		if len(row) != nf {
			return nil, fmt.Errorf("%w: row %d has %d features, want %d", ErrDimension, i, len(row), nf)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w in row %d", ErrNonFinite, i)
			}
		}
		if math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			return nil, fmt.Errorf("%w in target %d", ErrNonFinite, i)
		}
	}
	if p.Trees < 1 {
		p.Trees = 1
	}
	if p.MinSamplesLeaf < 1 {
		p.MinSamplesLeaf = 1
	}

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	f := &Forest{features: nf}
	n := len(x)
	for t := 0; t < p.Trees; t++ {
		rows := bootstrap(rng, n, p.SampleFraction)
		cols := chooseFeatures(rng, nf, p.FeatureFraction)
		b := &builder{x: x, y: y, cols: cols, p: p}
		f.trees = append(f.trees, &tree{root: b.grow(rows, 0)})
	}
	return f, nil
}

// Features is the input dimension the ensemble was trained with.
func (f *Forest) Features() int { return f.features }

// Predict returns the ensemble mean for one feature vector.
func (f *Forest) Predict(x []float64) float64 {
	sum := 0.0
	for _, t := range f.trees {
		sum += t.predict(x)
	}
	return sum / float64(len(f.trees))
}

func bootstrap(rng *rand.Rand, n int, frac float64) []int {
	if frac <= 0 || frac > 1 {
		frac = 1
	}
	m := int(math.Round(frac * float64(n)))
	if m < 1 {
		m = 1
	}
	rows := make([]int, m)
	for i := range rows {
		rows[i] = rng.IntN(n)
	}
	return rows
}

func chooseFeatures(rng *rand.Rand, nf int, frac float64) []int {
	if frac <= 0 || frac > 1 {
		frac = 1
	}
	k := int(math.Round(frac * float64(nf)))
	if k < 1 {
		k = 1
	}
	cols := rng.Perm(nf)[:k]
	sort.Ints(cols)
	return cols
}

type tree struct {
	root *node
}

func (t *tree) predict(x []float64) float64 {
	n := t.root
	for n.leaf == nil {
		if x[n.feature] <= n.threshold {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.leaf.predict(x)
}

type node struct {
	feature     int
	threshold   float64
	left, right *node
	leaf        *leaf
}

type builder struct {
	x    [][]float64
	y    []float64
	cols []int
	p    Params
}

func (b *builder) targets(rows []int) []float64 {
	ys := make([]float64, len(rows))
	for i, r := range rows {
		ys[i] = b.y[r]
	}
	return ys
}

func (b *builder) grow(rows []int, depth int) *node {
	ys := b.targets(rows)
	_, variance := stat.PopMeanVariance(ys, nil)
	atDepth := b.p.MaxDepth > 0 && depth >= b.p.MaxDepth
	if atDepth || len(rows) < 2*b.p.MinSamplesLeaf || variance <= 0 {
		return &node{leaf: b.makeLeaf(rows, ys)}
	}

	feature, threshold, ok := b.bestSplit(rows)
	if !ok {
		return &node{leaf: b.makeLeaf(rows, ys)}
	}
	var left, right []int
	for _, r := range rows {
		if b.x[r][feature] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	return &node{
		feature:   feature,
		threshold: threshold,
		left:      b.grow(left, depth+1),
		right:     b.grow(right, depth+1),
	}
}

// bestSplit scans every candidate threshold of every tree feature and keeps
// the one with the lowest summed squared error of the two children.
func (b *builder) bestSplit(rows []int) (int, float64, bool) {
	n := len(rows)
	minLeaf := b.p.MinSamplesLeaf
	order := make([]int, n)
	prefix := make([]float64, n+1)
	prefixSq := make([]float64, n+1)

	totalSum, totalSq := 0.0, 0.0
	for _, r := range rows {
		totalSum += b.y[r]
		totalSq += b.y[r] * b.y[r]
	}
	bestSSE := totalSq - totalSum*totalSum/float64(n)
	bestFeature, bestThreshold, found := -1, 0.0, false

	for _, f := range b.cols {
		copy(order, rows)
		sort.SliceStable(order, func(i, j int) bool { return b.x[order[i]][f] < b.x[order[j]][f] })
		for i, r := range order {
			prefix[i+1] = prefix[i] + b.y[r]
			prefixSq[i+1] = prefixSq[i] + b.y[r]*b.y[r]
		}
		for i := minLeaf; i <= n-minLeaf; i++ {
			lo, hi := b.x[order[i-1]][f], b.x[order[i]][f]
			if lo == hi {
				continue
			}
			nl, nr := float64(i), float64(n-i)
			sl, sr := prefix[i], prefix[n]-prefix[i]
			sse := (prefixSq[i] - sl*sl/nl) + (prefixSq[n] - prefixSq[i] - sr*sr/nr)
			if sse < bestSSE-1e-12*math.Abs(bestSSE) {
				bestSSE = sse
				bestFeature = f
				bestThreshold = lo + (hi-lo)/2
				found = true
			}
		}
	}
	return bestFeature, bestThreshold, found
}

func (b *builder) makeLeaf(rows []int, ys []float64) *leaf {
	l := &leaf{
		mean: stat.Mean(ys, nil),
		lo:   floats.Min(ys),
		hi:   floats.Max(ys),
	}
	if b.p.LeafLinear {
		pad := b.p.ExtrapolationRatio * (l.hi - l.lo)
		l.lo -= pad
		l.hi += pad
		l.model = fitLinear(b.x, rows, ys, b.cols)
	}
	return l
}

type leaf struct {
	mean   float64
	lo, hi float64
	model  *linearModel
}

func (l *leaf) predict(x []float64) float64 {
	if l.model == nil {
		return l.mean
	}
	v := l.model.predict(x)
	if math.IsNaN(v) {
		return l.mean
	}
	return math.Max(l.lo, math.Min(l.hi, v))
}
