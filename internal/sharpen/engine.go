// Package sharpen disaggregates coarse land surface temperature onto the
// grid of fine resolution predictors. A run partitions the coarse grid into
// overlapping windows, fits an independent regression per window, removes
// the coarse residual from each window's prediction and blends the window
// tiles into one mosaic.
package sharpen

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"thermalsharp/internal/config"
	"thermalsharp/internal/logging"
	"thermalsharp/internal/raster"
	"thermalsharp/internal/regress"
)

// OutputBand is the band name of the sharpened product.
const OutputBand = "LST_SHARP"

// Options is the scoped configuration of one engine.
type Options struct {
	RunID                string
	WindowSize           int
	ParallelJobs         int
	FailurePolicy        string
	Seed                 int64
	MinSamples           int
	HomogeneityThreshold float64
	Aggregation          string
	ResidualIterations   int
	Taper                string
	Forest               regress.Params
}

// OptionsFromConfig maps the sharpening section of the config onto engine options.
func OptionsFromConfig(cfg config.Sharpening, parallelJobs int) Options {
	return Options{
		WindowSize:           cfg.MovingWindowSize,
		ParallelJobs:         parallelJobs,
		FailurePolicy:        cfg.WindowFailurePolicy,
		Seed:                 cfg.RegressionSeed,
		MinSamples:           cfg.MinSamples,
		HomogeneityThreshold: cfg.HomogeneityThreshold,
		Aggregation:          cfg.TemperatureAggregate,
		ResidualIterations:   cfg.ResidualIterations,
		Taper:                cfg.BlendTaper,
		Forest: regress.Params{
			Trees:              cfg.Forest.Trees,
			MaxDepth:           cfg.Forest.MaxDepth,
			MinSamplesLeaf:     cfg.Forest.MinSamplesLeaf,
			SampleFraction:     cfg.Forest.SampleFraction,
			FeatureFraction:    cfg.Forest.FeatureFraction,
			LeafLinear:         cfg.Forest.LeafLinear,
			ExtrapolationRatio: cfg.Forest.ExtrapolationRatio,
		},
	}
}

// Engine runs sharpening jobs. An Engine holds no per-run state and may be
// reused sequentially.
type Engine struct {
	opts     Options
	logger   *slog.Logger
	observer Observer
}

// New validates opts and returns an engine.
func New(opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ParallelJobs < 1 {
		return nil, fmt.Errorf("%w: parallel_jobs must be >= 1, got %d", ErrInvalidConfig, opts.ParallelJobs)
	}
	if opts.WindowSize < 1 {
		return nil, fmt.Errorf("%w: moving_window_size must be >= 1, got %d", ErrInvalidConfig, opts.WindowSize)
	}
	if opts.MinSamples < 1 {
		return nil, fmt.Errorf("%w: min_samples must be >= 1, got %d", ErrInvalidConfig, opts.MinSamples)
	}
	if opts.Forest.Trees < 1 {
		return nil, fmt.Errorf("%w: forest needs at least one tree", ErrInvalidConfig)
	}
	switch opts.FailurePolicy {
	case config.PolicyAbort, config.PolicySubstituteNoData:
	default:
		return nil, fmt.Errorf("%w: window failure policy %q", ErrInvalidConfig, opts.FailurePolicy)
	}
	switch opts.Aggregation {
	case "":
		opts.Aggregation = config.AggregateMean
	case config.AggregateMean, config.AggregateRadiance:
	default:
		return nil, fmt.Errorf("%w: temperature aggregation %q", ErrInvalidConfig, opts.Aggregation)
	}
	switch opts.Taper {
	case "":
		opts.Taper = config.TaperLinear
	case config.TaperLinear, config.TaperCosine:
	default:
		return nil, fmt.Errorf("%w: blend taper %q", ErrInvalidConfig, opts.Taper)
	}
	if opts.ResidualIterations < 0 {
		return nil, fmt.Errorf("%w: residual_iterations must be >= 0", ErrInvalidConfig)
	}
	return &Engine{opts: opts, logger: logger}, nil
}

// Options returns the validated options.
func (e *Engine) Options() Options { return e.opts }

// SetObserver registers o to receive every window outcome.
func (e *Engine) SetObserver(o Observer) { e.observer = o }

// RunReport summarizes a completed run.
type RunReport struct {
	Ratio        int
	Windows      int
	Succeeded    int
	Insufficient int
	Failed       int
	// Holes counts fine pixels with valid predictors that stayed no-data.
	Holes int
	// ResidualRMSE compares the re-aggregated output with the coarse
	// observation over valid coarse cells that kept data, in kelvin. The
	// footprint mean is taken over temperature. Under radiance aggregation
	// the correction closes footprint means of T^4 instead, so the value is
	// small but not zero once a footprint holds different temperatures.
	ResidualRMSE float64
	Duration     time.Duration
}

// Result is the output of a successful run.
type Result struct {
	LST      *raster.Raster
	Acquired time.Time
	Report   RunReport
	// Warning is set when the mosaic has holes.
	Warning *CompositingError
}

// Product wraps the mosaic for persistence with the acquisition time attached.
func (r *Result) Product() *raster.Product {
	p := raster.NewProduct(r.LST.Geometry, r.LST)
	p.SetAcquisitionTime(r.Acquired)
	return p
}

// Persist writes the mosaic to path.
func (r *Result) Persist(path string) error {
	return raster.Write(path, r.Product())
}

type reportObserver struct {
	next   Observer
	report *RunReport
	log    func(WindowOutcome)
}

func (o *reportObserver) WindowDone(w WindowOutcome) {
	switch w.Status {
	case StatusOK:
		o.report.Succeeded++
	case StatusInsufficient:
		o.report.Insufficient++
	default:
		o.report.Failed++
	}
	o.log(w)
	if o.next != nil {
		o.next.WindowDone(w)
	}
}

// Run sharpens s. Input problems were already rejected by NewScene, so every
// error returned here comes from window work, the policy or cancellation.
func (e *Engine) Run(ctx context.Context, s *Scene) (*Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanceled, err)
	}

	part, err := NewPartitioner(s.Coarse.Cols, s.Coarse.Rows, e.opts.WindowSize)
	if err != nil {
		return nil, err
	}

	forward, inverse := identity, identity
	if e.opts.Aggregation == config.AggregateRadiance {
		forward, inverse = toRadiance, fromRadiance
	}
	f := prepare(s, e.opts.HomogeneityThreshold, forward)

	windows := make([]Window, 0, part.Count())
	for w := range part.Windows() {
		windows = append(windows, w)
	}

	report := RunReport{Ratio: s.Ratio, Windows: len(windows)}
	scheduleEngine := *e
	scheduleEngine.observer = &reportObserver{
		next:   e.observer,
		report: &report,
		log: func(w WindowOutcome) {
			logging.LogWindowOutcome(e.logger, e.opts.RunID, w.Index, w.Status, w.Samples, w.Duration, w.Err)
		},
	}

	e.logger.Debug("sharpening windows",
		"run_id", e.opts.RunID,
		"windows", len(windows),
		"window_size", e.opts.WindowSize,
		"ratio", s.Ratio,
		"parallel_jobs", e.opts.ParallelJobs,
	)

	tiles, err := scheduleEngine.schedule(ctx, windows, s.Ratio, func(ctx context.Context, w Window) (*Tile, int, error) {
		return scheduleEngine.processWindow(ctx, s, f, w)
	})
	if err != nil {
		return nil, err
	}

	data, holes := composite(s, tiles, part.Margin(), e.opts.Taper)
	// blending neighbouring tiles moves footprint means slightly
	closeResiduals(data, Bounds{Row1: s.Coarse.Rows, Col1: s.Coarse.Cols}, f.target, s.Coarse.Cols, s.Ratio)
	for i, v := range data {
		if !math.IsNaN(v) {
			data[i] = inverse(v)
		}
	}

	out := raster.New(OutputBand, s.Fine)
	out.Data = data
	report.Holes = holes
	report.ResidualRMSE = residualRMSE(s, data)
	report.Duration = time.Since(start)

	res := &Result{LST: out, Acquired: s.Acquired, Report: report}
	if holes > 0 {
		res.Warning = &CompositingError{Holes: holes}
		e.logger.Warn("mosaic has holes", "run_id", e.opts.RunID, "holes", holes)
	}
	return res, nil
}

// residualRMSE re-aggregates the output and compares it with the valid
// coarse observations.
func residualRMSE(s *Scene, fine []float64) float64 {
	sum, n := 0.0, 0
	for row := 0; row < s.Coarse.Rows; row++ {
		for col := 0; col < s.Coarse.Cols; col++ {
			if !s.CoarseValid(col, row) {
				continue
			}
			agg, ok := footprintMean(fine, s.Fine.Cols, col*s.Ratio, row*s.Ratio, s.Ratio)
			if !ok {
				continue
			}
			d := agg - s.LST.At(col, row)
			sum += d * d
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return math.Sqrt(sum / float64(n))
}

func identity(v float64) float64 { return v }

// toRadiance maps kelvin onto a quantity proportional to emitted radiance
// (Stefan-Boltzmann), so footprint means conserve energy rather than temperature.
func toRadiance(t float64) float64 { return t * t * t * t }

func fromRadiance(r float64) float64 {
	if r <= 0 {
		return 0
	}
	return math.Sqrt(math.Sqrt(r))
}
