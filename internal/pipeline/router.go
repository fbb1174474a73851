package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"thermalsharp/internal/config"
	"thermalsharp/internal/fsutil"
	"thermalsharp/internal/logging"
	"thermalsharp/internal/quicklook"
	"thermalsharp/internal/scene"
	"thermalsharp/internal/sharpen"
	"thermalsharp/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	cfg       *config.Config
	loadScene sceneLoader
	render    renderFunc
	progress  func(Progress)
}

type sceneLoader func(path, defaultOutputDir string, validMask []int) (*scene.Loaded, error)

type renderFunc func(path, out string, o quicklook.Options) error

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, progress func(Progress)) Processor {
	return &router{
		log:       logger,
		store:     store,
		cfg:       cfg,
		loadScene: scene.Load,
		render:    quicklook.RenderProduct,
		progress:  progress,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobSharpen:
		return r.handleSharpen(ctx, job)
	case JobQuicklook:
		return r.handleQuicklook(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// windowRecorder persists and republishes window outcomes of one run.
type windowRecorder struct {
	runID    string
	store    *storage.Store
	log      *slog.Logger
	progress func(Progress)
}

func (w *windowRecorder) WindowDone(o sharpen.WindowOutcome) {
	if w.store != nil {
		rec := storage.WindowRecord{
			RunID:      w.runID,
			Index:      o.Index,
			Row0:       o.Core.Row0,
			Col0:       o.Core.Col0,
			Row1:       o.Core.Row1,
			Col1:       o.Core.Col1,
			Status:     o.Status,
			Samples:    o.Samples,
			DurationMS: o.Duration.Milliseconds(),
		}
		if o.Err != nil {
			rec.Error = o.Err.Error()
		}
		if err := w.store.RecordWindow(rec); err != nil {
			w.log.Warn("failed to record window", "run_id", w.runID, "window", o.Index, "error", err)
		}
	}
	if w.progress != nil {
		w.progress(Progress{JobID: w.runID, Outcome: o})
	}
}

func (r *router) handleSharpen(ctx context.Context, job Job) Result {
	sh, parallel, err := applyOverrides(r.cfg.Sharpening, r.cfg.Processing.ParallelJobs, job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	loaded, err := r.loadScene(job.InputPath, r.cfg.Paths.DefaultOutput, sh.ValidMaskValues)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	s := loaded.Scene
	output := job.Output
	if output == "" {
		output = loaded.Output
	}
	logging.LogProcessingStep(r.log, job.ID, "load", "done", map[string]any{
		"predictors": s.PredictorNames(),
		"fine":       fmt.Sprintf("%dx%d", s.Fine.Cols, s.Fine.Rows),
		"coarse":     fmt.Sprintf("%dx%d", s.Coarse.Cols, s.Coarse.Rows),
		"ratio":      s.Ratio,
	})
	fsutil.CheckRunMemory(fsutil.EstimateRunMemory(s.Fine.Cols, s.Fine.Rows, len(s.Predictors), s.Ratio, sh.MovingWindowSize, parallel), r.log)

	opts := sharpen.OptionsFromConfig(sh, parallel)
	opts.RunID = job.ID
	engine, err := sharpen.New(opts, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	engine.SetObserver(&windowRecorder{runID: job.ID, store: r.store, log: r.log, progress: r.progress})

	res, err := engine.Run(ctx, s)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := res.Persist(output); err != nil {
		return Result{Job: job, Error: fmt.Errorf("persist %s: %w", output, err)}
	}

	rep := res.Report
	meta := map[string]any{
		"output":        output,
		"acquired":      res.Acquired.Format(time.RFC3339),
		"ratio":         rep.Ratio,
		"windows":       rep.Windows,
		"succeeded":     rep.Succeeded,
		"insufficient":  rep.Insufficient,
		"failed":        rep.Failed,
		"holes":         rep.Holes,
		"duration_ms":   rep.Duration.Milliseconds(),
		"window_size":   sh.MovingWindowSize,
		"parallel_jobs": parallel,
		"policy":        sh.WindowFailurePolicy,
	}
	// NaN does not survive JSON
	if !math.IsNaN(rep.ResidualRMSE) {
		meta["residual_rmse"] = rep.ResidualRMSE
	}
	if res.Warning != nil {
		meta["warning"] = res.Warning.Error()
	}

	if quick, _ := job.Options["quicklook"].(bool); quick {
		png := strings.TrimSuffix(output, filepath.Ext(output)) + ".png"
		if err := r.render(output, png, quicklook.DefaultOptions()); err != nil {
			r.log.Warn("quicklook failed", "run_id", job.ID, "error", err)
		} else {
			meta["quicklook"] = png
		}
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleQuicklook(ctx context.Context, job Job) Result {
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: fmt.Errorf("%w: %v", sharpen.ErrCanceled, err)}
	}
	out := job.Output
	if out == "" {
		out = strings.TrimSuffix(job.InputPath, filepath.Ext(job.InputPath)) + ".png"
	}
	o := quicklook.DefaultOptions()
	o.Band, _ = job.Options["band"].(string)
	o.Title, _ = job.Options["title"].(string)
	if err := r.render(job.InputPath, out, o); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{"output": out}}
}

// applyOverrides layers per-job options over the configured engine settings.
func applyOverrides(base config.Sharpening, parallel int, opts map[string]any) (config.Sharpening, int, error) {
	sh := base
	sh.ValidMaskValues = append([]int(nil), base.ValidMaskValues...)

	var err error
	setInt := func(key string, dst *int) {
		if v, ok, e := intOption(opts, key); e != nil {
			err = errors.Join(err, e)
		} else if ok {
			*dst = v
		}
	}
	setInt("moving_window_size", &sh.MovingWindowSize)
	setInt("parallel_jobs", &parallel)
	setInt("min_samples", &sh.MinSamples)
	setInt("residual_iterations", &sh.ResidualIterations)
	setInt("trees", &sh.Forest.Trees)
	if v, ok, e := intOption(opts, "regression_seed"); e != nil {
		err = errors.Join(err, e)
	} else if ok {
		sh.RegressionSeed = int64(v)
	}
	if v, ok := opts["window_failure_policy"].(string); ok && v != "" {
		sh.WindowFailurePolicy = v
	}
	if v, ok := opts["temperature_aggregation"].(string); ok && v != "" {
		sh.TemperatureAggregate = v
	}
	if v, ok := opts["blend_taper"].(string); ok && v != "" {
		sh.BlendTaper = v
	}
	if v, ok := opts["homogeneity_threshold"].(float64); ok {
		sh.HomogeneityThreshold = v
	}
	if err != nil {
		return sh, parallel, fmt.Errorf("%w: %v", sharpen.ErrInvalidConfig, err)
	}
	if parallel < 1 {
		return sh, parallel, fmt.Errorf("%w: parallel_jobs must be >= 1, got %d", sharpen.ErrInvalidConfig, parallel)
	}
	if err := sh.Validate(); err != nil {
		return sh, parallel, fmt.Errorf("%w: %v", sharpen.ErrInvalidConfig, err)
	}
	return sh, parallel, nil
}

// intOption reads an integer option that may have come from flags (int) or
// from decoded JSON (float64, json.Number).
func intOption(opts map[string]any, key string) (int, bool, error) {
	raw, ok := opts[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case int:
		return v, true, nil
	case int64:
		return int(v), true, nil
	case float64:
		if v != float64(int(v)) {
			return 0, false, fmt.Errorf("%s: %g is not an integer", key, v)
		}
		return int(v), true, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", key, err)
		}
		return int(n), true, nil
	default:
		return 0, false, fmt.Errorf("%s: unsupported type %T", key, raw)
	}
}
