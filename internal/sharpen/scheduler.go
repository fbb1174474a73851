package sharpen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"thermalsharp/internal/config"
)

// Window outcome statuses.
const (
	StatusOK           = "ok"
	StatusInsufficient = "insufficient_data"
	StatusFailed       = "failed"
)

// WindowOutcome describes how one window task ended.
type WindowOutcome struct {
	Index    int
	Core     Bounds
	Extent   Bounds
	Status   string
	Samples  int
	Duration time.Duration
	Err      error
}

// Observer receives window outcomes. Calls come from a single goroutine in
// completion order, so implementations need no locking of their own.
type Observer interface {
	WindowDone(o WindowOutcome)
}

type windowTask func(ctx context.Context, w Window) (*Tile, int, error)

type taskResult struct {
	window   Window
	tile     *Tile
	samples  int
	duration time.Duration
	err      error
}

// schedule runs task over every window on a pool of jobs workers and
// returns the tiles indexed by window. Under the abort policy the first failed
// window stops dispatch and the run returns its error; otherwise failed
// windows are replaced by no-data tiles. Partial results are discarded on
// cancellation.
func (e *Engine) schedule(ctx context.Context, windows []Window, ratio int, task windowTask) ([]*Tile, error) {
	jobs := e.opts.ParallelJobs
	if jobs < 1 {
		jobs = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan Window)
	results := make(chan taskResult, jobs)

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range queue {
				if err := ctx.Err(); err != nil {
					results <- taskResult{window: w, err: err}
					continue
				}
				results <- runTask(ctx, task, w)
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, w := range windows {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case queue <- w:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	tiles := make([]*Tile, len(windows))
	var runErr error
	for res := range results {
		if runErr != nil {
			continue // drain so workers can exit
		}
		outcome := WindowOutcome{
			Index:    res.window.Index,
			Core:     res.window.Core,
			Extent:   res.window.Extent,
			Samples:  res.samples,
			Duration: res.duration,
			Status:   StatusOK,
		}

		if res.err != nil {
			if ctx.Err() != nil && errors.Is(res.err, ctx.Err()) {
				continue
			}
			outcome.Err = res.err
			outcome.Status = StatusFailed
			var insufficient *InsufficientDataError
			if errors.As(res.err, &insufficient) {
				outcome.Status = StatusInsufficient
			}
			if e.opts.FailurePolicy == config.PolicyAbort {
				runErr = &WindowError{Index: res.window.Index, Bounds: res.window.Core, Err: res.err}
				e.notify(outcome)
				cancel()
				continue
			}
			res.tile = noDataTile(res.window, ratio)
		}

		tiles[res.window.Index] = res.tile
		e.notify(outcome)
	}

	if runErr != nil {
		return nil, runErr
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	for i, t := range tiles {
		if t == nil {
			return nil, fmt.Errorf("%w: window %d never completed", ErrCanceled, i)
		}
	}
	return tiles, nil
}

// runTask isolates a panicking window so it surfaces as that window's failure.
func runTask(ctx context.Context, task windowTask, w Window) (res taskResult) {
	start := time.Now()
	res.window = w
	defer func() {
		if r := recover(); r != nil {
			res.tile = nil
			res.err = &ModelFitError{Err: fmt.Errorf("panic: %v", r)}
		}
		res.duration = time.Since(start)
	}()
	res.tile, res.samples, res.err = task(ctx, w)
	return res
}

func (e *Engine) notify(o WindowOutcome) {
	if e.observer != nil {
		e.observer.WindowDone(o)
	}
}
