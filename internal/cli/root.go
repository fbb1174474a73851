package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"thermalsharp/internal/config"
	"thermalsharp/internal/grpcserver"
	"thermalsharp/internal/pipeline"
	"thermalsharp/internal/server"
	"thermalsharp/internal/storage"
	"thermalsharp/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// serveOptions are the listeners a serve invocation starts.
type serveOptions struct {
	Addr     string
	GRPCAddr string
	WatchDir string
}

type serverFunc func(ctx context.Context, r *Root, o serveOptions) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
}

// NewRoot constructs the state shared by all commands.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
	}
}

// enqueueAndWait submits job and blocks until its result is broadcast.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID() string {
	return uuid.NewString()
}

// defaultServe runs the HTTP API, the gRPC health endpoint and the optional
// drop-folder watcher until ctx ends or one of them fails.
func defaultServe(ctx context.Context, r *Root, o serveOptions) error {
	pipe, ok := r.pipeline.(server.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var w *watch.Watcher
	if o.WatchDir != "" {
		var err error
		if w, err = watch.New(o.WatchDir, pipe, r.log); err != nil {
			return fmt.Errorf("watch %s: %w", o.WatchDir, err)
		}
		w.ScanExisting = true
	}

	errCh := make(chan error, 3)
	running := 0
	start := func(name string, fn func(context.Context) error) {
		running++
		go func() {
			err := fn(ctx)
			if err != nil {
				err = fmt.Errorf("%s: %w", name, err)
			}
			errCh <- err
		}()
	}

	start("http", func(ctx context.Context) error {
		return server.NewServer(o.Addr, r.store, pipe, r.log).Start(ctx)
	})
	if o.GRPCAddr != "" {
		health := grpcserver.New(r.log)
		health.SetServing(true)
		start("grpc", func(ctx context.Context) error {
			return health.Start(ctx, o.GRPCAddr)
		})
	}
	if w != nil {
		start("watch", w.Run)
	}

	var errs error
	for ; running > 0; running-- {
		if err := <-errCh; err != nil {
			errs = errors.Join(errs, err)
		}
		// the first listener to return takes the others down
		cancel()
	}
	return errs
}
