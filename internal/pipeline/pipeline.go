package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"thermalsharp/internal/config"
	"thermalsharp/internal/logging"
	"thermalsharp/internal/sharpen"
	"thermalsharp/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobSharpen   JobType = "sharpen"
	JobQuicklook JobType = "quicklook"
)

// ErrQueueFull is returned by Submit when no queue slot is free.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("pipeline stopped")

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Progress reports one finished window of a running sharpen job.
type Progress struct {
	JobID   string
	Outcome sharpen.WindowOutcome
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store

	mu            sync.Mutex
	stopped       bool
	subs          map[int]chan Result
	progressSubs  map[int]chan Progress
	nextSubID     int
	running       map[string]context.CancelFunc
	queued        map[string]struct{}
	pendingCancel map[string]struct{}
}

// New creates a Pipeline running concurrency jobs at once. Each sharpen job
// itself uses cfg.Processing.ParallelJobs window workers.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	p := newPipeline(ctx, concurrency, cfg.Processing.QueueSize, logger, store, nil)
	p.startOnce.Do(func() {
		p.processor = newRouter(logger, store, cfg, p.publishProgress)
		p.start(ctx, concurrency)
	})
	return p
}

// NewWithProcessor creates a Pipeline around a custom processor.
func NewWithProcessor(ctx context.Context, concurrency, queueSize int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	p := newPipeline(ctx, concurrency, queueSize, logger, store, proc)
	p.startOnce.Do(func() { p.start(ctx, concurrency) })
	return p
}

func newPipeline(ctx context.Context, concurrency, queueSize int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 1 {
		queueSize = concurrency * 2
	}
	p := &Pipeline{
		processor:     proc,
		log:           logger,
		jobs:          make(chan Job, queueSize),
		store:         store,
		subs:          make(map[int]chan Result),
		progressSubs:  make(map[int]chan Progress),
		running:       make(map[string]context.CancelFunc),
		queued:        make(map[string]struct{}),
		pendingCancel: make(map[string]struct{}),
	}
	return p
}

func (p *Pipeline) start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			Status:      storage.StatusQueued,
			ScenePath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued run", "id", job.ID, "error", err)
		}
	}

	err := p.enqueue(job)
	if err != nil && p.store != nil {
		_ = p.store.RecordRunResult(job.ID, storage.StatusFailed, nil, err.Error())
	}
	return err
}

func (p *Pipeline) enqueue(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		p.queued[job.ID] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel stops a queued or running job. It reports whether the job was known.
// A job leaves the queued set and enters the running set under p.mu, so a
// cancellation always reaches the worker that picks the job up.
func (p *Pipeline) Cancel(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[id]; ok {
		cancel()
		return true
	}
	if _, ok := p.queued[id]; ok {
		p.pendingCancel[id] = struct{}{}
		return true
	}
	return false
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		for id, ch := range p.progressSubs {
			close(ch)
			delete(p.progressSubs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	delete(p.queued, job.ID)
	if _, ok := p.pendingCancel[job.ID]; ok {
		delete(p.pendingCancel, job.ID)
		cancel()
	}
	p.running[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, job.ID)
		p.mu.Unlock()
	}()

	logging.LogRunStart(p.log, job.ID, job.InputPath, job.Output, job.Options)
	if p.store != nil {
		_ = p.store.RecordRunStart(job.ID)
	}

	var res Result
	if err := jobCtx.Err(); err != nil {
		res = Result{Job: job, Error: fmt.Errorf("%w: %v", sharpen.ErrCanceled, err)}
	} else {
		res = p.processor.Process(jobCtx, job)
	}
	duration := time.Since(start)

	status := storage.StatusCompleted
	if res.Error != nil {
		status = storage.StatusFailed
		if errors.Is(res.Error, sharpen.ErrCanceled) {
			status = storage.StatusCanceled
		}
		logging.LogRunError(p.log, job.ID, duration, res.Error, map[string]any{
			"type":    string(job.Type),
			"input":   job.InputPath,
			"output":  job.Output,
			"options": job.Options,
		})
	} else {
		logging.LogRunComplete(p.log, job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordRunResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("failed to record run result", "id", job.ID, "error", err)
		}
	}

	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// SubscribeProgress returns a channel of window progress events.
func (p *Pipeline) SubscribeProgress() (<-chan Progress, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Progress, 64)
	p.progressSubs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.progressSubs[id]; ok {
			close(c)
			delete(p.progressSubs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

// publishProgress never blocks: slow subscribers lose window events, not results.
func (p *Pipeline) publishProgress(ev Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.progressSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}
