package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"thermalsharp/internal/fsutil"
	"thermalsharp/internal/pipeline"
)

// DefaultSettle is how long a manifest must stay unchanged before submission.
const DefaultSettle = 500 * time.Millisecond

// Submitter accepts sharpen jobs.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Watcher submits a sharpen job for every scene manifest dropped into a
// directory.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	submit  Submitter
	log     *slog.Logger

	// Settle debounces editors and copies that write a manifest in pieces.
	Settle time.Duration
	// Options are attached to every submitted job.
	Options map[string]any
	// ScanExisting submits manifests already present when Run starts.
	ScanExisting bool

	pending   map[string]time.Time
	submitted map[string]time.Time
}

// New starts watching dir. Events are processed once Run is called.
func New(dir string, submit Submitter, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %s: not a directory", dir)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		watcher:   fsw,
		dir:       dir,
		submit:    submit,
		log:       log,
		Settle:    DefaultSettle,
		pending:   make(map[string]time.Time),
		submitted: make(map[string]time.Time),
	}, nil
}

// Run processes filesystem events until ctx is canceled, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.log.Info("watching for scene manifests", "dir", w.dir)

	if w.ScanExisting {
		existing, err := fsutil.ListScenes(w.dir)
		if err != nil {
			return err
		}
		for _, path := range existing {
			w.pending[path] = time.Time{}
		}
	}

	tick := time.NewTicker(max(w.Settle/2, 10*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsSceneManifest(event.Name) {
				continue
			}
			w.pending[event.Name] = time.Now()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "dir", w.dir, "error", err)

		case now := <-tick.C:
			w.flush(now)
		}
	}
}

func (w *Watcher) flush(now time.Time) {
	for path, seen := range w.pending {
		if now.Sub(seen) < w.Settle {
			continue
		}
		delete(w.pending, path)

		info, err := os.Stat(path)
		if err != nil {
			// removed or renamed before it settled
			continue
		}
		if prev, ok := w.submitted[path]; ok && prev.Equal(info.ModTime()) {
			continue
		}

		job := pipeline.Job{
			ID:        uuid.NewString(),
			Type:      pipeline.JobSharpen,
			InputPath: filepath.Clean(path),
			Options:   w.Options,
		}
		if err := w.submit.Submit(job); err != nil {
			w.log.Error("failed to submit scene", "path", path, "error", err)
			continue
		}
		w.submitted[path] = info.ModTime()
		w.log.Info("scene submitted", "id", job.ID, "scene", fsutil.SceneName(path))
	}
}
