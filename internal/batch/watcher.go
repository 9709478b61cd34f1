package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
)

// Watcher keeps a manifest under watch. It runs every job once at start, then
// runs jobs that appear when the manifest changes. Jobs that failed are tried
// again on the next change.
type Watcher struct {
	mu           sync.RWMutex
	watcher      *fsnotify.Watcher
	runner       *Runner
	manifestPath string
	debounceDur  time.Duration
	pending      time.Time // last unprocessed change; zero when none
	done         map[string]bool
	onBatch      func(*Summary)
	cancel       context.CancelFunc
	stopCh       chan struct{}
	doneCh       chan struct{}
	running      bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Events        int
	Batches       int
	JobsRun       int
	JobsFailed    int
	Errors        int
	LastEventTime time.Time
	LastError     string
}

// NewWatcher watches manifestPath and hands new jobs to runner.
func NewWatcher(manifestPath string, runner *Runner, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = runner.cfg.GetWatchDebounce()
	}
	return &Watcher{
		watcher:      fw,
		runner:       runner,
		manifestPath: abs,
		debounceDur:  debounce,
		done:         make(map[string]bool),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// OnBatch registers fn to be called after every batch.
func (w *Watcher) OnBatch(fn func(*Summary)) {
	w.mu.Lock()
	w.onBatch = fn
	w.mu.Unlock()
}

// Start begins watching. It is non-blocking; the initial batch runs in the
// background.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	// the directory is watched so editors that replace the file are seen
	if err := w.watcher.Add(filepath.Dir(w.manifestPath)); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.manifestPath), err)
	}
	w.running = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	logging.Batch("Watching manifest %s (debounce %s)", w.manifestPath, w.debounceDur)
	go w.run(runCtx)
	return nil
}

// Stop cancels any running batch, stops the watcher and waits for cleanup.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryBatch).Error("Watcher: error closing watcher: %v", err)
	}
	logging.Batch("Watcher stopped")
}

// Done is closed when the event loop exits.
func (w *Watcher) Done() <-chan struct{} { return w.doneCh }

// Stats returns a snapshot of watcher activity.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	w.process(ctx)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBatch).Error("Watcher error: %v", err)
			w.recordError(err)
		case <-ticker.C:
			w.mu.RLock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounceDur
			w.mu.RUnlock()
			if due {
				w.mu.Lock()
				w.pending = time.Time{}
				w.mu.Unlock()
				w.process(ctx)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.manifestPath {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	logging.BatchDebug("Watcher: %s %s", event.Op, event.Name)

	w.mu.Lock()
	w.stats.Events++
	w.stats.LastEventTime = time.Now()
	w.pending = w.stats.LastEventTime
	w.mu.Unlock()
}

// process loads the manifest and runs the jobs not yet completed.
func (w *Watcher) process(ctx context.Context) {
	m, err := LoadManifest(w.manifestPath)
	if err != nil {
		logging.BatchWarn("Watcher: %v", err)
		w.recordError(err)
		return
	}
	jobs, err := m.Jobs()
	if err != nil {
		logging.BatchWarn("Watcher: invalid manifest: %v", err)
		w.recordError(err)
		return
	}

	var fresh []Job
	w.mu.RLock()
	for _, j := range jobs {
		if !w.done[j.Key()] {
			fresh = append(fresh, j)
		}
	}
	w.mu.RUnlock()
	if len(fresh) == 0 {
		logging.BatchDebug("Watcher: no new tiles in manifest")
		return
	}

	logging.Batch("Watcher: running %d new tile(s)", len(fresh))
	summary := w.runner.Run(ctx, fresh)

	w.mu.Lock()
	for _, o := range summary.Outcomes {
		if o.Err == nil {
			w.done[o.Job.Key()] = true
		}
	}
	w.stats.Batches++
	w.stats.JobsRun += len(summary.Outcomes)
	w.stats.JobsFailed += summary.Failed
	fn := w.onBatch
	w.mu.Unlock()

	if fn != nil {
		fn(summary)
	}
}

func (w *Watcher) recordError(err error) {
	w.mu.Lock()
	w.stats.Errors++
	w.stats.LastError = err.Error()
	w.mu.Unlock()
}
