// Package watcher feeds filesystem changes under the watched root into the
// ingestion pipeline. Events are debounced until a file has been stable for
// the threshold, then queued into a bounded channel drained by a small
// worker pool. Overflow drops the oldest queued path; a later scan
// re-converges because the stored content hash will still disagree.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/RSBalchII/Anchor/store"
)

const (
	// defaultStability is how long a file must sit unchanged before it is
	// considered write-finished.
	defaultStability = 2 * time.Second

	// queueCapacity bounds the watcher-to-ingestor queue.
	queueCapacity = 1024

	// defaultWorkers is the size of the ingestion pool.
	defaultWorkers = 4

	// tickInterval is how often pending events are checked for stability.
	tickInterval = 500 * time.Millisecond
)

// IngestFunc ingests a single file. Errors are logged and swallowed; they
// never terminate the watcher.
type IngestFunc func(ctx context.Context, path string) error

// Stats tracks watcher activity for diagnostics.
type Stats struct {
	EventsSeen    int
	FilesQueued   int
	FilesIngested int
	Dropped       int
	Errors        int
}

// Watcher debounces filesystem events and drives the ingestion pool.
type Watcher struct {
	mu        sync.Mutex
	fsw       *fsnotify.Watcher
	root      string
	ingest    IngestFunc
	stability time.Duration
	workers   int

	pending map[string]time.Time
	queue   chan string
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	stats   Stats
}

// New creates a Watcher over root. The watcher is inert until Start.
func New(root string, ingest IngestFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:       fsw,
		root:      root,
		ingest:    ingest,
		stability: defaultStability,
		workers:   defaultWorkers,
		pending:   make(map[string]time.Time),
		queue:     make(chan string, queueCapacity),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// SetStability overrides the write-finish threshold (tests use a short one).
func (w *Watcher) SetStability(d time.Duration) {
	w.stability = d
}

// Start walks the root for the initial backfill, registers all directories,
// and launches the event loop and worker pool. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.root, 0755); err != nil {
		return err
	}

	// Initial backfill: queue every eligible file already present. The
	// ingestor's hash dedup makes this idempotent across restarts.
	backfilled := 0
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("watcher: backfill walk error", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if excludedName(d.Name()) && path != w.root {
				return filepath.SkipDir
			}
			return w.fsw.Add(path)
		}
		if w.eligible(path) {
			w.enqueue(path)
			backfilled++
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("watcher: started", "root", w.root, "backfilled", backfilled)

	go w.eventLoop(ctx)
	go w.runWorkers(ctx)
	return nil
}

// Stop terminates the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.fsw.Close()
	<-w.doneCh
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// eventLoop collects raw events into the pending map and flushes entries
// that have been stable past the threshold.
func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher: fsnotify error", "error", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case now := <-ticker.C:
			w.flushStable(now)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	w.mu.Lock()
	w.stats.EventsSeen++
	w.mu.Unlock()

	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		if !excludedName(filepath.Base(ev.Name)) {
			if err := w.fsw.Add(ev.Name); err != nil {
				slog.Warn("watcher: adding directory", "path", ev.Name, "error", err)
			}
		}
		return
	}

	if !w.eligible(ev.Name) {
		return
	}

	w.mu.Lock()
	w.pending[ev.Name] = time.Now()
	w.mu.Unlock()
}

// flushStable promotes pending paths whose last event is older than the
// stability threshold.
func (w *Watcher) flushStable(now time.Time) {
	w.mu.Lock()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.stability {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.enqueue(path)
	}
}

// enqueue pushes a path, dropping the oldest queued entry on overflow.
func (w *Watcher) enqueue(path string) {
	for {
		select {
		case w.queue <- path:
			w.mu.Lock()
			w.stats.FilesQueued++
			w.mu.Unlock()
			return
		default:
		}
		select {
		case dropped := <-w.queue:
			slog.Warn("watcher: queue full, dropping oldest event", "path", dropped)
			w.mu.Lock()
			w.stats.Dropped++
			w.mu.Unlock()
		default:
		}
	}
}

// runWorkers drains the queue with a fixed pool. Per-file errors are logged
// and never stop the pool.
func (w *Watcher) runWorkers(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-w.stopCh:
					return nil
				case path := <-w.queue:
					if err := w.ingest(ctx, path); err != nil {
						slog.Warn("watcher: ingest failed", "path", path, "error", err)
						w.mu.Lock()
						w.stats.Errors++
						w.mu.Unlock()
						continue
					}
					w.mu.Lock()
					w.stats.FilesIngested++
					w.mu.Unlock()
				}
			}
		})
	}
	g.Wait()
}

// eligible filters out dotfiles and snapshot backups anywhere in the
// relative path.
func (w *Watcher) eligible(path string) bool {
	if store.IsSnapshotFile(path) {
		return false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if excludedName(part) {
			return false
		}
	}
	return true
}

func excludedName(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
