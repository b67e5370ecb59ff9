// Package watch turns filesystem activity under a kiln directory into
// FileChanged and FileDeleted session events.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"kiln/internal/events"
	"kiln/internal/logging"
)

// DefaultDebounce is how long a path must stay quiet before its change is
// reported.
const DefaultDebounce = 100 * time.Millisecond

// Sink receives settled file events. It is called from the watcher's loop and
// should not block for long.
type Sink func(ctx context.Context, ev events.SessionEvent)

// Options configures a Watcher.
type Options struct {
	Debounce  time.Duration
	Include   []string // base-name globs for files; empty includes everything
	Exclude   []string // base-name globs for files and directories
	Recursive bool
}

// Stats tracks watcher activity.
type Stats struct {
	FilesCreated  int
	FilesModified int
	FilesDeleted  int
	Emitted       int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
}

// pending is a change waiting for its debounce window to pass.
type pending struct {
	kind    string // created, modified or deleted
	touched time.Time
}

const (
	kindCreated  = string(events.FileCreated)
	kindModified = string(events.FileModified)
	kindDeleted  = "deleted"
)

// Watcher watches a directory tree.
type Watcher struct {
	mu      sync.RWMutex
	watcher *fsnotify.Watcher
	root    string
	opts    Options
	sink    Sink
	pending map[string]pending
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	stats   Stats
}

// New creates a watcher over root. Nothing is watched until Start.
func New(root string, opts Options, sink Sink) (*Watcher, error) {
	if sink == nil {
		return nil, fmt.Errorf("watch: sink is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch: %s is not a directory", abs)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	return &Watcher{
		watcher: fw,
		root:    abs,
		opts:    opts,
		sink:    sink,
		pending: make(map[string]pending),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Root is the absolute directory being watched.
func (w *Watcher) Root() string { return w.root }

// Start adds the directory tree to the watcher and begins the event loop in a
// goroutine. A second Start is a no-op. If the tree cannot be added the
// watcher is released and cannot be started again.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addTree(w.root); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		_ = w.watcher.Close()
		return err
	}
	logging.Watch("watching %s (%d directories)", w.root, len(w.watcher.WatchList()))

	go w.run(ctx)
	return nil
}

// Stop ends the event loop, waits for it to exit and releases the watcher.
// Pending changes are flushed first, whether the loop ends here or because
// the context given to Start was cancelled. It also releases a watcher that
// was never started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryWatch).Error("error closing watcher: %v", err)
	}
	logging.Watch("stopped watching %s", w.root)
}

// Stats returns a snapshot of watcher activity.
func (w *Watcher) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// Dirs returns the directories currently watched.
func (w *Watcher) Dirs() []string {
	return w.watcher.WatchList()
}

func (w *Watcher) addTree(dir string) error {
	if !w.opts.Recursive {
		return w.watcher.Add(dir)
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.excluded(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.opts.Debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.WatchDebug("context cancelled, flushing pending changes")
			// The sink still has to see the last changes.
			w.flush(context.WithoutCancel(ctx), true)
			return

		case <-w.stopCh:
			w.flush(ctx, true)
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
			logging.Get(logging.CategoryWatch).Error("watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.flush(ctx, false)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if w.excluded(name) {
		return
	}

	if event.Op&fsnotify.Create != 0 && w.opts.Recursive {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				logging.WatchWarn("failed to watch new directory %s: %v", event.Name, err)
			}
			return
		}
	}

	var kind string
	switch {
	case event.Op&fsnotify.Create != 0:
		kind = kindCreated
	case event.Op&fsnotify.Write != 0:
		kind = kindModified
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		kind = kindDeleted
	default:
		return
	}
	if !w.included(name) {
		return
	}

	logging.WatchDebug("%s %s", kind, event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	switch kind {
	case kindCreated:
		w.stats.FilesCreated++
	case kindModified:
		w.stats.FilesModified++
	case kindDeleted:
		w.stats.FilesDeleted++
	}

	w.pending[event.Name] = pending{kind: merge(w.pending[event.Name].kind, kind), touched: time.Now()}
}

// merge folds a new change into one already waiting for the same path.
func merge(prev, next string) string {
	switch {
	case prev == "":
		return next
	case next == kindDeleted:
		return kindDeleted
	case prev == kindCreated:
		return kindCreated
	default:
		// A write after a delete, or a create after a delete, replaced the file.
		return kindModified
	}
}

// flush hands settled changes to the sink, or all of them when force is set.
func (w *Watcher) flush(ctx context.Context, force bool) {
	w.mu.Lock()
	now := time.Now()
	type settled struct {
		path string
		kind string
	}
	var ready []settled
	for path, p := range w.pending {
		if force || now.Sub(p.touched) >= w.opts.Debounce {
			ready = append(ready, settled{path, p.kind})
			delete(w.pending, path)
		}
	}
	w.stats.Emitted += len(ready)
	w.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool { return ready[i].path < ready[j].path })

	for _, s := range ready {
		w.sink(ctx, w.toEvent(s.path, s.kind))
	}
}

func (w *Watcher) toEvent(path, kind string) events.SessionEvent {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	if kind == kindDeleted {
		return events.FileDeleted{Path: rel}
	}
	return events.FileChanged{Path: rel, Kind: events.FileChangeKind(kind)}
}

func (w *Watcher) excluded(name string) bool {
	for _, pattern := range w.opts.Exclude {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) included(name string) bool {
	if len(w.opts.Include) == 0 {
		return true
	}
	for _, pattern := range w.opts.Include {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
