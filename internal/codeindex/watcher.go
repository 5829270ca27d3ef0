package codeindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// shutdownFlushTimeout bounds the final flush once Run's context is done.
const shutdownFlushTimeout = 30 * time.Second

// Watcher re-indexes files under a project root as they change. Events are
// collected and flushed in one IndexFiles call once no event arrived for the
// debounce interval.
type Watcher struct {
	ix       *Indexer
	root     string
	debounce time.Duration
	log      *slog.Logger
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	flushes sync.WaitGroup
}

// NewWatcher watches root and every non-ignored directory below it.
func NewWatcher(ix *Indexer, root string, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("codeindex: watch root: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("codeindex: create watcher: %w", err)
	}
	w := &Watcher{
		ix:       ix,
		root:     abs,
		debounce: debounce,
		log:      log,
		fsw:      fsw,
		pending:  make(map[string]struct{}),
	}
	if err := w.addTree(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree adds dir and its subdirectories, skipping ignored ones.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && IsIgnoredDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("codeindex: watch %s: %w", path, err)
		}
		return nil
	})
}

// Run processes events until ctx is done or the watcher is closed. Pending
// changes are flushed before it returns.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("codeindex: watching for changes", "root", w.root)
	defer w.stop(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("codeindex: watcher error", "error", err)
		}
	}
}

// Close stops watching. Run returns once its event channel closes.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if IsIgnoredDir(filepath.Base(event.Name)) {
				return
			}
			if err := w.addTree(event.Name); err != nil {
				w.log.Warn("codeindex: watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}
	if Language(event.Name) == "" || !within(w.root, event.Name) {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[filepath.ToSlash(rel)] = struct{}{}
	if w.timer != nil && w.timer.Stop() {
		w.flushes.Done()
	}
	w.flushes.Add(1)
	w.timer = time.AfterFunc(w.debounce, func() {
		defer w.flushes.Done()
		w.flush(ctx)
	})
}

// Pending returns the number of changed files waiting for the debounce.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// flush re-indexes everything collected since the last flush. Once ctx is
// done the collected files are still indexed, under a detached context
// bounded by shutdownFlushTimeout.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	rels := make([]string, 0, len(w.pending))
	for rel := range w.pending {
		rels = append(rels, rel)
	}
	w.pending = make(map[string]struct{})
	w.timer = nil
	w.mu.Unlock()

	if len(rels) == 0 {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
		defer cancel()
	}
	sort.Strings(rels)
	st, err := w.ix.IndexFiles(ctx, w.root, rels)
	if err != nil {
		w.log.Error("codeindex: re-index after change failed", "files", len(rels), "error", err)
		return
	}
	w.log.Info("codeindex: re-indexed changed files",
		"files", st.Files, "superseded", st.Superseded, "duplicates", st.Duplicates)
}

// stop cancels the debounce timer, flushes what it was waiting for and
// waits for an in-flight flush.
func (w *Watcher) stop(ctx context.Context) {
	w.mu.Lock()
	stopped := w.timer != nil && w.timer.Stop()
	w.mu.Unlock()
	if stopped {
		w.flush(ctx)
		w.flushes.Done()
	}
	w.flushes.Wait()
	_ = w.fsw.Close()
}
