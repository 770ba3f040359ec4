// Package dirty tracks the set of vault-relative paths modified locally
// since the last successful push. It receives events from the host's
// filesystem watcher, debounces editor save bursts, and hands the
// orchestrator a stable snapshot to reconcile against.
package dirty

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rybkr/vaultsync/internal/pathfilter"
)

// debounceWindow coalesces bursts of filesystem events (e.g. an editor's
// write-then-rename save sequence) into a single dirty-path notification.
const debounceWindow = 150 * time.Millisecond

// Tracker is the set of paths modified locally since the last successful
// push. Safe for concurrent use; the host's watcher goroutine and the
// orchestrator's cycle both touch it.
type Tracker struct {
	mu     sync.Mutex
	paths  map[string]struct{}
	onMark func(path string)
}

// New returns an empty Tracker. onMark, if non-nil, is invoked (outside the
// lock) every time a previously-clean path becomes dirty.
func New(onMark func(path string)) *Tracker {
	return &Tracker{paths: make(map[string]struct{}), onMark: onMark}
}

// Mark records path as dirty.
func (t *Tracker) Mark(path string) {
	path = filepath.ToSlash(path)
	t.mu.Lock()
	_, already := t.paths[path]
	if !already {
		t.paths[path] = struct{}{}
	}
	t.mu.Unlock()
	if !already && t.onMark != nil {
		t.onMark(path)
	}
}

// Clear removes path from the dirty set, e.g. after a successful push or a
// clean merge.
func (t *Tracker) Clear(path string) {
	path = filepath.ToSlash(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paths, path)
}

// IsDirty reports whether path has pending local changes.
func (t *Tracker) IsDirty(path string) bool {
	path = filepath.ToSlash(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.paths[path]
	return ok
}

// Snapshot returns a copy of the current dirty set.
func (t *Tracker) Snapshot() map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]struct{}, len(t.paths))
	for p := range t.paths {
		out[p] = struct{}{}
	}
	return out
}

// Len reports the number of dirty paths.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.paths)
}

// Watcher drives a Tracker from host filesystem events via fsnotify,
// recursively watching the vault root and debouncing editor save
// bursts.
type Watcher struct {
	root    string
	tracker *Tracker
	filter  *pathfilter.Filter
	logger  *slog.Logger

	fw   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher builds a Watcher rooted at root. filter decides which paths
// are allowed to mark the tracker dirty at all — ignored paths never
// reach the reconciler regardless of host notification.
func NewWatcher(root string, tracker *Tracker, filter *pathfilter.Filter, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{root: root, tracker: tracker, filter: filter, logger: logger, done: make(chan struct{})}
}

// Start begins watching the vault tree. It recursively adds every
// subdirectory under root, because fsnotify does not recurse on its
// own.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fw = fw
	walkAndWatch(fw, w.root, w.logger)

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop shuts the watcher down and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	if w.fw == nil {
		return
	}
	close(w.done)
	_ = w.fw.Close()
	w.wg.Wait()
}

func walkAndWatch(fw *fsnotify.Watcher, dir string, logger *slog.Logger) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	err = filepath.Walk(dir, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // skip unreadable entries
		}
		if fi.IsDir() {
			if addErr := fw.Add(path); addErr != nil {
				logger.Warn("dirty: failed to watch directory", "dir", path, "err", addErr)
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("dirty: failed to walk vault tree", "dir", dir, "err", err)
	}
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if w.shouldIgnoreEvent(ev) {
				continue
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if w.filter != nil && w.filter.ShouldIgnore(rel) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					walkAndWatch(w.fw, ev.Name, w.logger)
				}
			}
			if t, exists := pending[rel]; exists {
				t.Stop()
			}
			path := rel
			pending[rel] = time.AfterFunc(debounceWindow, func() {
				w.tracker.Mark(path)
			})
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("dirty: watcher error", "err", err)
		}
	}
}

func (w *Watcher) shouldIgnoreEvent(ev fsnotify.Event) bool {
	base := filepath.Base(ev.Name)
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return true
	}
	if strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".swp") {
		return true
	}
	return false
}
