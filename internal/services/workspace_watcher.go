package services

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vanpelt/catterm/internal/logger"
	"github.com/vanpelt/catterm/internal/recovery"
)

// WorkspaceWatcher watches the working directory of every room and reports
// batches of changed paths. It implements RoomHooks so watches follow room
// lifecycle.
type WorkspaceWatcher struct {
	notify   func(roomKey string, paths []string)
	debounce time.Duration

	mu       sync.Mutex
	watchers map[string]*fsnotify.Watcher
}

// NewWorkspaceWatcher creates a watcher that calls notify with the paths,
// relative to the room's directory, changed during each debounce window
func NewWorkspaceWatcher(debounce time.Duration, notify func(roomKey string, paths []string)) *WorkspaceWatcher {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &WorkspaceWatcher{
		notify:   notify,
		debounce: debounce,
		watchers: make(map[string]*fsnotify.Watcher),
	}
}

func (w *WorkspaceWatcher) RoomCreated(roomKey, workDir string) {
	if workDir == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("⚠️ Failed to create watcher for %s: %v", workDir, err)
		return
	}
	if err := watcher.Add(workDir); err != nil {
		logger.Warnf("⚠️ Failed to watch %s: %v", workDir, err)
		watcher.Close()
		return
	}

	w.mu.Lock()
	if old, ok := w.watchers[roomKey]; ok {
		old.Close()
	}
	w.watchers[roomKey] = watcher
	w.mu.Unlock()

	recovery.SafeGo("workspace-watch:"+roomKey, func() {
		w.watch(roomKey, workDir, watcher)
	})
	logger.Debugf("👀 Watching %s for room %s", workDir, roomKey)
}

func (w *WorkspaceWatcher) RoomEmptied(roomKey string) {
	w.mu.Lock()
	watcher, ok := w.watchers[roomKey]
	delete(w.watchers, roomKey)
	w.mu.Unlock()

	if ok {
		watcher.Close()
		logger.Debugf("👀 Stopped watching for room %s", roomKey)
	}
}

// Watching reports whether roomKey has an active watch
func (w *WorkspaceWatcher) Watching(roomKey string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watchers[roomKey]
	return ok
}

// Close stops every watch
func (w *WorkspaceWatcher) Close() {
	w.mu.Lock()
	watchers := w.watchers
	w.watchers = make(map[string]*fsnotify.Watcher)
	w.mu.Unlock()

	for _, watcher := range watchers {
		watcher.Close()
	}
}

func (w *WorkspaceWatcher) watch(roomKey, workDir string, watcher *fsnotify.Watcher) {
	pending := make(map[string]struct{})
	flush := time.NewTimer(w.debounce)
	if !flush.Stop() {
		<-flush.C
	}
	defer flush.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isRelevantChange(event) {
				continue
			}
			rel, err := filepath.Rel(workDir, event.Name)
			if err != nil {
				rel = event.Name
			}
			if len(pending) == 0 {
				flush.Reset(w.debounce)
			}
			pending[rel] = struct{}{}

		case <-flush.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			pending = make(map[string]struct{})
			if w.notify != nil && len(paths) > 0 {
				w.notify(roomKey, paths)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("⚠️ Watcher error for %s: %v", workDir, err)
		}
	}
}

// isRelevantChange skips editor temporaries and hidden files
func isRelevantChange(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}
