package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/patchbay-dev/patchbay/pkg/log"
)

// DefaultDebounce coalesces editor write bursts into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches the templates directory and reports changed template
// names after a debounce window. Removed files are flagged on the Change.
type Watcher struct {
	store    *Store
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher over the store's templates directory.
func NewWatcher(store *Store, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		store:    store,
		debounce: debounce,
		pending:  make(map[string]*time.Timer),
	}
}

// Change is one debounced template file change.
type Change struct {
	Name    string
	Removed bool
}

// Watch blocks until ctx is cancelled, invoking onChange once per debounced
// template change.
func (w *Watcher) Watch(ctx context.Context, onChange func(Change)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %v", err)
	}
	defer fsw.Close()
	defer w.cancelPending()

	if err := fsw.Add(w.store.TemplatesDir()); err != nil {
		return fmt.Errorf("failed to watch %s: %v", w.store.TemplatesDir(), err)
	}

	logger := log.WithComponent("config-watcher")
	logger.Info().Str("dir", w.store.TemplatesDir()).Msg("watching templates directory")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event, onChange)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("filesystem watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event, onChange func(Change)) {
	name := templateNameFromPath(event.Name)
	if name == "" {
		return
	}

	var change Change
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		change = Change{Name: name}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		change = Change{Name: name, Removed: true}
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[name]; ok {
		timer.Stop()
	}
	w.pending[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, name)
		w.mu.Unlock()
		onChange(change)
	})
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[string]*time.Timer)
}

// templateNameFromPath extracts the template name from a templates-dir file
// path, or returns "" for files that are not template JSON (temp files from
// atomic writes included).
func templateNameFromPath(path string) string {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".json") {
		return ""
	}
	return strings.TrimSuffix(base, ".json")
}
