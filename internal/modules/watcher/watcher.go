// Package watcher hot-reloads modules when their directories change.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/mantonx/imgvault/internal/modules/registry"
)

// rescanKey debounces changes to the set of module directories.
const rescanKey = ""

// Target is the registry surface the watcher drives.
type Target interface {
	EnsureInitialized(ctx context.Context) error
	Invalidate()
	NameForDir(dir string) (string, bool)
	Reload(ctx context.Context, name string) (registry.LoadedModule, error)
	// ManifestUnchanged reports whether the module's manifest on disk is
	// the one the registry itself last wrote.
	ManifestUnchanged(name string) bool
}

// Options configures a Watcher
type Options struct {
	Root     string
	Target   Target
	Logger   hclog.Logger
	Debounce time.Duration
	Excludes []string
}

// Watcher watches the modules root and each module directory
type Watcher struct {
	root     string
	target   Target
	logger   hclog.Logger
	debounce time.Duration
	excludes []string

	fsw    *fsnotify.Watcher
	mu     sync.Mutex
	timers map[string]*time.Timer
	// manifestOnly is true per pending dir while every change in the
	// debounce window touched only the manifest or its temp files.
	manifestOnly map[string]bool
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
}

// New validates the exclude patterns and creates a watcher.
func New(opts Options) (*Watcher, error) {
	for _, pattern := range opts.Excludes {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		root:     opts.Root,
		target:   opts.Target,
		logger:   logger.Named("module-watcher"),
		debounce: debounce,
		excludes: opts.Excludes,
		timers:   make(map[string]*time.Timer),

		manifestOnly: make(map[string]bool),
	}, nil
}

// Start begins watching. It returns once the initial watches are in place.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(w.root); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}

	entries, err := os.ReadDir(w.root)
	if err != nil {
		fsw.Close()
		return fmt.Errorf("failed to read %s: %w", w.root, err)
	}
	for _, entry := range entries {
		if entry.IsDir() && !w.Excluded(entry.Name()) {
			if err := fsw.Add(filepath.Join(w.root, entry.Name())); err != nil {
				w.logger.Warn("failed to watch module directory", "dir", entry.Name(), "error", err)
			}
		}
	}

	w.fsw = fsw
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.watch()

	w.logger.Info("watching modules", "root", w.root, "debounce", w.debounce)
	return nil
}

// Stop stops watching and cancels pending reloads.
func (w *Watcher) Stop() error {
	if w.fsw == nil {
		return nil
	}
	w.cancel()
	err := w.fsw.Close()
	<-w.done

	w.mu.Lock()
	for key, t := range w.timers {
		t.Stop()
		delete(w.timers, key)
	}
	for key := range w.manifestOnly {
		delete(w.manifestOnly, key)
	}
	w.mu.Unlock()
	return err
}

// Excluded reports whether a path relative to the root matches an exclude
// pattern.
func (w *Watcher) Excluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range w.excludes {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) watch() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	if w.Excluded(rel) {
		return
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 1 {
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.fsw.Add(event.Name); err != nil {
					w.logger.Warn("failed to watch module directory", "dir", rel, "error", err)
				}
			}
		}
		w.schedule(rescanKey, w.rescan)
		return
	}

	dir := parts[0]
	w.logger.Debug("module file changed", "dir", dir, "file", rel, "op", event.Op.String())

	w.mu.Lock()
	only, pending := w.manifestOnly[dir]
	w.manifestOnly[dir] = (only || !pending) && len(parts) == 2 && isManifestFile(parts[1])
	w.mu.Unlock()

	w.schedule(dir, func() {
		w.mu.Lock()
		only := w.manifestOnly[dir]
		delete(w.manifestOnly, dir)
		w.mu.Unlock()
		w.reload(dir, only)
	})
}

// isManifestFile matches the manifest and the temp files it is written
// through.
func isManifestFile(base string) bool {
	return base == manifest.FileName || strings.HasPrefix(base, "."+manifest.FileName+".")
}

func (w *Watcher) schedule(key string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[key]; ok {
		t.Stop()
	}
	w.timers[key] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, key)
		w.mu.Unlock()

		if w.ctx.Err() != nil {
			return
		}
		fn()
	})
}

func (w *Watcher) rescan() {
	w.target.Invalidate()
	if err := w.target.EnsureInitialized(w.ctx); err != nil {
		w.logger.Error("failed to rediscover modules", "error", err)
	}
}

func (w *Watcher) reload(dir string, manifestOnly bool) {
	name, ok := w.target.NameForDir(dir)
	if !ok {
		w.rescan()
		return
	}
	if manifestOnly && w.target.ManifestUnchanged(name) {
		w.logger.Debug("skipping reload after registry manifest write", "module", name)
		return
	}

	lm, err := w.target.Reload(w.ctx, name)
	if err != nil {
		w.logger.Error("failed to reload module", "module", name, "error", err)
		return
	}
	w.logger.Info("module reloaded", "module", name, "status", lm.Status)
}
