// Package registry owns the in-memory record of every module on disk and
// serializes all lifecycle transitions behind one lock. Disk is always
// written before memory is mutated.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/mantonx/imgvault/internal/errors"
	"github.com/mantonx/imgvault/internal/events"
	"github.com/mantonx/imgvault/internal/modules/capability"
	"github.com/mantonx/imgvault/internal/modules/loader"
	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/mantonx/imgvault/internal/modules/storage"
	"github.com/mantonx/imgvault/internal/utils"
	"github.com/mantonx/imgvault/sdk"
)

// Status of a module record
type Status string

const (
	StatusLoaded   Status = "loaded"
	StatusDisabled Status = "disabled"
	StatusError    Status = "error"
)

// LoadedModule is a read-only snapshot of a module record.
type LoadedModule struct {
	Name         string             `json:"name"`
	Manifest     *manifest.Manifest `json:"manifest"`
	Path         string             `json:"path"`
	Status       Status             `json:"status"`
	Capabilities []string           `json:"capabilities"`
	Error        string             `json:"error,omitempty"`
	LoadedAt     *time.Time         `json:"loaded_at,omitempty"`
}

// Handle gives the pipeline access to a loaded implementation.
type Handle struct {
	Name         string
	Manifest     *manifest.Manifest
	Capabilities []string
	Impl         loader.Implementation
}

// Options configures a Registry
type Options struct {
	Storage   *storage.Storage
	Validator *manifest.Validator
	Loaders   *loader.Set
	Events    events.Bus
	Logger    hclog.Logger

	// HookTimeout bounds every lifecycle hook call.
	HookTimeout time.Duration
	// LoadTimeout bounds loading one module, including script top-level
	// code and factories. A module that overruns it is marked error.
	LoadTimeout time.Duration
	// DependencyCommand is run in the module directory by InstallDependencies.
	DependencyCommand []string
}

// InstallOptions controls Install
type InstallOptions struct {
	InstallDependencies bool
}

type record struct {
	dir          string
	manifest     *manifest.Manifest
	status       Status
	capabilities []string
	err          string
	loadedAt     *time.Time
	impl         loader.Implementation
}

// Registry is the module registry
type Registry struct {
	storage     *storage.Storage
	validator   *manifest.Validator
	loaders     *loader.Set
	bus         events.Bus
	logger      hclog.Logger
	hookTimeout time.Duration
	loadTimeout time.Duration
	depCommand  []string

	mu      sync.RWMutex
	order   []*record
	byName  map[string]*record
	initted atomic.Bool
	group   singleflight.Group

	// written holds the content hash of the last manifest the registry
	// wrote per directory, so hot reload can skip its own writes.
	written map[string]string
}

// New creates a registry. Nothing is read from disk until EnsureInitialized.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	hookTimeout := opts.HookTimeout
	if hookTimeout <= 0 {
		hookTimeout = 10 * time.Second
	}
	loadTimeout := opts.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = 30 * time.Second
	}
	return &Registry{
		storage:     opts.Storage,
		validator:   opts.Validator,
		loaders:     opts.Loaders,
		bus:         opts.Events,
		logger:      logger.Named("module-registry"),
		hookTimeout: hookTimeout,
		loadTimeout: loadTimeout,
		written:     make(map[string]string),
		depCommand:  append([]string{}, opts.DependencyCommand...),
		byName:      make(map[string]*record),
	}
}

// EnsureInitialized runs discovery once. Concurrent first callers share a
// single pass.
func (r *Registry) EnsureInitialized(ctx context.Context) error {
	if r.initted.Load() {
		return nil
	}
	_, err, _ := r.group.Do("discover", func() (interface{}, error) {
		if r.initted.Load() {
			return nil, nil
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if err := r.discoverLocked(ctx); err != nil {
			return nil, err
		}
		r.initted.Store(true)
		return nil, nil
	})
	return err
}

// Invalidate makes the next EnsureInitialized rediscover the modules root.
func (r *Registry) Invalidate() {
	r.initted.Store(false)
}

func (r *Registry) discoverLocked(ctx context.Context) error {
	dirs, err := r.storage.ListModuleDirectories()
	if err != nil {
		return fmt.Errorf("failed to list modules: %w", err)
	}

	present := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		present[dir] = true
	}

	existing := make(map[string]*record, len(r.order))
	names := make(map[string]bool, len(r.order))
	for _, rec := range r.order {
		if present[rec.dir] {
			existing[rec.dir] = rec
			names[rec.manifest.Name] = true
			continue
		}
		r.logger.Info("module directory vanished", "module", rec.manifest.Name, "dir", rec.dir)
		r.closeImpl(rec)
	}

	order := make([]*record, 0, len(dirs))
	byName := make(map[string]*record, len(dirs))
	var discovered []*record
	for _, dir := range dirs {
		if rec, ok := existing[dir]; ok {
			order = append(order, rec)
			byName[rec.manifest.Name] = rec
			continue
		}

		m, err := r.validator.ValidateFile(r.manifestPath(dir))
		if err != nil {
			r.logger.Warn("skipping module", "dir", dir, "error", err)
			continue
		}
		if names[m.Name] {
			r.logger.Warn("skipping duplicate module", "module", m.Name, "dir", dir)
			continue
		}
		names[m.Name] = true

		rec := &record{dir: dir, manifest: m}
		r.activate(ctx, rec)
		order = append(order, rec)
		byName[m.Name] = rec
		discovered = append(discovered, rec)
	}

	r.order = order
	r.byName = byName

	for _, rec := range discovered {
		r.publish(events.EventModuleDiscovered, rec, "module discovered", map[string]interface{}{
			"status":  string(rec.status),
			"version": rec.manifest.Version,
		})
	}
	r.logger.Info("module discovery complete", "modules", len(order), "new", len(discovered))
	return nil
}

// activate loads an enabled module or marks it disabled.
func (r *Registry) activate(ctx context.Context, rec *record) {
	rec.err = ""
	rec.capabilities = []string{}
	rec.loadedAt = nil

	if !rec.manifest.Enabled {
		rec.status = StatusDisabled
		return
	}

	impl, err := r.load(ctx, rec)
	if err != nil {
		rec.status = StatusError
		rec.err = err.Error()
		r.logger.Error("failed to load module", "module", rec.manifest.Name, "error", err)
		r.publish(events.EventModuleError, rec, err.Error(), nil)
		return
	}

	now := time.Now()
	rec.impl = impl
	rec.status = StatusLoaded
	rec.capabilities = capability.Detect(impl)
	rec.loadedAt = &now
	r.logger.Debug("module loaded", "module", rec.manifest.Name, "capabilities", rec.capabilities)

	r.runHook(ctx, rec, sdk.HookInit)
}

// reloadLocked re-reads the manifest from disk and re-acquires the
// implementation. Toggle, settings updates and file watches all land here.
func (r *Registry) reloadLocked(ctx context.Context, rec *record) error {
	prev := rec.status
	m, err := r.validator.ValidateFile(r.manifestPath(rec.dir))
	if err == nil && m.Name != rec.manifest.Name {
		err = fmt.Errorf("%w: manifest name changed from %q to %q", apperrors.ErrSchema, rec.manifest.Name, m.Name)
	}

	if rec.impl != nil && (err != nil || !m.Enabled) {
		r.runHook(ctx, rec, sdk.HookDisable)
	}
	r.closeImpl(rec)

	if err != nil {
		rec.status = StatusError
		rec.err = err.Error()
		rec.capabilities = []string{}
		rec.loadedAt = nil
		r.publish(events.EventModuleError, rec, err.Error(), nil)
		return err
	}

	rec.manifest = m
	r.activate(ctx, rec)

	if prev == StatusDisabled && rec.status == StatusLoaded {
		r.runHook(ctx, rec, sdk.HookEnable)
	}
	return nil
}

// Reload re-reads a module's manifest and reloads its implementation.
func (r *Registry) Reload(ctx context.Context, name string) (LoadedModule, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return LoadedModule{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byName[name]
	if !ok {
		return LoadedModule{}, notFound(name)
	}
	if err := r.reloadLocked(ctx, rec); err != nil {
		return rec.snapshot(r.storage), err
	}
	r.publish(events.EventModuleReloaded, rec, "module reloaded", map[string]interface{}{"status": string(rec.status)})
	return rec.snapshot(r.storage), nil
}

// Toggle flips the enabled flag on disk then reloads the module.
func (r *Registry) Toggle(ctx context.Context, name string) (LoadedModule, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return LoadedModule{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byName[name]
	if !ok {
		return LoadedModule{}, notFound(name)
	}

	m, err := r.validator.ValidateFile(r.manifestPath(rec.dir))
	if err != nil {
		return rec.snapshot(r.storage), err
	}
	m.Enabled = !m.Enabled
	if err := r.writeManifestLocked(rec.dir, m); err != nil {
		return rec.snapshot(r.storage), err
	}

	if err := r.reloadLocked(ctx, rec); err != nil {
		return rec.snapshot(r.storage), err
	}

	eventType := events.EventModuleDisabled
	if m.Enabled {
		eventType = events.EventModuleEnabled
	}
	r.publish(eventType, rec, "module toggled", map[string]interface{}{"status": string(rec.status)})
	r.logger.Info("module toggled", "module", name, "enabled", m.Enabled, "status", rec.status)
	return rec.snapshot(r.storage), nil
}

// UpdateSettings shallow-merges partial into the persisted settings and
// reloads the module.
func (r *Registry) UpdateSettings(ctx context.Context, name string, partial map[string]interface{}) (LoadedModule, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return LoadedModule{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byName[name]
	if !ok {
		return LoadedModule{}, notFound(name)
	}

	m, err := r.validator.ValidateFile(r.manifestPath(rec.dir))
	if err != nil {
		return rec.snapshot(r.storage), err
	}
	m.MergeSettings(partial)
	if err := r.writeManifestLocked(rec.dir, m); err != nil {
		return rec.snapshot(r.storage), err
	}

	if err := r.reloadLocked(ctx, rec); err != nil {
		return rec.snapshot(r.storage), err
	}

	keys := make([]string, 0, len(partial))
	for k := range partial {
		keys = append(keys, k)
	}
	r.publish(events.EventModuleSettingsUpdated, rec, "module settings updated", map[string]interface{}{"keys": keys})
	return rec.snapshot(r.storage), nil
}

// Delete runs the disable and uninstall hooks of a loaded module, removes
// its directory and drops the record.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.EnsureInitialized(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byName[name]
	if !ok {
		return notFound(name)
	}

	if rec.impl != nil {
		r.runHook(ctx, rec, sdk.HookDisable)
		r.runHook(ctx, rec, sdk.HookUninstall)
	}
	r.closeImpl(rec)

	if err := r.storage.RemoveDirectory(rec.dir); err != nil {
		rec.status = StatusError
		rec.err = err.Error()
		rec.capabilities = []string{}
		return fmt.Errorf("failed to remove module %s: %w", name, err)
	}

	delete(r.byName, name)
	delete(r.written, rec.dir)
	for i, other := range r.order {
		if other == rec {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.publish(events.EventModuleDeleted, rec, "module deleted", nil)
	r.logger.Info("module deleted", "module", name)
	return nil
}

// Install validates the manifest at sourcePath and copies the directory
// into storage under the manifest name. A dependency failure is returned
// as a *DependencyError; the module stays installed.
func (r *Registry) Install(ctx context.Context, sourcePath string, opts InstallOptions) (*manifest.Manifest, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	m, err := r.validator.ValidateFile(filepath.Join(sourcePath, manifest.FileName))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.byName[m.Name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: module %q already installed", apperrors.ErrCollision, m.Name)
	}
	if err := r.storage.CopyDirectory(sourcePath, m.Name); err != nil {
		r.mu.Unlock()
		if errors.Is(err, apperrors.ErrExists) {
			return nil, fmt.Errorf("%w: module directory %q already exists", apperrors.ErrCollision, m.Name)
		}
		return nil, err
	}
	r.Invalidate()
	r.mu.Unlock()

	r.logger.Info("module installed", "module", m.Name, "version", m.Version)
	r.publishEvent(events.NewModuleEvent(events.EventModuleInstalled, m.Name, "module installed", map[string]interface{}{
		"version": m.Version,
	}))

	if opts.InstallDependencies && len(m.Dependencies) > 0 {
		if err := r.installDependencies(ctx, m.Name, m); err != nil {
			r.logger.Warn("dependency install failed", "module", m.Name, "error", err)
			r.publishEvent(events.NewModuleEvent(events.EventModuleError, m.Name, err.Error(), nil))
			return m, err
		}
	}
	return m, nil
}

// Modules returns a snapshot of every record in registry order.
func (r *Registry) Modules() []LoadedModule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]LoadedModule, 0, len(r.order))
	for _, rec := range r.order {
		out = append(out, rec.snapshot(r.storage))
	}
	return out
}

// Manifests returns copies of every manifest in registry order.
func (r *Registry) Manifests() []*manifest.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*manifest.Manifest, 0, len(r.order))
	for _, rec := range r.order {
		out = append(out, rec.manifest.Clone())
	}
	return out
}

// Get returns the record of one module.
func (r *Registry) Get(name string) (LoadedModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byName[name]
	if !ok {
		return LoadedModule{}, false
	}
	return rec.snapshot(r.storage), true
}

// NameForDir maps a module directory to its manifest name.
func (r *Registry) NameForDir(dir string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.order {
		if rec.dir == dir {
			return rec.manifest.Name, true
		}
	}
	return "", false
}

// ModulesByFileType returns the enabled manifests that accept ext.
func (r *Registry) ModulesByFileType(ext string) []*manifest.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*manifest.Manifest, 0)
	for _, rec := range r.order {
		if rec.manifest.Enabled && rec.manifest.Supports(ext) {
			out = append(out, rec.manifest.Clone())
		}
	}
	return out
}

// Loaded returns handles of every loaded module in registry order.
func (r *Registry) Loaded() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0, len(r.order))
	for _, rec := range r.order {
		if rec.status == StatusLoaded && rec.impl != nil {
			out = append(out, rec.handle())
		}
	}
	return out
}

// Lookup returns the handle of one loaded module.
func (r *Registry) Lookup(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byName[name]
	if !ok || rec.status != StatusLoaded || rec.impl == nil {
		return Handle{}, false
	}
	return rec.handle(), true
}

// Resources returns the process snapshot of an out-of-process module.
func (r *Registry) Resources(name string) (*loader.Resources, error) {
	r.mu.RLock()
	rec, ok := r.byName[name]
	var impl loader.Implementation
	if ok {
		impl = rec.impl
	}
	r.mu.RUnlock()

	if !ok {
		return nil, notFound(name)
	}
	rr, ok := impl.(loader.ResourceReporter)
	if !ok {
		return nil, fmt.Errorf("module %s is not running out of process", name)
	}
	return rr.Resources()
}

// Close shuts down every implementation. The registry rediscovers on next use.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, rec := range r.order {
		if rec.impl == nil {
			continue
		}
		if err := rec.impl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.manifest.Name, err))
		}
		rec.impl = nil
	}
	r.order = nil
	r.byName = make(map[string]*record)
	r.initted.Store(false)
	return errors.Join(errs...)
}

func (r *Registry) manifestPath(dir string) string {
	return filepath.Join(r.storage.ModulePath(dir), manifest.FileName)
}

func (r *Registry) closeImpl(rec *record) {
	if rec.impl == nil {
		return
	}
	if err := rec.impl.Close(); err != nil {
		r.logger.Warn("failed to close module", "module", rec.manifest.Name, "error", err)
	}
	rec.impl = nil
}

// load acquires the implementation of rec within the load timeout. A load
// that overruns is abandoned and its implementation closed if it ever
// arrives; a panic is turned into a load error.
func (r *Registry) load(ctx context.Context, rec *record) (loader.Implementation, error) {
	loadCtx, cancel := context.WithTimeout(ctx, r.loadTimeout)
	defer cancel()

	type loadResult struct {
		impl loader.Implementation
		err  error
	}
	done := make(chan loadResult, 1)
	dir := r.storage.ModulePath(rec.dir)
	m := rec.manifest.Clone()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- loadResult{err: fmt.Errorf("%w: %s panicked: %v", apperrors.ErrLoad, m.Name, p)}
			}
		}()
		impl, err := r.loaders.Load(loadCtx, dir, m)
		done <- loadResult{impl: impl, err: err}
	}()

	select {
	case res := <-done:
		return res.impl, res.err
	case <-loadCtx.Done():
		go func() {
			if res := <-done; res.impl != nil {
				res.impl.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %s did not load within %s: %v", apperrors.ErrLoad, m.Name, r.loadTimeout, loadCtx.Err())
	}
}

// runHook calls a lifecycle hook. Hook errors, panics and overruns are
// logged and never fail the transition.
func (r *Registry) runHook(ctx context.Context, rec *record, hook string) {
	if rec.impl == nil {
		return
	}
	hookCtx, cancel := context.WithTimeout(ctx, r.hookTimeout)
	defer cancel()

	impl := rec.impl
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("hook panicked: %v", p)
			}
		}()
		done <- impl.Hook(hookCtx, hook)
	}()

	var err error
	select {
	case err = <-done:
	case <-hookCtx.Done():
		err = fmt.Errorf("hook did not return within %s", r.hookTimeout)
	}
	if err != nil {
		r.logger.Warn("module hook failed", "module", rec.manifest.Name, "hook", hook, "error", err)
	}
}

// writeManifestLocked persists m and remembers its content hash.
func (r *Registry) writeManifestLocked(dir string, m *manifest.Manifest) error {
	if err := r.storage.WriteManifest(dir, m); err != nil {
		return err
	}
	raw, err := r.storage.ReadManifest(dir)
	if err != nil {
		delete(r.written, dir)
		return nil
	}
	r.written[dir] = utils.ContentHash(raw)
	return nil
}

// ManifestUnchanged reports whether the manifest on disk is exactly the one
// the registry last wrote for the named module.
func (r *Registry) ManifestUnchanged(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byName[name]
	if !ok {
		return false
	}
	want, ok := r.written[rec.dir]
	if !ok {
		return false
	}
	raw, err := r.storage.ReadManifest(rec.dir)
	if err != nil {
		return false
	}
	return utils.ContentHash(raw) == want
}

func (r *Registry) publish(eventType events.EventType, rec *record, message string, data map[string]interface{}) {
	r.publishEvent(events.NewModuleEvent(eventType, rec.manifest.Name, message, data))
}

func (r *Registry) publishEvent(event events.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.PublishAsync(event); err != nil {
		r.logger.Debug("event not published", "type", event.Type, "error", err)
	}
}

func (rec *record) snapshot(s *storage.Storage) LoadedModule {
	lm := LoadedModule{
		Name:         rec.manifest.Name,
		Manifest:     rec.manifest.Clone(),
		Path:         s.ModulePath(rec.dir),
		Status:       rec.status,
		Capabilities: append([]string{}, rec.capabilities...),
		Error:        rec.err,
	}
	if rec.loadedAt != nil {
		t := *rec.loadedAt
		lm.LoadedAt = &t
	}
	return lm
}

func (rec *record) handle() Handle {
	return Handle{
		Name:         rec.manifest.Name,
		Manifest:     rec.manifest.Clone(),
		Capabilities: append([]string{}, rec.capabilities...),
		Impl:         rec.impl,
	}
}

func notFound(name string) error {
	return fmt.Errorf("%w: module %q", apperrors.ErrNotFound, name)
}
