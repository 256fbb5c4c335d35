package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/mantonx/imgvault/internal/config"
	"github.com/mantonx/imgvault/internal/database"
	"github.com/mantonx/imgvault/internal/events"
	"github.com/mantonx/imgvault/internal/modules/builtin"
	"github.com/mantonx/imgvault/internal/modules/loader"
	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/mantonx/imgvault/internal/modules/pipeline"
	"github.com/mantonx/imgvault/internal/modules/registry"
	"github.com/mantonx/imgvault/internal/modules/storage"
	"github.com/mantonx/imgvault/internal/modules/watcher"
	"github.com/mantonx/imgvault/internal/stats"
)

// RuntimeOptions selects the optional parts of a Runtime
type RuntimeOptions struct {
	// Persistence opens the database for stats and events.
	Persistence bool
	// Watch enables hot reload when the config allows it.
	Watch bool
	// SeedBuiltins writes manifests for built-in modules missing on disk.
	SeedBuiltins bool
	// Registerer receives the prometheus collectors. Nil disables metrics.
	Registerer prometheus.Registerer
}

// Runtime is the fully wired module runtime owned by the process.
type Runtime struct {
	Service  *Service
	Registry *registry.Registry
	Events   events.Bus
	Stats    *stats.Service
	DB       *gorm.DB

	watcher *watcher.Watcher
	logger  hclog.Logger
}

// NewRuntime builds the module runtime from configuration. Modules are not
// discovered until first use.
func NewRuntime(ctx context.Context, cfg *config.Config, logger hclog.Logger, opts RuntimeOptions) (*Runtime, error) {
	rt := &Runtime{logger: logger}

	if opts.Persistence {
		db, err := database.Open(cfg.Database, logger.Named("database"), &stats.ModuleStat{}, &events.SystemEvent{})
		if err != nil {
			return nil, err
		}
		rt.DB = db
	}

	busConfig := events.DefaultConfig()
	var eventStorage events.Storage
	if rt.DB != nil && cfg.Database.PersistEvents {
		busConfig.EnablePersistence = true
		eventStorage = events.NewDatabaseStorage(rt.DB)
	}
	rt.Events = events.NewBus(busConfig, logger, eventStorage)
	if err := rt.Events.Start(ctx); err != nil {
		rt.closeDB()
		return nil, err
	}

	var metrics *stats.Metrics
	if opts.Registerer != nil {
		metrics = stats.NewMetrics(opts.Registerer)
	}
	rt.Stats = stats.NewService(rt.DB, metrics, logger)

	validator, err := manifest.NewValidator(cfg.Modules.HostVersion)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	store := storage.New(cfg.Modules.Dir)
	if err := store.EnsureRoot(); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	if opts.SeedBuiltins {
		seeded, err := builtin.Seed(store)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		if len(seeded) > 0 {
			logger.Info("seeded built-in modules", "modules", seeded)
		}
	}

	loaders := loader.NewSet(
		loader.NewNativeLoader(),
		loader.NewScriptLoader(logger),
		loader.NewProcessLoader(logger, cfg.Modules.StartTimeout),
	)

	rt.Registry = registry.New(registry.Options{
		Storage:           store,
		Validator:         validator,
		Loaders:           loaders,
		Events:            rt.Events,
		Logger:            logger,
		HookTimeout:       cfg.Modules.CallTimeout,
		LoadTimeout:       cfg.Modules.LoadTimeout,
		DependencyCommand: cfg.Modules.DependencyCommand,
	})

	p := pipeline.New(pipeline.Options{
		Source:      rt.Registry,
		Recorder:    rt.Stats,
		Logger:      logger,
		CallTimeout: cfg.Modules.CallTimeout,
	})
	rt.Service = NewService(rt.Registry, p, rt.Stats, logger, cfg.Modules.InstallDeps)

	if opts.Watch && cfg.Modules.EnableHotReload {
		w, err := watcher.New(watcher.Options{
			Root:     cfg.Modules.Dir,
			Target:   rt.Registry,
			Logger:   logger,
			Debounce: cfg.Modules.ReloadDebounce,
			Excludes: cfg.Modules.ExcludePatterns,
		})
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		if err := w.Start(ctx); err != nil {
			rt.Close(ctx)
			return nil, err
		}
		rt.watcher = w
	}

	return rt, nil
}

// Close stops the watcher, shuts down modules, drains events and closes
// the database.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.watcher != nil {
		if err := rt.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("watcher: %w", err))
		}
	}
	if rt.Registry != nil {
		if err := rt.Registry.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("modules: %w", err))
		}
	}
	if rt.Events != nil {
		if err := rt.Events.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
	}
	if err := rt.closeDB(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	return errors.Join(errs...)
}

func (rt *Runtime) closeDB() error {
	if rt.DB == nil {
		return nil
	}
	err := database.Close(rt.DB)
	rt.DB = nil
	return err
}
