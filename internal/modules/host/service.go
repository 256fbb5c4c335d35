// Package host is the boundary between imgvault and its module runtime.
// Upload handling and the admin API only talk to Service.
package host

import (
	"context"
	"errors"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/imgvault/internal/modules/loader"
	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/mantonx/imgvault/internal/modules/pipeline"
	"github.com/mantonx/imgvault/internal/modules/registry"
	"github.com/mantonx/imgvault/internal/stats"
	"github.com/mantonx/imgvault/internal/utils"
)

// InstallResult describes a completed install
type InstallResult struct {
	Manifest        *manifest.Manifest `json:"manifest"`
	DependencyError string             `json:"dependency_error,omitempty"`
}

// UploadResult is the outcome of ProcessUpload
type UploadResult struct {
	Data        []byte   `json:"-"`
	InputMIME   string   `json:"input_mime"`
	OutputMIME  string   `json:"output_mime"`
	Extension   string   `json:"extension"`
	Applied     []string `json:"applied"`
	InputBytes  int      `json:"input_bytes"`
	OutputBytes int      `json:"output_bytes"`
	Checksum    string   `json:"checksum"`
}

// Service composes the registry and the pipeline
type Service struct {
	registry    *registry.Registry
	pipeline    *pipeline.Pipeline
	stats       *stats.Service
	logger      hclog.Logger
	installDeps bool
}

// NewService creates a host service. stats may be nil.
func NewService(reg *registry.Registry, p *pipeline.Pipeline, st *stats.Service, logger hclog.Logger, installDeps bool) *Service {
	return &Service{
		registry:    reg,
		pipeline:    p,
		stats:       st,
		logger:      logger.Named("module-host"),
		installDeps: installDeps,
	}
}

// Registry returns the underlying registry.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// ProcessImage broadcasts the artifact through every loaded module. It
// never fails; the input comes back when the runtime is unavailable.
func (s *Service) ProcessImage(ctx context.Context, artifact []byte) []byte {
	if err := s.registry.EnsureInitialized(ctx); err != nil {
		s.logger.Error("module runtime unavailable", "error", err)
		return artifact
	}
	return s.pipeline.Process(ctx, artifact, nil)
}

// ProcessImageWithModule runs one module. settings.functionName selects a
// named operation.
func (s *Service) ProcessImageWithModule(ctx context.Context, name string, artifact []byte, settings map[string]interface{}) []byte {
	if err := s.registry.EnsureInitialized(ctx); err != nil {
		s.logger.Error("module runtime unavailable", "error", err)
		return artifact
	}
	return s.pipeline.ProcessWithModule(ctx, name, artifact, settings)
}

// ProcessUpload sniffs the artifact type and runs it through the enabled
// modules that accept that type, or through req's target when set.
func (s *Service) ProcessUpload(ctx context.Context, artifact []byte, req *pipeline.Request) (*UploadResult, error) {
	if err := s.registry.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	in := mimetype.Detect(artifact)
	ext := strings.TrimPrefix(in.Extension(), ".")
	result := &UploadResult{
		InputMIME:  in.String(),
		Extension:  ext,
		Applied:    []string{},
		InputBytes: len(artifact),
	}

	data := artifact
	if req != nil && req.TargetModule != "" {
		if _, ok := s.registry.Lookup(req.TargetModule); ok {
			data = s.pipeline.Process(ctx, data, req)
			result.Applied = append(result.Applied, req.TargetModule)
		}
	} else {
		for _, m := range s.registry.ModulesByFileType(ext) {
			if _, ok := s.registry.Lookup(m.Name); !ok {
				continue
			}
			data = s.pipeline.Process(ctx, data, &pipeline.Request{TargetModule: m.Name})
			result.Applied = append(result.Applied, m.Name)
		}
	}

	result.Data = data
	result.OutputBytes = len(data)
	result.OutputMIME = mimetype.Detect(data).String()
	result.Checksum = utils.ContentHash(data)
	s.logger.Debug("upload processed",
		"input", result.InputMIME,
		"applied", result.Applied,
		"checksum", utils.TruncateHash(result.Checksum, 12))
	return result, nil
}

// GetModules returns every manifest in registry order.
func (s *Service) GetModules(ctx context.Context) ([]*manifest.Manifest, error) {
	if err := s.registry.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	return s.registry.Manifests(), nil
}

// ListModules returns every module record including status and capabilities.
func (s *Service) ListModules(ctx context.Context) ([]registry.LoadedModule, error) {
	if err := s.registry.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	return s.registry.Modules(), nil
}

// GetModule returns one module record.
func (s *Service) GetModule(ctx context.Context, name string) (registry.LoadedModule, bool, error) {
	if err := s.registry.EnsureInitialized(ctx); err != nil {
		return registry.LoadedModule{}, false, err
	}
	lm, ok := s.registry.Get(name)
	return lm, ok, nil
}

// GetModulesByFileType returns the enabled manifests accepting ext.
func (s *Service) GetModulesByFileType(ctx context.Context, ext string) ([]*manifest.Manifest, error) {
	if err := s.registry.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	return s.registry.ModulesByFileType(ext), nil
}

// ToggleModule flips a module between enabled and disabled.
func (s *Service) ToggleModule(ctx context.Context, name string) (registry.LoadedModule, error) {
	return s.registry.Toggle(ctx, name)
}

// ReloadModule reloads a module from disk.
func (s *Service) ReloadModule(ctx context.Context, name string) (registry.LoadedModule, error) {
	return s.registry.Reload(ctx, name)
}

// UpdateModuleSettings shallow-merges partial into the module settings.
func (s *Service) UpdateModuleSettings(ctx context.Context, name string, partial map[string]interface{}) (registry.LoadedModule, error) {
	return s.registry.UpdateSettings(ctx, name, partial)
}

// DeleteModule uninstalls a module and forgets its statistics.
func (s *Service) DeleteModule(ctx context.Context, name string) error {
	if err := s.registry.Delete(ctx, name); err != nil {
		return err
	}
	if s.stats != nil {
		if err := s.stats.Forget(ctx, name); err != nil {
			s.logger.Warn("failed to drop module stats", "module", name, "error", err)
		}
	}
	return nil
}

// InstallModule installs the module directory at path. Dependency failures
// are reported in the result and do not fail the install.
func (s *Service) InstallModule(ctx context.Context, path string) (*InstallResult, error) {
	m, err := s.registry.Install(ctx, path, registry.InstallOptions{InstallDependencies: s.installDeps})
	if err != nil {
		var depErr *registry.DependencyError
		if m != nil && errors.As(err, &depErr) {
			s.logger.Warn("module installed without dependencies", "module", m.Name, "error", err)
			return &InstallResult{Manifest: m, DependencyError: depErr.Error()}, nil
		}
		return nil, err
	}
	return &InstallResult{Manifest: m}, nil
}

// InstallDependencies reruns the dependency install of a module.
func (s *Service) InstallDependencies(ctx context.Context, name string) error {
	return s.registry.InstallDependencies(ctx, name)
}

// ModuleResources returns the process snapshot of an out-of-process module.
func (s *Service) ModuleResources(ctx context.Context, name string) (*loader.Resources, error) {
	if err := s.registry.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	return s.registry.Resources(name)
}

// Stats returns the persisted invocation statistics.
func (s *Service) Stats(ctx context.Context) ([]stats.ModuleStat, error) {
	if s.stats == nil {
		return []stats.ModuleStat{}, nil
	}
	return s.stats.List(ctx)
}
