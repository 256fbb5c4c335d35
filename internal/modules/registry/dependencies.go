package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mantonx/imgvault/internal/modules/manifest"
)

// PackageFile is the package descriptor written before dependency install.
const PackageFile = "package.json"

// DependencyError reports a failed dependency install. The module itself
// stays installed.
type DependencyError struct {
	Module string
	Output string
	Err    error
}

func (e *DependencyError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("dependency install for %s failed: %v", e.Module, e.Err)
	}
	return fmt.Sprintf("dependency install for %s failed: %v: %s", e.Module, e.Err, e.Output)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// InstallDependencies writes a package descriptor for the module's declared
// dependencies and runs the configured install command in its directory.
func (r *Registry) InstallDependencies(ctx context.Context, name string) error {
	if err := r.EnsureInitialized(ctx); err != nil {
		return err
	}

	r.mu.RLock()
	rec, ok := r.byName[name]
	var (
		dir string
		m   *manifest.Manifest
	)
	if ok {
		dir = rec.dir
		m = rec.manifest.Clone()
	}
	r.mu.RUnlock()

	if !ok {
		return notFound(name)
	}
	return r.installDependencies(ctx, dir, m)
}

func (r *Registry) installDependencies(ctx context.Context, dir string, m *manifest.Manifest) error {
	if len(m.Dependencies) == 0 {
		return nil
	}

	args := r.depCommand
	if len(args) == 0 {
		return &DependencyError{Module: m.Name, Err: fmt.Errorf("no dependency command configured")}
	}

	moduleDir := r.storage.ModulePath(dir)
	descriptor, err := packageDescriptor(m)
	if err != nil {
		return &DependencyError{Module: m.Name, Err: err}
	}
	if err := os.WriteFile(filepath.Join(moduleDir, PackageFile), descriptor, 0644); err != nil {
		return &DependencyError{Module: m.Name, Err: fmt.Errorf("failed to write %s: %w", PackageFile, err)}
	}

	r.logger.Info("installing module dependencies", "module", m.Name, "count", len(m.Dependencies), "command", args[0])

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = moduleDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &DependencyError{Module: m.Name, Output: strings.TrimSpace(string(out)), Err: err}
	}
	return nil
}

func packageDescriptor(m *manifest.Manifest) ([]byte, error) {
	deps := make(map[string]string, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		name, version := splitDependency(dep)
		if name == "" {
			continue
		}
		deps[name] = version
	}

	return json.MarshalIndent(map[string]interface{}{
		"name":         m.Name,
		"version":      m.Version,
		"private":      true,
		"dependencies": deps,
	}, "", "  ")
}

// splitDependency splits "pkg@range" and "@scope/pkg@range". A missing
// range means any version.
func splitDependency(dep string) (string, string) {
	dep = strings.TrimSpace(dep)
	if i := strings.LastIndex(dep, "@"); i > 0 {
		return dep[:i], dep[i+1:]
	}
	return dep, "*"
}
