// Package sdk is the contract between imgvault and module authors.
//
// A module is any value whose exported methods have the OperationFunc
// shape. ProcessImage is the default operation run by the pipeline. Modules
// may also implement the optional hook interfaces and CapabilityReporter.
//
// In-process modules call Register from an init function; subprocess
// modules call Serve from main.
package sdk

import (
	"context"
)

// Well known operation and hook names.
const (
	OpProcessImage = "processImage"
	OpInitModule   = "initModule"

	HookInit      = "onInit"
	HookEnable    = "onEnable"
	HookDisable   = "onDisable"
	HookUninstall = "onUninstall"
)

// Hooks lists every lifecycle hook name.
var Hooks = []string{HookInit, HookEnable, HookDisable, HookUninstall}

// IsReserved reports whether name is a hook or the factory, neither of which
// may be dispatched as an operation.
func IsReserved(name string) bool {
	if name == OpInitModule {
		return true
	}
	for _, h := range Hooks {
		if h == name {
			return true
		}
	}
	return false
}

// OperationFunc is the signature of every callable module operation.
type OperationFunc func(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error)

// Manifest is the subset of module.json handed to a module factory.
type Manifest struct {
	Name     string                 `json:"name"`
	Version  string                 `json:"version"`
	Entry    string                 `json:"entry"`
	Settings map[string]interface{} `json:"settings"`
}

// Factory builds a module instance from its manifest.
type Factory func(m Manifest) (interface{}, error)

// Processor is implemented by modules that take part in broadcast processing.
type Processor interface {
	ProcessImage(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error)
}

// OperationProvider lets a module expose operations that are not methods.
type OperationProvider interface {
	Operations() map[string]OperationFunc
}

// CapabilityReporter lets a module declare its capabilities explicitly
// instead of having them inferred from its method set.
type CapabilityReporter interface {
	Capabilities() []string
}

// InitHook is called once after the module is loaded.
type InitHook interface {
	OnInit(ctx context.Context) error
}

// EnableHook is called when the module is toggled on.
type EnableHook interface {
	OnEnable(ctx context.Context) error
}

// DisableHook is called before the module is unloaded by toggle or delete.
type DisableHook interface {
	OnDisable(ctx context.Context) error
}

// UninstallHook is called before the module directory is removed.
type UninstallHook interface {
	OnUninstall(ctx context.Context) error
}

// BaseModule provides no-op hooks. Modules can embed it and override only
// the hooks they need.
type BaseModule struct {
	manifest Manifest
}

// NewBaseModule returns a base bound to the given manifest.
func NewBaseModule(m Manifest) *BaseModule {
	return &BaseModule{manifest: m}
}

// Manifest returns the manifest the module was created with.
func (b *BaseModule) Manifest() Manifest {
	return b.manifest
}

// Setting returns a manifest setting or fallback.
func (b *BaseModule) Setting(key string, fallback interface{}) interface{} {
	if v, ok := b.manifest.Settings[key]; ok {
		return v
	}
	return fallback
}

func (b *BaseModule) OnInit(ctx context.Context) error      { return nil }
func (b *BaseModule) OnEnable(ctx context.Context) error    { return nil }
func (b *BaseModule) OnDisable(ctx context.Context) error   { return nil }
func (b *BaseModule) OnUninstall(ctx context.Context) error { return nil }
