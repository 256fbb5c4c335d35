package loader

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/mantonx/imgvault/sdk"
)

// NativeLoader loads in-process modules registered with sdk.Register.
type NativeLoader struct{}

func NewNativeLoader() *NativeLoader {
	return &NativeLoader{}
}

func (l *NativeLoader) Name() string { return "native" }

func (l *NativeLoader) CanLoad(entry string) bool {
	return strings.HasPrefix(entry, sdk.BuiltinPrefix)
}

func (l *NativeLoader) Load(ctx context.Context, dir string, m *manifest.Manifest) (Implementation, error) {
	name := strings.TrimPrefix(m.Entry, sdk.BuiltinPrefix)
	factory, ok := sdk.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("builtin module %q is not registered", name)
	}

	impl, err := callFactory(factory, sdk.Manifest{
		Name:     m.Name,
		Version:  m.Version,
		Entry:    m.Entry,
		Settings: manifest.CopySettings(m.Settings),
	})
	if err != nil {
		return nil, fmt.Errorf("factory for %q failed: %w", name, err)
	}
	if impl == nil {
		return nil, fmt.Errorf("factory for %q returned nil", name)
	}

	return &nativeImplementation{impl: impl, ops: sdk.Operations(impl)}, nil
}

// callFactory runs a module factory, turning a panic into an error.
func callFactory(factory sdk.Factory, m sdk.Manifest) (impl interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			impl, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return factory(m)
}

type nativeImplementation struct {
	mu     sync.RWMutex
	impl   interface{}
	ops    map[string]sdk.OperationFunc
	closed bool
}

func (n *nativeImplementation) Exports() []string {
	return sdk.Exports(n.impl)
}

func (n *nativeImplementation) ReportedCapabilities() ([]string, bool) {
	if r, ok := n.impl.(sdk.CapabilityReporter); ok {
		return r.Capabilities(), true
	}
	return nil, false
}

func (n *nativeImplementation) Invoke(ctx context.Context, function string, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	n.mu.RLock()
	op, ok := n.ops[function]
	closed := n.closed
	n.mu.RUnlock()

	if closed {
		return nil, fmt.Errorf("module is closed")
	}
	if !ok {
		return nil, fmt.Errorf("module does not export %q", function)
	}
	return op(ctx, artifact, settings)
}

func (n *nativeImplementation) Hook(ctx context.Context, name string) error {
	return sdk.RunHook(ctx, n.impl, name)
}

func (n *nativeImplementation) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	if c, ok := n.impl.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
