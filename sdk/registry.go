package sdk

import (
	"fmt"
	"sort"
	"sync"
)

// BuiltinPrefix marks manifest entries that name a registered in-process
// module, for example "builtin:resize".
const BuiltinPrefix = "builtin:"

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes an in-process module factory available under name. It
// panics if called twice with the same name.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if factory == nil {
		panic("sdk: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("sdk: Register called twice for module %q", name))
	}
	factories[name] = factory
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Registered returns the sorted names of all registered factories.
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a factory. Intended for tests.
func Unregister(name string) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	delete(factories, name)
}
