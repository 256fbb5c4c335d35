package sdk

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"unicode"
	"unicode/utf8"
)

var operationType = reflect.TypeOf((func(context.Context, []byte, map[string]interface{}) ([]byte, error))(nil))

// Operations returns every callable operation of impl keyed by its
// lower camel case name. Methods with the OperationFunc shape are picked up
// by reflection; OperationProvider entries are added on top.
func Operations(impl interface{}) map[string]OperationFunc {
	ops := make(map[string]OperationFunc)
	if impl == nil {
		return ops
	}

	v := reflect.ValueOf(impl)
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		method := t.Method(i)
		mv := v.Method(i)
		if mv.Type() != operationType {
			continue
		}
		fn := mv.Interface().(func(context.Context, []byte, map[string]interface{}) ([]byte, error))
		ops[LowerCamel(method.Name)] = fn
	}

	if p, ok := impl.(OperationProvider); ok {
		for name, fn := range p.Operations() {
			if fn != nil {
				ops[name] = fn
			}
		}
	}

	for name := range ops {
		if IsReserved(name) {
			delete(ops, name)
		}
	}
	return ops
}

// Exports returns the sorted operation names of impl.
func Exports(impl interface{}) []string {
	ops := Operations(impl)
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunHook calls the named lifecycle hook if impl implements it.
func RunHook(ctx context.Context, impl interface{}, name string) error {
	switch name {
	case HookInit:
		if h, ok := impl.(InitHook); ok {
			return h.OnInit(ctx)
		}
	case HookEnable:
		if h, ok := impl.(EnableHook); ok {
			return h.OnEnable(ctx)
		}
	case HookDisable:
		if h, ok := impl.(DisableHook); ok {
			return h.OnDisable(ctx)
		}
	case HookUninstall:
		if h, ok := impl.(UninstallHook); ok {
			return h.OnUninstall(ctx)
		}
	default:
		return fmt.Errorf("unknown hook %q", name)
	}
	return nil
}

// LowerCamel maps a Go method name to its operation name: ProcessImage
// becomes processImage.
func LowerCamel(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToLower(r)) + name[size:]
}
