package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/mantonx/imgvault/sdk"
)

// ScriptLoader runs JavaScript modules in an embedded goja VM. The entry is
// evaluated as a CommonJS module; its module.exports (or the object returned
// by an exported initModule factory) is the implementation.
type ScriptLoader struct {
	logger hclog.Logger
}

func NewScriptLoader(logger hclog.Logger) *ScriptLoader {
	return &ScriptLoader{logger: logger.Named("script")}
}

func (l *ScriptLoader) Name() string { return "script" }

func (l *ScriptLoader) CanLoad(entry string) bool {
	ext := strings.ToLower(filepath.Ext(entry))
	return ext == ".js" || ext == ".cjs"
}

func (l *ScriptLoader) Load(ctx context.Context, dir string, m *manifest.Manifest) (Implementation, error) {
	s := &scriptImplementation{
		vm:     goja.New(),
		root:   dir,
		logger: l.logger.With("module", m.Name),
		cache:  make(map[string]goja.Value),
	}

	stop := s.watch(ctx)
	defer stop()

	s.installGlobals()

	exports, err := s.requireFile(filepath.Join(dir, m.Entry))
	if err != nil {
		return nil, err
	}

	if goja.IsUndefined(exports) || goja.IsNull(exports) {
		return nil, fmt.Errorf("%s has no exports", m.Entry)
	}
	obj := exports.ToObject(s.vm)
	if def := obj.Get("default"); def != nil && !goja.IsUndefined(def) && !goja.IsNull(def) {
		if _, isFunc := goja.AssertFunction(obj.Get(sdk.OpProcessImage)); !isFunc {
			obj = def.ToObject(s.vm)
		}
	}

	if factory, ok := goja.AssertFunction(obj.Get(sdk.OpInitModule)); ok {
		info, err := manifestValue(m)
		if err != nil {
			return nil, err
		}
		res, err := factory(obj, s.vm.ToValue(info))
		if err != nil {
			return nil, fmt.Errorf("initModule failed: %w", err)
		}
		res, err = settle(res)
		if err != nil {
			return nil, fmt.Errorf("initModule failed: %w", err)
		}
		if res != nil && !goja.IsUndefined(res) && !goja.IsNull(res) {
			obj = res.ToObject(s.vm)
		}
	}

	s.impl = obj
	return s, nil
}

type scriptImplementation struct {
	// goja runtimes are not goroutine safe; mu serializes every VM entry
	mu     sync.Mutex
	vm     *goja.Runtime
	impl   *goja.Object
	root   string
	logger hclog.Logger
	cache  map[string]goja.Value
	closed bool
}

// watch interrupts the VM when ctx ends. The returned func must be called
// once the guarded call returns.
func (s *scriptImplementation) watch(ctx context.Context) func() {
	s.vm.ClearInterrupt()
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			s.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (s *scriptImplementation) installGlobals() {
	console := s.vm.NewObject()
	console.Set("log", s.consoleFunc(hclog.Info))
	console.Set("info", s.consoleFunc(hclog.Info))
	console.Set("debug", s.consoleFunc(hclog.Debug))
	console.Set("warn", s.consoleFunc(hclog.Warn))
	console.Set("error", s.consoleFunc(hclog.Error))
	s.vm.Set("console", console)
}

func (s *scriptImplementation) consoleFunc(level hclog.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		s.logger.Log(level, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

// requireFile evaluates a CommonJS file once and returns its exports.
func (s *scriptImplementation) requireFile(path string) (goja.Value, error) {
	path = filepath.Clean(path)
	if cached, ok := s.cache[path]; ok {
		return cached, nil
	}

	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%s is outside the module directory", path)
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var data interface{}
		if err := json.Unmarshal(src, &data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", rel, err)
		}
		v := s.vm.ToValue(data)
		s.cache[path] = v
		return v, nil
	}

	wrapped := "(function (exports, require, module, __filename, __dirname) {" + string(src) + "\n})"
	program, err := goja.Compile(rel, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", rel, err)
	}

	fnValue, err := s.vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", rel, err)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, fmt.Errorf("failed to evaluate %s: wrapper is not callable", rel)
	}

	module := s.vm.NewObject()
	exports := s.vm.NewObject()
	module.Set("exports", exports)
	s.cache[path] = exports

	dir := filepath.Dir(path)
	require := s.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		spec := call.Argument(0).String()
		if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") {
			panic(s.vm.NewGoError(fmt.Errorf("cannot require %q: only relative module files are supported", spec)))
		}
		target := filepath.Join(dir, spec)
		if filepath.Ext(target) == "" {
			target += ".js"
		}
		v, err := s.requireFile(target)
		if err != nil {
			panic(s.vm.NewGoError(err))
		}
		return v
	})

	if _, err := fn(goja.Undefined(), exports, require, module, s.vm.ToValue(path), s.vm.ToValue(dir)); err != nil {
		delete(s.cache, path)
		return nil, fmt.Errorf("failed to load %s: %w", rel, err)
	}

	result := module.Get("exports")
	s.cache[path] = result
	return result, nil
}

func (s *scriptImplementation) Exports() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for _, key := range s.impl.Keys() {
		if _, ok := goja.AssertFunction(s.impl.Get(key)); ok {
			names = append(names, key)
		}
	}
	sort.Strings(names)
	return names
}

func (s *scriptImplementation) Invoke(ctx context.Context, function string, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("module is closed")
	}

	fn, ok := goja.AssertFunction(s.impl.Get(function))
	if !ok {
		return nil, fmt.Errorf("module does not export %q", function)
	}

	buf, err := s.uint8Array(artifact)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		settings = map[string]interface{}{}
	}

	stop := s.watch(ctx)
	res, err := fn(s.impl, buf, s.vm.ToValue(settings))
	stop()
	if err != nil {
		return nil, fmt.Errorf("%s threw: %w", function, err)
	}

	res, err = settle(res)
	if err != nil {
		return nil, fmt.Errorf("%s rejected: %w", function, err)
	}
	return toBytes(res)
}

func (s *scriptImplementation) Hook(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	fn, ok := goja.AssertFunction(s.impl.Get(name))
	if !ok {
		return nil
	}

	stop := s.watch(ctx)
	res, err := fn(s.impl)
	stop()
	if err != nil {
		return err
	}
	_, err = settle(res)
	return err
}

func (s *scriptImplementation) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cache = nil
	return nil
}

func (s *scriptImplementation) uint8Array(data []byte) (goja.Value, error) {
	buf := s.vm.NewArrayBuffer(append([]byte(nil), data...))
	view, err := s.vm.New(s.vm.Get("Uint8Array"), s.vm.ToValue(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap artifact: %w", err)
	}
	return view, nil
}

// settle unwraps a promise that has already been resolved by the job queue.
func settle(v goja.Value) (goja.Value, error) {
	if v == nil {
		return nil, nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("%v", p.Result())
	default:
		return nil, errors.New("promise did not settle")
	}
}

// toBytes converts an operation result. undefined and null mean unchanged.
func toBytes(v goja.Value) ([]byte, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}

	switch out := v.Export().(type) {
	case goja.ArrayBuffer:
		return append([]byte(nil), out.Bytes()...), nil
	case []byte:
		return append([]byte(nil), out...), nil
	case string:
		return []byte(out), nil
	case []interface{}:
		b := make([]byte, len(out))
		for i, x := range out {
			switch n := x.(type) {
			case int64:
				b[i] = byte(n)
			case float64:
				b[i] = byte(n)
			default:
				return nil, fmt.Errorf("array element %d is %T, not a number", i, x)
			}
		}
		return b, nil
	}

	// Other typed array views: copy the viewed window of the buffer.
	if obj, ok := v.(*goja.Object); ok {
		buffer := obj.Get("buffer")
		if buffer == nil {
			return nil, fmt.Errorf("unsupported result type %s", v.ExportType())
		}
		if ab, ok := buffer.Export().(goja.ArrayBuffer); ok {
			offset := obj.Get("byteOffset").ToInteger()
			length := obj.Get("byteLength").ToInteger()
			raw := ab.Bytes()
			if offset >= 0 && length >= 0 && offset+length <= int64(len(raw)) {
				return append([]byte(nil), raw[offset:offset+length]...), nil
			}
		}
	}
	return nil, fmt.Errorf("unsupported result type %s", v.ExportType())
}

func manifestValue(m *manifest.Manifest) (map[string]interface{}, error) {
	raw, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
