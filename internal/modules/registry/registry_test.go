package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mantonx/imgvault/internal/errors"
	"github.com/mantonx/imgvault/internal/modules/loader"
	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/mantonx/imgvault/internal/modules/storage"
	"github.com/mantonx/imgvault/sdk"
)

var (
	hookMu    sync.Mutex
	hookCalls []string

	factoryCalls atomic.Int32
)

type hookModule struct {
	name string
}

func (h *hookModule) ProcessImage(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	return append(append([]byte{}, artifact...), 'h'), nil
}

func (h *hookModule) record(hook string) error {
	hookMu.Lock()
	defer hookMu.Unlock()
	hookCalls = append(hookCalls, h.name+":"+hook)
	return nil
}

func (h *hookModule) OnInit(ctx context.Context) error    { return h.record(sdk.HookInit) }
func (h *hookModule) OnEnable(ctx context.Context) error  { return h.record(sdk.HookEnable) }
func (h *hookModule) OnDisable(ctx context.Context) error { return h.record(sdk.HookDisable) }
func (h *hookModule) OnUninstall(ctx context.Context) error {
	return fmt.Errorf("uninstall always fails")
}

func init() {
	sdk.Register("registry-test-hooks", func(m sdk.Manifest) (interface{}, error) {
		factoryCalls.Add(1)
		return &hookModule{name: m.Name}, nil
	})
}

type panicModule struct{}

func (p *panicModule) ProcessImage(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	return nil, nil
}

func (p *panicModule) OnInit(ctx context.Context) error    { panic("init exploded") }
func (p *panicModule) OnDisable(ctx context.Context) error { panic("disable exploded") }

func init() {
	sdk.Register("registry-test-panic-hooks", func(m sdk.Manifest) (interface{}, error) {
		return &panicModule{}, nil
	})
	sdk.Register("registry-test-panic-factory", func(m sdk.Manifest) (interface{}, error) {
		panic("factory exploded")
	})
}

func resetHooks() []string {
	hookMu.Lock()
	defer hookMu.Unlock()
	calls := hookCalls
	hookCalls = nil
	return calls
}

func createTestLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Name: "test", Level: hclog.Error})
}

func createTempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "imgvault-registry-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func writeModule(t *testing.T, root, dir, manifestJSON string, files map[string]string) {
	writeFile(t, filepath.Join(root, dir), manifest.FileName, manifestJSON)
	for name, content := range files {
		writeFile(t, filepath.Join(root, dir), name, content)
	}
}

func nativeManifest(name string, enabled bool) string {
	return fmt.Sprintf(`{"name":%q,"version":"1.0.0","entry":"builtin:registry-test-hooks","enabled":%t,"supportedArtifactTypes":["png"]}`, name, enabled)
}

func newTestRegistry(t *testing.T, root string) *Registry {
	validator, err := manifest.NewValidator("1.0.0")
	require.NoError(t, err)

	logger := createTestLogger()
	return New(Options{
		Storage:           storage.New(root),
		Validator:         validator,
		Loaders:           loader.NewSet(loader.NewNativeLoader(), loader.NewScriptLoader(logger)),
		Logger:            logger,
		DependencyCommand: []string{"touch", "installed.marker"},
	})
}

func snapshotTree(t *testing.T, root string) map[string]string {
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		if d.IsDir() {
			files[rel+"/"] = ""
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestDiscovery(t *testing.T) {
	root := createTempDir(t)
	writeModule(t, root, "a-first", nativeManifest("alpha", true), nil)
	writeModule(t, root, "b-duplicate", nativeManifest("alpha", true), nil)
	writeModule(t, root, "c-disabled", nativeManifest("gamma", false), nil)
	writeModule(t, root, "d-broken", `{"name":"delta","version":"1.0.0","entry":"missing.js","enabled":true}`, nil)
	writeModule(t, root, "e-invalid", `{"name":"epsilon"`, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "f-empty"), 0755))

	reg := newTestRegistry(t, root)
	require.NoError(t, reg.EnsureInitialized(context.Background()))

	modules := reg.Modules()
	require.Len(t, modules, 3)

	assert.Equal(t, "alpha", modules[0].Name)
	assert.Equal(t, StatusLoaded, modules[0].Status)
	assert.Equal(t, filepath.Join(root, "a-first"), modules[0].Path)
	assert.Equal(t, []string{"processImage"}, modules[0].Capabilities)
	assert.NotNil(t, modules[0].LoadedAt)

	assert.Equal(t, "gamma", modules[1].Name)
	assert.Equal(t, StatusDisabled, modules[1].Status)
	assert.Empty(t, modules[1].Capabilities)

	assert.Equal(t, "delta", modules[2].Name)
	assert.Equal(t, StatusError, modules[2].Status)
	assert.NotEmpty(t, modules[2].Error)

	_, ok := reg.Lookup("delta")
	assert.False(t, ok, "errored modules have no implementation")
	require.Len(t, reg.Loaded(), 1)
}

func TestEnsureInitializedIsSingleFlight(t *testing.T) {
	root := createTempDir(t)
	writeModule(t, root, "solo", nativeManifest("solo", true), nil)

	reg := newTestRegistry(t, root)
	before := factoryCalls.Load()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.EnsureInitialized(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), factoryCalls.Load()-before)
	assert.Len(t, reg.Modules(), 1)
}

func TestInvalidatePicksUpChangesAndKeepsExisting(t *testing.T) {
	root := createTempDir(t)
	writeModule(t, root, "one", nativeManifest("one", true), nil)
	writeModule(t, root, "two", nativeManifest("two", true), nil)

	reg := newTestRegistry(t, root)
	ctx := context.Background()
	require.NoError(t, reg.EnsureInitialized(ctx))
	first, _ := reg.Get("one")

	require.NoError(t, os.RemoveAll(filepath.Join(root, "two")))
	writeModule(t, root, "three", nativeManifest("three", true), nil)

	reg.Invalidate()
	require.NoError(t, reg.EnsureInitialized(ctx))

	var names []string
	for _, m := range reg.Modules() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"one", "three"}, names)

	again, _ := reg.Get("one")
	assert.Equal(t, first.LoadedAt, again.LoadedAt, "existing records are not reloaded")
}

func TestToggleIsIdempotent(t *testing.T) {
	root := createTempDir(t)
	writeModule(t, root, "crop", nativeManifest("crop", true), nil)

	reg := newTestRegistry(t, root)
	ctx := context.Background()
	require.NoError(t, reg.EnsureInitialized(ctx))
	resetHooks()

	readEnabled := func() bool {
		raw, err := os.ReadFile(filepath.Join(root, "crop", manifest.FileName))
		require.NoError(t, err)
		m, err := reg.validator.Validate(raw)
		require.NoError(t, err)
		return m.Enabled
	}

	before, _ := reg.Get("crop")
	require.True(t, readEnabled())

	off, err := reg.Toggle(ctx, "crop")
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, off.Status)
	assert.False(t, readEnabled())
	assert.False(t, off.Manifest.Enabled)

	on, err := reg.Toggle(ctx, "crop")
	require.NoError(t, err)
	assert.Equal(t, before.Status, on.Status)
	assert.Equal(t, before.Capabilities, on.Capabilities)
	assert.True(t, readEnabled())

	assert.Equal(t, []string{"crop:onDisable", "crop:onInit", "crop:onEnable"}, resetHooks())
}

func TestToggleUnknownModule(t *testing.T) {
	reg := newTestRegistry(t, createTempDir(t))
	_, err := reg.Toggle(context.Background(), "ghost")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	assert.True(t, errors.Is(reg.Delete(context.Background(), "ghost"), apperrors.ErrNotFound))

	_, err = reg.UpdateSettings(context.Background(), "ghost", map[string]interface{}{"a": 1})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestInstallCollisionLeavesStateUnchanged(t *testing.T) {
	root := createTempDir(t)
	writeModule(t, root, "watermark", nativeManifest("watermark", true), nil)

	reg := newTestRegistry(t, root)
	ctx := context.Background()
	require.NoError(t, reg.EnsureInitialized(ctx))

	source := createTempDir(t)
	writeModule(t, source, "pkg", nativeManifest("watermark", false), map[string]string{"extra.txt": "other"})

	diskBefore := snapshotTree(t, root)
	modulesBefore := reg.Modules()

	_, err := reg.Install(ctx, filepath.Join(source, "pkg"), InstallOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCollision))

	assert.Equal(t, diskBefore, snapshotTree(t, root))
	assert.Equal(t, modulesBefore, reg.Modules())
}

func TestInstallAndDiscover(t *testing.T) {
	root := createTempDir(t)
	reg := newTestRegistry(t, root)
	ctx := context.Background()
	require.NoError(t, reg.EnsureInitialized(ctx))

	source := createTempDir(t)
	writeModule(t, source, "download", `{
		"name": "stamp",
		"version": "0.2.0",
		"entry": "index.js",
		"enabled": true,
		"supportedArtifactTypes": ["PNG", ".jpg"],
		"dependencies": ["left-pad@^1.3.0", "@scope/util"]
	}`, map[string]string{"index.js": `exports.processImage = function (buf) { return buf; };`})

	m, err := reg.Install(ctx, filepath.Join(source, "download"), InstallOptions{InstallDependencies: true})
	require.NoError(t, err)
	assert.Equal(t, "stamp", m.Name)

	assert.FileExists(t, filepath.Join(root, "stamp", "index.js"))
	assert.FileExists(t, filepath.Join(root, "stamp", "installed.marker"))

	pkg, err := os.ReadFile(filepath.Join(root, "stamp", PackageFile))
	require.NoError(t, err)
	assert.Contains(t, string(pkg), `"left-pad": "^1.3.0"`)
	assert.Contains(t, string(pkg), `"@scope/util": "*"`)

	require.NoError(t, reg.EnsureInitialized(ctx))
	got, ok := reg.Get("stamp")
	require.True(t, ok)
	assert.Equal(t, StatusLoaded, got.Status)

	byType := reg.ModulesByFileType("jpg")
	require.Len(t, byType, 1)
	assert.Equal(t, "stamp", byType[0].Name)
	assert.Empty(t, reg.ModulesByFileType("gif"))
}

func TestInstallDependencyFailureKeepsModule(t *testing.T) {
	root := createTempDir(t)
	reg := newTestRegistry(t, root)
	reg.depCommand = []string{"false"}
	ctx := context.Background()

	source := createTempDir(t)
	writeModule(t, source, "src", `{"name":"needy","version":"1.0.0","entry":"index.js","enabled":false,"dependencies":["sharp"]}`,
		map[string]string{"index.js": `exports.processImage = function (buf) { return buf; };`})

	m, err := reg.Install(ctx, filepath.Join(source, "src"), InstallOptions{InstallDependencies: true})
	require.Error(t, err)
	require.NotNil(t, m)

	var depErr *DependencyError
	assert.True(t, errors.As(err, &depErr))

	require.NoError(t, reg.EnsureInitialized(ctx))
	_, ok := reg.Get("needy")
	assert.True(t, ok)
}

func TestUpdateSettingsMerges(t *testing.T) {
	root := createTempDir(t)
	writeModule(t, root, "resize", nativeManifest("resize", true), nil)

	reg := newTestRegistry(t, root)
	ctx := context.Background()

	_, err := reg.UpdateSettings(ctx, "resize", map[string]interface{}{"a": 1})
	require.NoError(t, err)
	updated, err := reg.UpdateSettings(ctx, "resize", map[string]interface{}{"b": 2})
	require.NoError(t, err)
	assert.Equal(t, StatusLoaded, updated.Status)

	persisted, err := reg.validator.ValidateFile(filepath.Join(root, "resize", manifest.FileName))
	require.NoError(t, err)
	assert.Equal(t, float64(1), persisted.Settings["a"])
	assert.Equal(t, float64(2), persisted.Settings["b"])
	assert.Equal(t, persisted.Settings, updated.Manifest.Settings)
}

func TestReloadRefreshesCapabilities(t *testing.T) {
	root := createTempDir(t)
	writeModule(t, root, "shape",
		`{"name":"shape","version":"1.0.0","entry":"index.js","enabled":true,"capabilities":["stale","processImage"]}`,
		map[string]string{"index.js": `module.exports = { processImage(b) { return b; }, crop(b) { return b; } };`})

	reg := newTestRegistry(t, root)
	ctx := context.Background()
	require.NoError(t, reg.EnsureInitialized(ctx))

	before, _ := reg.Get("shape")
	assert.Equal(t, []string{"crop", "processImage"}, before.Capabilities)

	writeFile(t, filepath.Join(root, "shape"), "index.js", `module.exports = { processImage(b) { return b; }, rotate(b) { return b; } };`)

	after, err := reg.Reload(ctx, "shape")
	require.NoError(t, err)
	assert.Equal(t, []string{"processImage", "rotate"}, after.Capabilities)
}

func TestReloadInvalidManifestMarksError(t *testing.T) {
	root := createTempDir(t)
	writeModule(t, root, "flaky", nativeManifest("flaky", true), nil)

	reg := newTestRegistry(t, root)
	ctx := context.Background()
	require.NoError(t, reg.EnsureInitialized(ctx))

	writeFile(t, filepath.Join(root, "flaky"), manifest.FileName, `{"name": 12}`)

	got, err := reg.Reload(ctx, "flaky")
	require.Error(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Empty(t, reg.Loaded())
}

func TestDeleteRunsHooksAndRemovesDirectory(t *testing.T) {
	root := createTempDir(t)
	writeModule(t, root, "gone", nativeManifest("gone", true), nil)
	writeModule(t, root, "idle", nativeManifest("idle", false), nil)

	reg := newTestRegistry(t, root)
	ctx := context.Background()
	require.NoError(t, reg.EnsureInitialized(ctx))
	resetHooks()

	require.NoError(t, reg.Delete(ctx, "gone"))
	assert.Equal(t, []string{"gone:onDisable"}, resetHooks(), "uninstall hook failure is ignored")
	assert.NoDirExists(t, filepath.Join(root, "gone"))
	_, ok := reg.Get("gone")
	assert.False(t, ok)

	require.NoError(t, reg.Delete(ctx, "idle"))
	assert.Empty(t, resetHooks())
	assert.Empty(t, reg.Modules())
}

func TestResourcesRequiresProcessModule(t *testing.T) {
	root := createTempDir(t)
	writeModule(t, root, "local", nativeManifest("local", true), nil)

	reg := newTestRegistry(t, root)
	require.NoError(t, reg.EnsureInitialized(context.Background()))

	_, err := reg.Resources("local")
	assert.Error(t, err)
	_, err = reg.Resources("ghost")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestSplitDependency(t *testing.T) {
	cases := map[string][2]string{
		"sharp":            {"sharp", "*"},
		"sharp@0.33":       {"sharp", "0.33"},
		"@scope/pkg":       {"@scope/pkg", "*"},
		"@scope/pkg@^2.0":  {"@scope/pkg", "^2.0"},
		"  spaced@1.0.0  ": {"spaced", "1.0.0"},
	}
	for in, want := range cases {
		name, version := splitDependency(in)
		assert.Equal(t, want[0], name, in)
		assert.Equal(t, want[1], version, in)
	}
}

func newBoundedRegistry(t *testing.T, root string, timeout time.Duration) *Registry {
	validator, err := manifest.NewValidator("1.0.0")
	require.NoError(t, err)

	logger := createTestLogger()
	return New(Options{
		Storage:     storage.New(root),
		Validator:   validator,
		Loaders:     loader.NewSet(loader.NewNativeLoader(), loader.NewScriptLoader(logger)),
		Logger:      logger,
		HookTimeout: timeout,
		LoadTimeout: timeout,
	})
}

func TestLoadTimeoutMarksError(t *testing.T) {
	root := createTempDir(t)
	writeModule(t, root, "a-spin", `{"name":"spin","version":"1.0.0","entry":"index.js","enabled":true}`,
		map[string]string{"index.js": `while (true) {}`})
	writeModule(t, root, "b-hang", `{"name":"hang","version":"1.0.0","entry":"index.js","enabled":true}`,
		map[string]string{"index.js": `exports.initModule = function () { for (;;) {} };`})
	writeModule(t, root, "c-alpha", nativeManifest("alpha", true), nil)

	reg := newBoundedRegistry(t, root, 200*time.Millisecond)

	start := time.Now()
	require.NoError(t, reg.EnsureInitialized(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)

	for _, name := range []string{"spin", "hang"} {
		got, ok := reg.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, StatusError, got.Status, name)
		assert.Contains(t, got.Error, "did not load within", name)
		_, ok = reg.Lookup(name)
		assert.False(t, ok, name)
	}

	alpha, ok := reg.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, StatusLoaded, alpha.Status)

	// the registry lock is free again
	toggled, err := reg.Toggle(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, toggled.Status)

	// fixing the script recovers the module
	writeFile(t, filepath.Join(root, "a-spin"), "index.js", `exports.processImage = function (b) { return b; };`)
	got, err := reg.Reload(context.Background(), "spin")
	require.NoError(t, err)
	assert.Equal(t, StatusLoaded, got.Status)
}

func TestHookPanicsAreContained(t *testing.T) {
	root := createTempDir(t)
	writeModule(t, root, "volatile",
		`{"name":"volatile","version":"1.0.0","entry":"builtin:registry-test-panic-hooks","enabled":true}`, nil)

	reg := newBoundedRegistry(t, root, time.Second)
	require.NotPanics(t, func() {
		require.NoError(t, reg.EnsureInitialized(context.Background()))
	})

	got, ok := reg.Get("volatile")
	require.True(t, ok)
	assert.Equal(t, StatusLoaded, got.Status, "a failing init hook is only logged")

	require.NotPanics(t, func() {
		toggled, err := reg.Toggle(context.Background(), "volatile")
		require.NoError(t, err)
		assert.Equal(t, StatusDisabled, toggled.Status)
	})
}

func TestFactoryPanicMarksError(t *testing.T) {
	root := createTempDir(t)
	writeModule(t, root, "broken",
		`{"name":"broken","version":"1.0.0","entry":"builtin:registry-test-panic-factory","enabled":true}`, nil)

	reg := newBoundedRegistry(t, root, time.Second)
	require.NotPanics(t, func() {
		require.NoError(t, reg.EnsureInitialized(context.Background()))
	})

	got, ok := reg.Get("broken")
	require.True(t, ok)
	assert.Equal(t, StatusError, got.Status)
	assert.Contains(t, got.Error, "factory exploded")
}
