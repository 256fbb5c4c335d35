package host

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/imgvault/internal/config"
	apperrors "github.com/mantonx/imgvault/internal/errors"
	"github.com/mantonx/imgvault/internal/events"
	"github.com/mantonx/imgvault/internal/modules/builtin"
	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/mantonx/imgvault/internal/modules/pipeline"
	"github.com/mantonx/imgvault/internal/modules/registry"
)

func createTestLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Name: "test", Level: hclog.Error})
}

func createTempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "imgvault-host-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func testConfig(t *testing.T) *config.Config {
	dir := createTempDir(t)
	cfg := config.DefaultConfig()
	cfg.Modules.Dir = filepath.Join(dir, "modules")
	cfg.Modules.CallTimeout = 5 * time.Second
	cfg.Modules.EnableHotReload = false
	cfg.Database.DataDir = filepath.Join(dir, "data")
	cfg.Database.DatabasePath = filepath.Join(dir, "data", "imgvault.db")
	return cfg
}

func newTestRuntime(t *testing.T, cfg *config.Config) *Runtime {
	rt, err := NewRuntime(context.Background(), cfg, createTestLogger(), RuntimeOptions{
		Persistence:  true,
		SeedBuiltins: true,
		Registerer:   prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Close(ctx)
	})
	return rt
}

func testPNG(t *testing.T, w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.NRGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSeededModulesStartDisabled(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t))
	ctx := context.Background()

	modules, err := rt.Service.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, modules, 3)
	for _, m := range modules {
		assert.Equal(t, registry.StatusDisabled, m.Status, m.Name)
	}

	buf := []byte("untouched")
	assert.Equal(t, buf, rt.Service.ProcessImage(ctx, buf))
}

func TestProcessUploadUsesTypeFilter(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t))
	ctx := context.Background()

	_, err := rt.Service.ToggleModule(ctx, builtin.ResizeName)
	require.NoError(t, err)
	_, err = rt.Service.UpdateModuleSettings(ctx, builtin.ResizeName, map[string]interface{}{"width": 8})
	require.NoError(t, err)

	byType, err := rt.Service.GetModulesByFileType(ctx, "png")
	require.NoError(t, err)
	require.Len(t, byType, 1)

	res, err := rt.Service.ProcessUpload(ctx, testPNG(t, 32, 4), nil)
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.InputMIME)
	assert.Equal(t, "image/png", res.OutputMIME)
	assert.Equal(t, "png", res.Extension)
	assert.Equal(t, []string{builtin.ResizeName}, res.Applied)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Width)

	plain, err := rt.Service.ProcessUpload(ctx, []byte("plain text"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{builtin.ResizeName}, plain.Applied, "wildcard modules accept every type")
	assert.Equal(t, []byte("plain text"), plain.Data, "resize failure passes input through")

	st, err := rt.Service.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.Equal(t, int64(2), st[0].Invocations)
	assert.Equal(t, int64(1), st[0].Failures)
}

func TestTargetedUploadAndWatermark(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t))
	ctx := context.Background()

	_, err := rt.Service.ToggleModule(ctx, builtin.WatermarkName)
	require.NoError(t, err)

	res, err := rt.Service.ProcessUpload(ctx, []byte("data"), &pipeline.Request{TargetModule: builtin.WatermarkName})
	require.NoError(t, err)
	assert.Equal(t, "data"+builtin.DefaultMarker, string(res.Data))

	out := rt.Service.ProcessImageWithModule(ctx, builtin.WatermarkName, res.Data, map[string]interface{}{"functionName": "strip"})
	assert.Equal(t, "data", string(out))
}

func TestInstallAndDelete(t *testing.T) {
	cfg := testConfig(t)
	cfg.Modules.InstallDeps = true
	cfg.Modules.DependencyCommand = []string{"false"}
	rt := newTestRuntime(t, cfg)
	ctx := context.Background()

	src := createTempDir(t)
	writeFile(t, src, manifest.FileName, `{"name":"stamp","version":"1.0.0","enabled":true,"entry":"index.js","dependencies":["left-pad"]}`)
	writeFile(t, src, "index.js", `exports.processImage = function (buf) { return buf; };`)

	res, err := rt.Service.InstallModule(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "stamp", res.Manifest.Name)
	assert.NotEmpty(t, res.DependencyError)

	_, err = rt.Service.InstallModule(ctx, src)
	assert.True(t, errors.Is(err, apperrors.ErrCollision))

	lm, ok, err := rt.Service.GetModule(ctx, "stamp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, registry.StatusLoaded, lm.Status)

	rt.Service.ProcessImage(ctx, []byte{1})
	require.NoError(t, rt.Service.DeleteModule(ctx, "stamp"))

	st, err := rt.Service.Stats(ctx)
	require.NoError(t, err)
	assert.Empty(t, st)

	assert.True(t, errors.Is(rt.Service.DeleteModule(ctx, "stamp"), apperrors.ErrNotFound))
}

func TestLifecycleEventsArePersisted(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t))
	ctx := context.Background()

	_, err := rt.Service.ToggleModule(ctx, builtin.WebPName)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		evs, _, err := rt.Events.GetEvents(ctx, events.EventFilter{Types: []events.EventType{events.EventModuleEnabled}}, 10, 0)
		return err == nil && len(evs) == 1 && evs[0].Target == builtin.WebPName
	}, 2*time.Second, 20*time.Millisecond)
}
