package builtin

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chai2010/webp"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/imgvault/internal/modules/loader"
	"github.com/mantonx/imgvault/internal/modules/manifest"
	"github.com/mantonx/imgvault/internal/modules/pipeline"
	"github.com/mantonx/imgvault/internal/modules/registry"
	"github.com/mantonx/imgvault/internal/modules/storage"
	"github.com/mantonx/imgvault/sdk"
)

func createTestLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Name: "test", Level: hclog.Error})
}

func createTempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "imgvault-builtin-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func testPNG(t *testing.T, w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodedSize(t *testing.T, data []byte) (int, int, string) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height, format
}

func newRuntime(t *testing.T, root string) (*registry.Registry, *pipeline.Pipeline) {
	validator, err := manifest.NewValidator("1.0.0")
	require.NoError(t, err)

	logger := createTestLogger()
	reg := registry.New(registry.Options{
		Storage:   storage.New(root),
		Validator: validator,
		Loaders:   loader.NewSet(loader.NewNativeLoader(), loader.NewScriptLoader(logger)),
		Logger:    logger,
	})
	t.Cleanup(func() { reg.Close(context.Background()) })

	p := pipeline.New(pipeline.Options{Source: reg, Logger: logger, CallTimeout: 5 * time.Second})
	return reg, p
}

func TestRegistered(t *testing.T) {
	for _, name := range []string{ResizeName, WebPName, WatermarkName} {
		_, ok := sdk.Lookup(name)
		assert.True(t, ok, name)
	}
}

func TestResizeScenario(t *testing.T) {
	root := createTempDir(t)
	writeFile(t, filepath.Join(root, "resize"), manifest.FileName,
		`{"name":"resize","version":"1.0.0","enabled":true,"entry":"builtin:resize","supportedArtifactTypes":["*"]}`)

	reg, p := newRuntime(t, root)
	ctx := context.Background()
	require.NoError(t, reg.EnsureInitialized(ctx))

	byType := reg.ModulesByFileType("png")
	require.Len(t, byType, 1)
	assert.Equal(t, "resize", byType[0].Name)

	buf := testPNG(t, 64, 20)
	out := p.ProcessWithModule(ctx, "resize", buf, nil)

	w, h, format := decodedSize(t, out)
	assert.Equal(t, 32, w)
	assert.Equal(t, 10, h)
	assert.Equal(t, "png", format)

	out = p.Process(ctx, buf, nil)
	w, _, _ = decodedSize(t, out)
	assert.Equal(t, 32, w)
}

func TestCropFailureDoesNotBlockWatermark(t *testing.T) {
	root := createTempDir(t)
	writeFile(t, filepath.Join(root, "crop"), manifest.FileName,
		`{"name":"crop","version":"1.0.0","enabled":true,"entry":"index.js","supportedArtifactTypes":["*"]}`)
	writeFile(t, filepath.Join(root, "crop"), "index.js",
		`exports.processImage = function () { throw new Error("crop failed"); };`)
	writeFile(t, filepath.Join(root, "watermark"), manifest.FileName,
		`{"name":"watermark","version":"1.0.0","enabled":true,"entry":"builtin:watermark","supportedArtifactTypes":["*"],"settings":{"marker":"þ"}}`)

	reg, p := newRuntime(t, root)
	ctx := context.Background()
	require.NoError(t, reg.EnsureInitialized(ctx))
	require.Len(t, reg.Loaded(), 2)

	buf := []byte{1, 2, 3}
	out := p.Process(ctx, buf, nil)
	assert.Equal(t, append([]byte{1, 2, 3}, []byte("þ")...), out)
	assert.Equal(t, []byte{1, 2, 3}, buf)
}

func TestResizeSettings(t *testing.T) {
	r := &Resize{BaseModule: sdk.NewBaseModule(sdk.Manifest{Name: ResizeName})}
	ctx := context.Background()
	buf := testPNG(t, 40, 40)

	out, err := r.ProcessImage(ctx, buf, map[string]interface{}{"width": 10})
	require.NoError(t, err)
	w, h, _ := decodedSize(t, out)
	assert.Equal(t, 10, w)
	assert.Equal(t, 10, h)

	out, err = r.ProcessImage(ctx, buf, map[string]interface{}{"scale": 0.25})
	require.NoError(t, err)
	w, _, _ = decodedSize(t, out)
	assert.Equal(t, 10, w)

	out, err = r.ProcessImage(ctx, buf, map[string]interface{}{"scale": 1.0})
	require.NoError(t, err)
	assert.Nil(t, out, "unchanged size leaves the artifact alone")

	_, err = r.ProcessImage(ctx, buf, map[string]interface{}{"scale": -1.0})
	assert.Error(t, err)

	_, err = r.ProcessImage(ctx, []byte("not an image"), nil)
	assert.Error(t, err)

	out, err = r.Thumbnail(ctx, testPNG(t, 50, 30), map[string]interface{}{"size": 16})
	require.NoError(t, err)
	w, h, _ = decodedSize(t, out)
	assert.Equal(t, 16, w)
	assert.Equal(t, 16, h)
}

func TestWebPEncode(t *testing.T) {
	m := &WebP{BaseModule: sdk.NewBaseModule(sdk.Manifest{Name: WebPName})}

	out, err := m.ProcessImage(context.Background(), testPNG(t, 12, 8), map[string]interface{}{"lossless": true})
	require.NoError(t, err)

	img, err := webp.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 12, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())

	_, err = m.ProcessImage(context.Background(), testPNG(t, 2, 2), map[string]interface{}{"quality": 150.0})
	assert.Error(t, err)
}

func TestWatermark(t *testing.T) {
	m := &Watermark{BaseModule: sdk.NewBaseModule(sdk.Manifest{Name: WatermarkName})}
	ctx := context.Background()

	out, err := m.ProcessImage(ctx, []byte("img"), nil)
	require.NoError(t, err)
	assert.Equal(t, "img"+DefaultMarker, string(out))

	stripped, err := m.Strip(ctx, out, nil)
	require.NoError(t, err)
	assert.Equal(t, "img", string(stripped))

	stripped, err = m.Strip(ctx, []byte("plain"), nil)
	require.NoError(t, err)
	assert.Nil(t, stripped)

	assert.Equal(t, []string{"processImage", "strip"}, sdk.Exports(m))
}

func TestSeed(t *testing.T) {
	root := createTempDir(t)
	s := storage.New(root)
	writeFile(t, filepath.Join(root, WebPName), manifest.FileName, `{"name":"webp","version":"9.9.9","enabled":true,"entry":"builtin:webp"}`)

	written, err := Seed(s)
	require.NoError(t, err)
	assert.Equal(t, []string{ResizeName, WatermarkName}, written)

	validator, err := manifest.NewValidator("1.0.0")
	require.NoError(t, err)
	m, err := validator.ValidateFile(filepath.Join(root, ResizeName, manifest.FileName))
	require.NoError(t, err)
	assert.False(t, m.Enabled)
	assert.Equal(t, "builtin:resize", m.Entry)

	kept, err := validator.ValidateFile(filepath.Join(root, WebPName, manifest.FileName))
	require.NoError(t, err)
	assert.Equal(t, "9.9.9", kept.Version)
}
