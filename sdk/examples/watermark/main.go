// Command watermark is an out-of-process module that stamps a translucent
// block into a corner of the image. Build it next to a module.json whose
// entry names the binary:
//
//	go build -o modules/corner-mark/corner-mark ./sdk/examples/watermark
package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/mantonx/imgvault/sdk"
)

type cornerMark struct {
	*sdk.BaseModule
}

func (c *cornerMark) ProcessImage(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(artifact))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	f, err := imaging.FormatFromExtension(format)
	if err != nil {
		return nil, err
	}

	size := intSetting(settings, "size", 16)
	opacity := floatSetting(settings, "opacity", 0.5)

	b := img.Bounds()
	if size > b.Dx() {
		size = b.Dx()
	}
	if size > b.Dy() {
		size = b.Dy()
	}
	mark := imaging.New(size, size, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	out := imaging.Overlay(img, mark, image.Pt(b.Dx()-size, b.Dy()-size), opacity)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Describe returns the settings the module was started with.
func (c *cornerMark) Describe(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	return []byte(fmt.Sprintf("%s %s", c.Manifest().Name, c.Manifest().Version)), nil
}

func intSetting(settings map[string]interface{}, key string, fallback int) int {
	if v, ok := settings[key].(float64); ok && v > 0 {
		return int(v)
	}
	return fallback
}

func floatSetting(settings map[string]interface{}, key string, fallback float64) float64 {
	if v, ok := settings[key].(float64); ok && v >= 0 && v <= 1 {
		return v
	}
	return fallback
}

func main() {
	sdk.Serve(func(m sdk.Manifest) (interface{}, error) {
		return &cornerMark{BaseModule: sdk.NewBaseModule(m)}, nil
	})
}
