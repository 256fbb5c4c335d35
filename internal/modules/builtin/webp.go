package builtin

import (
	"bytes"
	"context"
	"fmt"

	"github.com/chai2010/webp"

	"github.com/mantonx/imgvault/sdk"
)

// WebPName is the registered name of the WebP module.
const WebPName = "webp"

func init() {
	sdk.Register(WebPName, func(m sdk.Manifest) (interface{}, error) {
		return &WebP{BaseModule: sdk.NewBaseModule(m)}, nil
	})
}

// WebP re-encodes artifacts as WebP using settings.quality and
// settings.lossless.
type WebP struct {
	*sdk.BaseModule
}

func (w *WebP) ProcessImage(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	img, _, err := decode(artifact)
	if err != nil {
		return nil, err
	}

	quality := floatSetting(settings, "quality", 80)
	if quality < 0 || quality > 100 {
		return nil, fmt.Errorf("quality must be within 0-100, got %v", quality)
	}

	var buf bytes.Buffer
	opts := &webp.Options{
		Lossless: boolSetting(settings, "lossless", false),
		Quality:  float32(quality),
	}
	if err := webp.Encode(&buf, img, opts); err != nil {
		return nil, fmt.Errorf("failed to encode webp: %w", err)
	}
	return buf.Bytes(), nil
}
