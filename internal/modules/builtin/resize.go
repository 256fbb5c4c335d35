package builtin

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/mantonx/imgvault/sdk"
)

// ResizeName is the registered name of the resize module.
const ResizeName = "resize"

func init() {
	sdk.Register(ResizeName, func(m sdk.Manifest) (interface{}, error) {
		return &Resize{BaseModule: sdk.NewBaseModule(m)}, nil
	})
}

// Resize scales images. settings.width wins over settings.scale; the
// default scale is 0.5.
type Resize struct {
	*sdk.BaseModule
}

func (r *Resize) ProcessImage(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	img, format, err := decode(artifact)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	width := int(floatSetting(settings, "width", 0))
	if width <= 0 {
		scale := floatSetting(settings, "scale", 0.5)
		if scale <= 0 {
			return nil, fmt.Errorf("scale must be positive, got %v", scale)
		}
		width = int(math.Round(float64(bounds.Dx()) * scale))
	}
	if width < 1 {
		width = 1
	}
	if width == bounds.Dx() {
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resized := imaging.Resize(img, width, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if format == "webp" {
		err = webp.Encode(&buf, resized, &webp.Options{Lossless: true})
	} else {
		var f imaging.Format
		f, err = imaging.FormatFromExtension(format)
		if err != nil {
			return nil, err
		}
		err = imaging.Encode(&buf, resized, f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// Thumbnail crops to a centered square of settings.size (default 128).
func (r *Resize) Thumbnail(ctx context.Context, artifact []byte, settings map[string]interface{}) ([]byte, error) {
	img, _, err := decode(artifact)
	if err != nil {
		return nil, err
	}
	size := int(floatSetting(settings, "size", 128))
	if size < 1 {
		return nil, fmt.Errorf("size must be positive, got %d", size)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos), imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
